// Package api
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared contracts of hsockets: connection lifecycle states, the send outcome
// model, the application-level message, the Conn capability interface that
// servers and handlers are written against, and the error taxonomy.
package api
