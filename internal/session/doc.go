// Package session resolves the browser's session cookie to the stored
// authentication artifacts of that session.
//
// The cookie carries only a signed session id. Claims and the access token
// live in a Store owned by the sign-in flow; the gateway reads from it and
// never writes during request handling.
package session
