// Package server implements the multi-room chat relay.
//
// Connections arrive over raw TCP or through the WebSocket gateway and are
// tracked by the Hub. Each one is served by a session that owns the read
// side of the connection and dispatches requests against the room
// registry, the encryption manager and the file relay workers. All writes
// to a connection go through its outbound queue and single write pump.
package server
