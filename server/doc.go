/*
Package server exposes the HTTP and websocket surface of the livecoding
service: room creation and lookup, health and stats endpoints, and the
per-connection websocket session driving one site through the handshake,
the receive loop and teardown.
*/
package server
