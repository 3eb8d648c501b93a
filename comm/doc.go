/*
Package comm implements the message envelope between livecoding rooms and
their participants. It defines the JSON wire schema of websocket text
frames, the validation applied to client-originated payloads, and the Site
handle that wraps one participant's transport together with its identity,
last advertised presence and heartbeat.
*/
package comm
