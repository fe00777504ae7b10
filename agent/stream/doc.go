/*
Package stream provides a client and server for triggering the deploy command over a WebSocket and streaming its lifecycle back. It uses WebSockets for bidi messaging so only requires an HTTP(S) server.

Authentication happens on the upgrade request, before the connection is accepted, so an unauthenticated caller never receives an event.

There are two messages in this protocol: "trigger" messages are sent client->server, and "event" messages are sent server->client. The schema for these messages is described in types.go.

The protocol proceeds as follows:

1. The client opens a WebSocket connection with the server, presenting its credential.
2. The client sends a trigger message with Action "deploy".
3. The server sends a "started" event, then one stdout/stderr event per chunk of output, then exactly one "completed" or "failed" event.
4. The client initiates closing of the WebSocket connection, or sends another trigger.

Only one session may run per connection. A trigger that arrives while one is running is answered with a "rejected" message and starts nothing.

By default the process is not tied to the connection: if the client goes away, the command still runs to completion. Server.KillOnDisconnect changes that.
*/
package stream
