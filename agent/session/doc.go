/*
Package session implements the lifecycle of one triggered command.

A Session moves Idle → Running → Completed|Failed and never leaves a terminal state. Started is emitted synchronously when the session begins, before the process is spawned, so it does not prove the process is alive. Every output chunk becomes a Log event. Exactly one terminal event ends the stream.

Sessions belong to the request or connection that triggered them; the transport decides whether a second trigger may start while one is running.
*/
package session
