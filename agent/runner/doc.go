/*
Package runner spawns shell commands in a working directory and relays their output and exit status.

Commands are opaque strings passed to /bin/sh -c. Nothing is sandboxed: whoever can submit a command can run arbitrary code as the daemon's user.

There are two modes. Run buffers stdout and stderr and returns them once the process exits. Stream hands every chunk of output to a callback as soon as it is read from the pipe; chunk boundaries do not line up with newlines.
*/
package runner
