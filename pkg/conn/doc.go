/*
Package conn owns the byte streams between the coordinator and its peers.

Two variants share one contract: EnqueueWrite buffers outbound bytes without
a syscall, and Attach registers the stream with a reactor poller so reads are
delivered as the kernel produces them. Conn is a raw nonblocking TCP stream
whose writes drain when the socket reports writable. TLSConn wraps a TLS
session and bridges its inbound bytes into the same readiness model through a
pipe; its writes are pushed through the session by a pump goroutine.

Each connection is exclusively owned by whoever attached it; an empty read,
a data-callback rejection, or an fd error retires both of its reactor actions
and closes the stream.
*/
package conn
