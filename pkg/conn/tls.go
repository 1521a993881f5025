package conn

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/cuemby/foreman/pkg/reactor"
)

// TLSConn carries a TLS session under the same contract as Conn: buffered
// writes and readiness-driven delivery of inbound bytes. The TLS state
// machine runs on internal pump goroutines; decrypted bytes flow into a pipe
// whose read end is registered with the poller, so every callback still runs
// on the reactor goroutine.
type TLSConn struct {
	tc      *tls.Conn
	pipeR   int
	pipeW   int
	out     chan []byte
	once    sync.Once
	started bool
}

// DialTLS connects to a host:port address and starts a TLS client session.
// ServerName is derived from the address unless overridden.
func DialTLS(addr, serverName string) (*TLSConn, error) {
	if serverName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("split %s: %w", addr, err)
		}
		serverName = host
	}

	netConn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		netConn.Close()
		return nil, fmt.Errorf("tls pipe: %w", err)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		netConn.Close()
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, fmt.Errorf("tls pipe nonblock: %w", err)
	}

	return &TLSConn{
		tc:    tls.Client(netConn, &tls.Config{ServerName: serverName}),
		pipeR: fds[0],
		pipeW: fds[1],
		out:   make(chan []byte, 16),
	}, nil
}

// EnqueueWrite buffers outbound plaintext; the write pump pushes it through
// the TLS session, running the handshake on first use.
func (c *TLSConn) EnqueueWrite(data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	c.out <- buf
}

// FD returns the descriptor delivering decrypted inbound bytes.
func (c *TLSConn) FD() int {
	return c.pipeR
}

// Attach registers the read action and starts the pump goroutines. The
// contract matches Conn.Attach: empty read or a false onData return tears the
// session down and cancels the action.
func (c *TLSConn) Attach(p *reactor.Poller, onData func([]byte) (bool, error), onError, onClose func()) {
	if !c.started {
		c.started = true
		go c.readPump()
		go c.writePump()
	}

	teardown := func() {
		onClose()
		c.Close()
	}

	buf := make([]byte, readChunkSize)
	p.Add(&reactor.Action{
		FD:        c.pipeR,
		Direction: reactor.In,
		Interest:  func() bool { return true },
		OnError: func() {
			onError()
			teardown()
		},
		Ready: func() (reactor.Result, error) {
			n, err := unix.Read(c.pipeR, buf)
			if err == unix.EAGAIN {
				return reactor.Continue, nil
			}
			if err != nil {
				onError()
				teardown()
				return reactor.CancelAll, nil
			}
			if n == 0 {
				teardown()
				return reactor.CancelAll, nil
			}
			keep, err := onData(buf[:n])
			if err != nil {
				return reactor.Continue, err
			}
			if !keep {
				teardown()
				return reactor.CancelAll, nil
			}
			return reactor.Continue, nil
		},
	})
}

// readPump copies decrypted bytes from the TLS session into the pipe. EOF or
// a session error closes the write end, surfacing as an empty read on the
// reactor side.
func (c *TLSConn) readPump() {
	buf := make([]byte, readChunkSize)
	for {
		n, err := c.tc.Read(buf)
		if n > 0 {
			if _, werr := unix.Write(c.pipeW, buf[:n]); werr != nil {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = unix.Close(c.pipeW)
}

func (c *TLSConn) writePump() {
	for data := range c.out {
		if _, err := c.tc.Write(data); err != nil {
			_ = c.tc.Close()
			return
		}
	}
}

// Close shuts the session down. Safe to call more than once.
func (c *TLSConn) Close() {
	c.once.Do(func() {
		close(c.out)
		_ = c.tc.Close()
		_ = unix.Close(c.pipeR)
	})
}
