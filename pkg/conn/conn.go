package conn

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/cuemby/foreman/pkg/reactor"
)

// readChunkSize bounds a single read; the reactor delivers exactly what the
// kernel returned, up to this much per readiness firing.
const readChunkSize = 64 * 1024

// Conn is a nonblocking plaintext stream with a buffered outbound path.
// EnqueueWrite never issues a syscall; bytes drain when the reactor reports
// the socket writable. Inbound bytes are handed to the data callback exactly
// as the kernel returned them.
type Conn struct {
	fd       int
	writeBuf []byte
	closed   bool
}

// FromFD wraps an already-connected nonblocking socket.
func FromFD(fd int) *Conn {
	return &Conn{fd: fd}
}

// Dial starts a nonblocking connect to a host:port address. The connection
// completes asynchronously; the first writable readiness marks success.
func Dial(addr string) (*Conn, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	if err := unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return nil, fmt.Errorf("connect %s: %w", addr, err)
	}

	return &Conn{fd: fd}, nil
}

// FD returns the underlying descriptor.
func (c *Conn) FD() int {
	return c.fd
}

// EnqueueWrite appends bytes to the outbound buffer.
func (c *Conn) EnqueueWrite(data []byte) {
	c.writeBuf = append(c.writeBuf, data...)
}

// PendingWrite reports whether outbound bytes are buffered.
func (c *Conn) PendingWrite() bool {
	return len(c.writeBuf) > 0
}

// Close releases the socket. Safe to call more than once.
func (c *Conn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	_ = unix.Close(c.fd)
}

// Attach registers the connection's write and read actions with the poller.
// The write action fires while the outbound buffer is non-empty; the read
// action fires on every inbound readiness. An empty read (EOF) or a false
// return from onData invokes onClose and cancels both actions. fd-level
// errors invoke onError then onClose.
func (c *Conn) Attach(p *reactor.Poller, onData func([]byte) (bool, error), onError, onClose func()) {
	teardown := func() {
		onClose()
		c.Close()
	}
	fdError := func() {
		onError()
		teardown()
	}

	p.Add(&reactor.Action{
		FD:        c.fd,
		Direction: reactor.Out,
		Interest:  func() bool { return !c.closed && len(c.writeBuf) > 0 },
		OnError:   fdError,
		Ready: func() (reactor.Result, error) {
			n, err := unix.Write(c.fd, c.writeBuf)
			if err == unix.EAGAIN {
				return reactor.Continue, nil
			}
			if err != nil {
				fdError()
				return reactor.CancelAll, nil
			}
			c.writeBuf = c.writeBuf[n:]
			return reactor.Continue, nil
		},
	})

	buf := make([]byte, readChunkSize)
	p.Add(&reactor.Action{
		FD:        c.fd,
		Direction: reactor.In,
		Interest:  func() bool { return !c.closed },
		OnError:   fdError,
		Ready: func() (reactor.Result, error) {
			n, err := unix.Read(c.fd, buf)
			if err == unix.EAGAIN {
				return reactor.Continue, nil
			}
			if err != nil {
				fdError()
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

// Listen binds a nonblocking listening socket on addr and returns its fd.
func Listen(addr string) (int, error) {
	sa, family, err := resolveSockaddr(addr)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt: %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", addr, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen %s: %w", addr, err)
	}
	return fd, nil
}

// Accept takes one pending connection off a listening socket.
func Accept(listenFD int) (*Conn, string, error) {
	fd, sa, err := unix.Accept4(listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return nil, "", fmt.Errorf("accept: %w", err)
	}
	return &Conn{fd: fd}, sockaddrString(sa), nil
}

func resolveSockaddr(addr string) (unix.Sockaddr, int, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("resolve %s: %w", addr, err)
	}

	if ip4 := tcpAddr.IP.To4(); ip4 != nil || tcpAddr.IP == nil {
		sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
		if ip4 != nil {
			copy(sa.Addr[:], ip4)
		}
		return sa, unix.AF_INET, nil
	}

	sa := &unix.SockaddrInet6{Port: tcpAddr.Port}
	copy(sa.Addr[:], tcpAddr.IP.To16())
	return sa, unix.AF_INET6, nil
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	default:
		return "unknown"
	}
}
