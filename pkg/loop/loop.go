package loop

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/cuemby/foreman/pkg/conn"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/reactor"
)

// Loop is the single-threaded execution loop: one poller, a signal source,
// the set of live connections and the managed child processes. Everything the
// engine does happens inside a callback dispatched from LoopOnce.
type Loop struct {
	poller    *reactor.Poller
	signals   *reactor.SignalSource
	children  []*childRecord
	connCount int
	currentID uint64
}

// New builds a loop with the signal action installed. The loop subscribes to
// CHLD, CONT, HUP, TERM, QUIT and INT; all of them are dispatched
// synchronously on the loop goroutine.
func New() (*Loop, error) {
	signals, err := reactor.NewSignalSource(
		syscall.SIGCHLD, syscall.SIGCONT, syscall.SIGHUP,
		syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT,
	)
	if err != nil {
		return nil, err
	}

	l := &Loop{
		poller:  reactor.NewPoller(),
		signals: signals,
	}

	l.poller.Add(&reactor.Action{
		FD:        signals.FD(),
		Direction: reactor.In,
		Interest: func() bool {
			return len(l.children) > 0 || l.connCount > 0
		},
		Ready: func() (reactor.Result, error) {
			sig, err := signals.ReadSignal()
			if err != nil {
				return reactor.Continue, err
			}
			if err := l.handleSignal(sig); err != nil {
				return reactor.Continue, err
			}
			return reactor.Continue, nil
		},
	})

	return l, nil
}

// LoopOnce runs one poll round. timeoutMs of -1 blocks until readiness.
func (l *Loop) LoopOnce(timeoutMs int) (reactor.Outcome, error) {
	return l.poller.PollOnce(timeoutMs)
}

// Run drives the loop until it exits naturally (no connection and no child
// remains) or a fatal error propagates out of a callback.
func (l *Loop) Run() error {
	for {
		outcome, err := l.LoopOnce(-1)
		if err != nil {
			return err
		}
		if outcome == reactor.Exit {
			return nil
		}
	}
}

// Close releases the signal source.
func (l *Loop) Close() {
	l.signals.Close()
}

// nextID hands out loop-scoped identifiers for connections, requests and
// children.
func (l *Loop) nextID() uint64 {
	id := l.currentID
	l.currentID++
	return id
}

// AddConnection attaches an established plaintext connection to the loop.
// The loop tracks liveness so the signal action's interest and natural
// termination stay accurate.
func (l *Loop) AddConnection(c *conn.Conn, onData func([]byte) (bool, error), onError, onClose func()) {
	l.connCount++
	c.Attach(l.poller, onData, onError, func() {
		l.connCount--
		onClose()
	})
}

// MakeConnection dials addr without blocking and attaches the stream.
func (l *Loop) MakeConnection(addr string, onData func([]byte) (bool, error), onError, onClose func()) (*conn.Conn, error) {
	c, err := conn.Dial(addr)
	if err != nil {
		return nil, err
	}
	l.AddConnection(c, onData, onError, onClose)
	return c, nil
}

// MakeTLSConnection dials addr over TLS and attaches the stream.
func (l *Loop) MakeTLSConnection(addr string, onData func([]byte) (bool, error), onError, onClose func()) (*conn.TLSConn, error) {
	c, err := conn.DialTLS(addr, "")
	if err != nil {
		return nil, err
	}
	l.connCount++
	c.Attach(l.poller, onData, onError, func() {
		l.connCount--
		onClose()
	})
	return c, nil
}

// MakeListener binds addr and hands every accepted stream to onConn. The
// callback decides the per-connection read plumbing (via AddConnection);
// returning false stops accepting, and an error is fatal to the loop.
func (l *Loop) MakeListener(addr string, onConn func(c *conn.Conn, peer string) (bool, error)) (uint64, error) {
	listenFD, err := conn.Listen(addr)
	if err != nil {
		return 0, err
	}

	l.connCount++
	l.poller.Add(&reactor.Action{
		FD:        listenFD,
		Direction: reactor.In,
		Interest:  func() bool { return true },
		OnError: func() {
			l.connCount--
			_ = unix.Close(listenFD)
		},
		Ready: func() (reactor.Result, error) {
			newConn, peer, err := conn.Accept(listenFD)
			if err != nil {
				if !errors.Is(err, unix.EAGAIN) {
					logger := log.WithComponent("loop")
					logger.Warn().Err(err).Msg("accept failed")
				}
				return reactor.Continue, nil
			}
			keep, err := onConn(newConn, peer)
			if err != nil {
				return reactor.Continue, err
			}
			if !keep {
				l.connCount--
				_ = unix.Close(listenFD)
				return reactor.CancelAll, nil
			}
			return reactor.Continue, nil
		},
	})

	return l.nextID(), nil
}

// HTTPResponseCallback receives the first full response of a one-shot
// request.
type HTTPResponseCallback func(id uint64, tag string, resp *http.Response)

// FailureCallback reports a socket-level failure for a tagged request.
type FailureCallback func(id uint64, tag string)

// MakeHTTPRequest opens a connection to addr (TLS when useTLS is set),
// pushes the serialized request into the write buffer and parses the
// response incrementally. onResponse fires exactly once, after which the
// connection is torn down; onFailure fires on an fd-level error of a
// plaintext connection. A TLS session error closes the connection without
// calling onFailure.
func (l *Loop) MakeHTTPRequest(tag, addr string, useTLS bool, req *http.Request,
	onResponse HTTPResponseCallback, onFailure FailureCallback) (uint64, error) {

	id := l.nextID()
	parser := newHTTPResponseParser()

	onData := func(data []byte) (bool, error) {
		resp, err := parser.parse(data)
		if err != nil {
			logger := log.WithComponent("loop")
			logger.Warn().Err(err).Str("tag", tag).Msg("bad http response")
			return false, nil
		}
		if resp != nil {
			onResponse(id, tag, resp)
			return false, nil
		}
		return true, nil
	}
	onError := func() { onFailure(id, tag) }
	onClose := func() {}

	var buf bytes.Buffer
	if err := req.Write(&buf); err != nil {
		return 0, fmt.Errorf("serialize request %s: %w", tag, err)
	}

	if useTLS {
		c, err := l.MakeTLSConnection(addr, onData, onError, onClose)
		if err != nil {
			return 0, err
		}
		c.EnqueueWrite(buf.Bytes())
	} else {
		c, err := l.MakeConnection(addr, onData, onError, onClose)
		if err != nil {
			return 0, err
		}
		c.EnqueueWrite(buf.Bytes())
	}

	return id, nil
}

// handleSignal dispatches one ingested signal. CHLD reaps managed children;
// CONT resumes them; the termination signals surface as a fatal loop error.
func (l *Loop) handleSignal(sig syscall.Signal) error {
	switch sig {
	case syscall.SIGCONT:
		for _, rec := range l.children {
			if err := rec.child.Resume(); err != nil {
				return err
			}
		}

	case syscall.SIGCHLD:
		if len(l.children) == 0 {
			return fmt.Errorf("received SIGCHLD without any managed children")
		}
		return l.reapChildren()

	case syscall.SIGHUP, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT:
		return fmt.Errorf("interrupted by signal %s", unix.SignalName(sig))

	default:
		return fmt.Errorf("unknown signal %d", sig)
	}

	return nil
}

func (l *Loop) reapChildren() error {
	kept := l.children[:0]
	for _, rec := range l.children {
		child := &rec.child

		if child.Terminated() || !child.Waitable() {
			kept = append(kept, rec)
			continue
		}

		if err := child.Wait(); err != nil {
			return err
		}

		if child.Terminated() {
			if status := child.ExitStatus(); status != 0 {
				return fmt.Errorf("child %q (pid %d) exited with status %d",
					rec.tag, child.PID(), status)
			}
			rec.onExit(rec.id, rec.tag)
			continue
		}

		if !child.Running() {
			// Child stopped; suspend the parent as well.
			if err := unix.Kill(os.Getpid(), syscall.SIGSTOP); err != nil {
				return fmt.Errorf("raise SIGSTOP: %w", err)
			}
		}
		kept = append(kept, rec)
	}
	l.children = kept
	return nil
}
