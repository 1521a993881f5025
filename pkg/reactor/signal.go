package reactor

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalSource turns asynchronous process signals into a readable file
// descriptor so the reactor can ingest them like any other readiness event.
// Delivery uses the self-pipe pattern: a notifier goroutine writes one byte
// (the signal number) per signal into a nonblocking pipe; the loop registers
// a read action on the other end and dispatches synchronously.
type SignalSource struct {
	readFD  int
	writeFD int
	ch      chan os.Signal
	done    chan struct{}
}

// NewSignalSource subscribes to signals and returns the readable source.
func NewSignalSource(signals ...os.Signal) (*SignalSource, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("signal pipe: %w", err)
	}

	s := &SignalSource{
		readFD:  fds[0],
		writeFD: fds[1],
		ch:      make(chan os.Signal, 16),
		done:    make(chan struct{}),
	}
	signal.Notify(s.ch, signals...)

	go func() {
		for {
			select {
			case sig := <-s.ch:
				num, ok := sig.(syscall.Signal)
				if !ok {
					continue
				}
				// A full pipe means signals are already pending; dropping the
				// byte loses nothing the pending reads don't carry.
				_, _ = unix.Write(s.writeFD, []byte{byte(num)})
			case <-s.done:
				return
			}
		}
	}()

	return s, nil
}

// FD returns the readable end registered with the poller.
func (s *SignalSource) FD() int {
	return s.readFD
}

// ReadSignal consumes one pending signal from the pipe.
func (s *SignalSource) ReadSignal() (syscall.Signal, error) {
	var buf [1]byte
	n, err := unix.Read(s.readFD, buf[:])
	if err != nil {
		return 0, fmt.Errorf("read signal pipe: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("signal pipe closed")
	}
	return syscall.Signal(buf[0]), nil
}

// Close unsubscribes and releases the pipe.
func (s *SignalSource) Close() {
	signal.Stop(s.ch)
	close(s.done)
	_ = unix.Close(s.readFD)
	_ = unix.Close(s.writeFD)
}
