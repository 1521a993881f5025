package reactor

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Direction selects which readiness a registered action waits for.
type Direction int

const (
	In Direction = iota
	Out
)

// Result is returned by an action's Ready callback.
type Result int

const (
	// Continue keeps the action registered.
	Continue Result = iota
	// CancelAll removes every action bound to the same fd.
	CancelAll
)

// Outcome describes one PollOnce round.
type Outcome int

const (
	// Success means at least one action fired.
	Success Outcome = iota
	// Timeout means the wait elapsed with no readiness.
	Timeout
	// Exit means no registered action is currently interested; the loop may
	// terminate naturally.
	Exit
)

// Action binds a file descriptor and direction to a readiness callback.
// Interest gates whether the action joins the wait set this round; OnError
// fires when the kernel reports an fd-level error, after which every action
// on the fd is cancelled.
type Action struct {
	FD        int
	Direction Direction
	Ready     func() (Result, error)
	Interest  func() bool
	OnError   func()
}

// Poller is a single-threaded readiness multiplexer over registered actions.
// All callbacks run on the caller's goroutine, inside PollOnce.
type Poller struct {
	actions []*Action
}

// NewPoller returns an empty poller.
func NewPoller() *Poller {
	return &Poller{}
}

// Add registers an action. Registration order is preserved for dispatch.
func (p *Poller) Add(a *Action) {
	if a.Interest == nil {
		a.Interest = func() bool { return true }
	}
	p.actions = append(p.actions, a)
}

// CancelFD removes every action bound to fd.
func (p *Poller) CancelFD(fd int) {
	kept := p.actions[:0]
	for _, a := range p.actions {
		if a.FD != fd {
			kept = append(kept, a)
		}
	}
	p.actions = kept
}

func (d Direction) events() int16 {
	if d == Out {
		return unix.POLLOUT
	}
	return unix.POLLIN
}

// PollOnce assembles the wait set from interested actions, waits up to
// timeoutMs (-1 blocks indefinitely) and dispatches Ready for each fired
// action. An error returned by a Ready callback aborts the round and
// propagates to the caller.
func (p *Poller) PollOnce(timeoutMs int) (Outcome, error) {
	interested := make([]*Action, 0, len(p.actions))
	for _, a := range p.actions {
		if a.Interest() {
			interested = append(interested, a)
		}
	}

	if len(interested) == 0 {
		return Exit, nil
	}

	fds := make([]unix.PollFd, len(interested))
	for i, a := range interested {
		fds[i] = unix.PollFd{Fd: int32(a.FD), Events: a.Direction.events()}
	}

	n, err := unix.Poll(fds, timeoutMs)
	if err == unix.EINTR {
		return Success, nil
	}
	if err != nil {
		return Success, fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return Timeout, nil
	}

	cancelled := make(map[int]bool)
	for i, a := range interested {
		if cancelled[a.FD] {
			continue
		}
		revents := fds[i].Revents
		if revents == 0 {
			continue
		}

		if revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			if a.OnError != nil {
				a.OnError()
			}
			cancelled[a.FD] = true
			p.CancelFD(a.FD)
			continue
		}

		// POLLHUP is delivered to the read path so EOF is observed there.
		if revents&(a.Direction.events()|unix.POLLHUP) == 0 {
			continue
		}

		result, err := a.Ready()
		if err != nil {
			return Success, err
		}
		if result == CancelAll {
			cancelled[a.FD] = true
			p.CancelFD(a.FD)
		}
	}

	return Success, nil
}
