package loop

import (
	"fmt"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// LocalCallback fires when a managed child exits cleanly.
type LocalCallback func(id uint64, tag string)

type childRecord struct {
	id     uint64
	tag    string
	onExit LocalCallback
	child  ChildProcess
}

// ChildProcess tracks one spawned local process. Reaping is driven entirely
// by the loop's SIGCHLD path; nothing here blocks.
type ChildProcess struct {
	pid        int
	terminated bool
	running    bool
	exitStatus int
}

// AddChild starts cmd and places it under the loop's supervision. A clean
// exit invokes onExit; a non-zero exit status is raised as a fatal loop
// error when the child is reaped.
func (l *Loop) AddChild(tag string, onExit LocalCallback, cmd *exec.Cmd) (uint64, error) {
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("spawn child %q: %w", tag, err)
	}

	id := l.nextID()
	l.children = append(l.children, &childRecord{
		id:     id,
		tag:    tag,
		onExit: onExit,
		child: ChildProcess{
			pid:     cmd.Process.Pid,
			running: true,
		},
	})
	return id, nil
}

// ChildCount returns the number of children still under supervision.
func (l *Loop) ChildCount() int {
	return len(l.children)
}

// PID returns the child's process id.
func (c *ChildProcess) PID() int {
	return c.pid
}

// Terminated reports whether the child has been reaped after exiting.
func (c *ChildProcess) Terminated() bool {
	return c.terminated
}

// Running reports whether the child is running (false while stopped).
func (c *ChildProcess) Running() bool {
	return c.running
}

// ExitStatus returns the reaped exit status. Valid once Terminated.
func (c *ChildProcess) ExitStatus() int {
	return c.exitStatus
}

// Waitable reports whether the child has state changes to collect, without
// consuming them.
func (c *ChildProcess) Waitable() bool {
	var info unix.Siginfo
	err := unix.Waitid(unix.P_PID, c.pid, &info,
		unix.WEXITED|unix.WSTOPPED|unix.WCONTINUED|unix.WNOHANG|unix.WNOWAIT, nil)
	// With WNOHANG the siginfo stays zeroed when no state change is pending.
	return err == nil && info.Signo != 0
}

// Wait collects one pending state change without blocking.
func (c *ChildProcess) Wait() error {
	var status unix.WaitStatus
	pid, err := unix.Wait4(c.pid, &status, unix.WNOHANG|unix.WUNTRACED|unix.WCONTINUED, nil)
	if err != nil {
		return fmt.Errorf("wait4 pid %d: %w", c.pid, err)
	}
	if pid == 0 {
		return nil
	}

	switch {
	case status.Exited():
		c.terminated = true
		c.running = false
		c.exitStatus = status.ExitStatus()
	case status.Signaled():
		c.terminated = true
		c.running = false
		c.exitStatus = 128 + int(status.Signal())
	case status.Stopped():
		c.running = false
	case status.Continued():
		c.running = true
	}
	return nil
}

// Resume delivers SIGCONT to the child.
func (c *ChildProcess) Resume() error {
	if c.terminated {
		return nil
	}
	if err := unix.Kill(c.pid, syscall.SIGCONT); err != nil {
		return fmt.Errorf("resume pid %d: %w", c.pid, err)
	}
	c.running = true
	return nil
}
