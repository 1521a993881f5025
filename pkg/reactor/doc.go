/*
Package reactor implements the readiness-based event loop primitive that
drives the execution engine.

The Poller multiplexes registered Actions over poll(2). Each action names a
file descriptor, a direction, a Ready callback, an Interest predicate that
gates membership in the wait set, and an error callback. A Ready callback may
return CancelAll to remove every action bound to its fd, which is how a
closed connection retires both its read and write actions in one step.

Scheduling is strictly single-threaded and cooperative: every callback runs
to completion on the goroutine that called PollOnce, and PollOnce is the only
suspension point. When no registered action is interested the poller reports
Exit, letting the owning loop terminate naturally.

SignalSource feeds process signals into the same readiness model through a
nonblocking self-pipe, so signal handling is synchronous with respect to all
other callbacks.
*/
package reactor
