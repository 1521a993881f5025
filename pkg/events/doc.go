/*
Package events provides an in-memory event broker for foreman's pub/sub
messaging.

The broker broadcasts engine lifecycle events (worker connects and
disconnects, thunk queueing, dispatch and completion, blob uploads) to any
number of subscribers over buffered channels. Publish queues the event on a
buffered channel and waits only while that queue is full; the broadcast never
waits on a subscriber: a full subscriber buffer drops the event for that
subscriber only.
*/
package events
