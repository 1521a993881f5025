/*
Package metrics exposes foreman's Prometheus collectors.

Fleet gauges track worker counts by state, running jobs and the cold-start
thunk queue; counters cover executed and orphaned thunks, cloud invocations,
received frames by opcode and dependency bytes pushed to workers. Handler
returns the HTTP handler the coordinator mounts on its metrics address.
*/
package metrics
