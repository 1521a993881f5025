/*
Package loop assembles the execution loop the coordinator runs on: a reactor
poller, a signal source, the set of live connections and the supervised child
processes.

The loop is strictly single-threaded. Listeners, outbound connections,
one-shot HTTP requests and child reaping are all expressed as reactor actions
whose callbacks run to completion inside LoopOnce. The loop terminates
naturally when no connection and no child remains; termination signals and
non-zero child exits propagate out of Run as errors.
*/
package loop
