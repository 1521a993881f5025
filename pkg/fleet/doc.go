/*
Package fleet is the execution engine: it tracks the set of connected remote
workers, dispatches thunks to them, pushes missing dependency blobs, and
applies execution results to the blob cache.

# Architecture

The fleet owns all dispatch state and mutates it only from reactor callbacks,
so no locking is needed anywhere in the engine:

	ForceThunk(t)
	    │
	    ├─ free worker available ──▶ pickWorker(LargestObject)
	    │                               │
	    │                               ▼
	    │                           prepare(w, t)
	    │                               ├─ Put(missing deps)   ─┐ one write
	    │                               └─ Execute(t)          ─┘ buffer
	    │
	    └─ none free ──▶ queue.push(t) + cloud invocation
	                         │
	                         ▼
	            worker dials back, accept path
	                         ├─ register record, join free set
	                         └─ prepare(w, queue.pop())

A worker session delivers framed messages back: Hey (logged), Put (blob
upload into the store) and Executed, which records the reductions, marks
outputs available on the storage backend, materializes inline output blobs,
returns the worker to the free set and fires the fleet-wide success callback.

# Dispatch policy

pickWorker's LargestObject strategy finds the thunk's largest dependency by
the size embedded in its hash and prefers a free worker whose object set
already contains that blob, minimizing bytes pushed for cache-heavy builds.
Dependencies of equal size keep the first one seen; among several holders the
smallest id wins. A miss, or a thunk without dependencies, falls back to the
smallest-id free worker.

# Deliberate asymmetries

Two behaviors look odd but are kept on purpose (see DESIGN.md): prepare
replaces a worker's object set with the current thunk's dependency set, and
the cold-start queue drains only when a new worker connects, never when an
existing worker turns idle.
*/
package fleet
