package fleet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/cuemby/foreman/pkg/conn"
	"github.com/cuemby/foreman/pkg/events"
	"github.com/cuemby/foreman/pkg/log"
	"github.com/cuemby/foreman/pkg/loop"
	"github.com/cuemby/foreman/pkg/metrics"
	"github.com/cuemby/foreman/pkg/store"
	"github.com/cuemby/foreman/pkg/thunk"
	"github.com/cuemby/foreman/pkg/wire"
)

// maxInfilesSize is the worker platform's payload ceiling. Thunks at or above
// it are not admissible.
const maxInfilesSize = 200 << 20 // 200 MiB

// SelectionStrategy picks a free worker for a thunk.
type SelectionStrategy int

const (
	// First selects the free worker with the smallest id.
	First SelectionStrategy = iota
	// LargestObject prefers a free worker that already holds the thunk's
	// largest dependency blob, falling back to First.
	LargestObject
)

// SuccessCallback fires once per executed thunk with the thunk hash and its
// primary output hash.
type SuccessCallback func(thunkHash, outputHash string, extra int)

// Invoker launches a fresh remote worker. Launch failures are the caller's
// to log; the fleet treats the eventual dial-back as the success signal.
type Invoker interface {
	LaunchWorker(lp *loop.Loop) error
}

// Fleet is the worker fleet and thunk dispatcher. All state is owned by the
// reactor goroutine: every mutation happens inside an accept, data or close
// callback, or inside a public operation called between poll rounds.
type Fleet struct {
	lp      *loop.Loop
	objects store.ObjectStore
	invoker Invoker
	broker  *events.Broker

	workers     map[uint64]*Worker
	free        []uint64 // ascending worker ids, Idle workers only
	queue       []*thunk.Thunk
	nextID      uint64
	runningJobs int

	onSuccess SuccessCallback
	logger    zerolog.Logger
}

// New builds a fleet. The success callback is installed once for the fleet's
// lifetime; broker may be nil.
func New(objects store.ObjectStore, invoker Invoker, broker *events.Broker, onSuccess SuccessCallback) *Fleet {
	return &Fleet{
		objects:   objects,
		invoker:   invoker,
		broker:    broker,
		workers:   make(map[uint64]*Worker),
		onSuccess: onSuccess,
		logger:    log.WithComponent("fleet"),
	}
}

// Init binds the listener workers dial back to and installs the acceptance
// path on the loop.
func (f *Fleet) Init(lp *loop.Loop, listenAddr string) error {
	f.lp = lp

	_, err := lp.MakeListener(listenAddr, func(c *conn.Conn, peer string) (bool, error) {
		return true, f.acceptWorker(c, peer)
	})
	if err != nil {
		return fmt.Errorf("fleet listener: %w", err)
	}

	f.logger.Info().Str("addr", listenAddr).Msg("listening for incoming workers")
	return nil
}

// acceptWorker wires a dialed-in worker: register the record, install the
// read plumbing, then hand it the oldest queued thunk. Registration precedes
// the dequeue so the Put/Execute pair is the first thing written to the
// fresh session.
func (f *Fleet) acceptWorker(c *conn.Conn, peer string) error {
	w := f.registerWorker(c)
	id := w.id
	wlog := log.WithWorkerID(id)

	wlog.Info().Str("peer", peer).Msg("incoming worker connection")
	f.publish(events.EventWorkerConnected, map[string]string{"peer": peer}, fmt.Sprintf("worker %d connected", id))

	parser := wire.NewParser()
	f.lp.AddConnection(c,
		func(data []byte) (bool, error) {
			return f.onWorkerData(id, parser, data)
		},
		func() {
			wlog.Error().Msg("worker connection error")
		},
		func() {
			f.closeWorker(id)
		})

	return f.drainColdStart(w)
}

// registerWorker allocates the next worker id and places the record in the
// fleet and the free set.
func (f *Fleet) registerWorker(c Connection) *Worker {
	id := f.nextID
	f.nextID++

	w := newWorker(id, c)
	f.workers[id] = w
	f.freeInsert(id)
	f.updateWorkerGauges()
	return w
}

// drainColdStart prepares the worker with the oldest queued thunk, if any.
// The queue is only ever served here, on new-worker arrival.
func (f *Fleet) drainColdStart(w *Worker) error {
	if len(f.queue) == 0 {
		return nil
	}
	t := f.queue[0]
	f.queue = f.queue[1:]
	metrics.QueuedThunks.Set(float64(len(f.queue)))
	return f.prepare(w, t)
}

// onWorkerData feeds the worker's parser and drains every completed frame.
func (f *Fleet) onWorkerData(id uint64, parser *wire.Parser, data []byte) (bool, error) {
	if err := parser.Parse(data); err != nil {
		return false, fmt.Errorf("worker %d: %w", id, err)
	}

	wlog := log.WithWorkerID(id)

	for !parser.Empty() {
		msg := parser.Front()
		metrics.FramesReceived.WithLabelValues(msg.OpCode.String()).Inc()

		switch msg.OpCode {
		case wire.OpHey:
			wlog.Info().Str("greeting", string(msg.Payload)).Msg("hey")

		case wire.OpPut:
			hash, err := f.handlePut(msg)
			if err != nil {
				return false, fmt.Errorf("worker %d put: %w", id, err)
			}
			wlog.Info().Str("hash", hash).Msg("put")
			f.publish(events.EventBlobReceived, map[string]string{"hash": hash}, "blob received")

		case wire.OpExecuted:
			if err := f.handleExecuted(id, msg); err != nil {
				return false, err
			}

		default:
			return false, fmt.Errorf("worker %d: unexpected opcode %s", id, msg.OpCode)
		}

		parser.Pop()
	}

	return true, nil
}

// handlePut stores an uploaded blob at its content-addressed path.
func (f *Fleet) handlePut(msg *wire.Message) (string, error) {
	put, err := wire.DecodePut(msg.Payload)
	if err != nil {
		return "", err
	}
	if err := store.AtomicCreate(put.Data, f.objects.BlobPath(put.Hash)); err != nil {
		return "", err
	}
	return put.Hash, nil
}

// handleExecuted applies an execution response: record reductions, mark
// outputs available, materialize inline blobs, return the worker to the free
// set and fire the success callback. The cold-start queue is deliberately
// not drained here; it is served by newly arriving workers only.
func (f *Fleet) handleExecuted(id uint64, msg *wire.Message) error {
	resp, err := wire.DecodeExecuted(msg.Payload)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}

	logger := log.WithWorkerID(id)
	logger.Info().Str("thunk_hash", resp.ThunkHash).Msg("executed")

	for _, output := range resp.Outputs {
		if err := f.objects.InsertReduction(thunk.ForOutput(resp.ThunkHash, output.Tag), output.Hash); err != nil {
			return err
		}
		if err := f.objects.SetAvailable(output.Hash); err != nil {
			return err
		}
		if output.Data != "" {
			blob, err := base64.StdEncoding.DecodeString(output.Data)
			if err != nil {
				return fmt.Errorf("worker %d: inline output %s: %w", id, output.Tag, err)
			}
			if err := store.AtomicCreate(blob, f.objects.BlobPath(output.Hash)); err != nil {
				return err
			}
		}
	}

	if err := f.objects.InsertReduction(resp.ThunkHash, resp.Outputs[0].Hash); err != nil {
		return err
	}

	w, ok := f.workers[id]
	if !ok {
		return fmt.Errorf("executed response from unknown worker %d", id)
	}
	w.state = Idle
	f.freeInsert(id)
	f.runningJobs--

	metrics.ThunksExecuted.Inc()
	metrics.RunningJobs.Set(float64(f.runningJobs))
	f.updateWorkerGauges()
	f.publish(events.EventThunkExecuted,
		map[string]string{"thunk_hash": resp.ThunkHash, "output_hash": resp.Outputs[0].Hash},
		"thunk executed")

	f.onSuccess(resp.ThunkHash, resp.Outputs[0].Hash, 0)
	return nil
}

// closeWorker drops a worker record when its session ends. A Busy worker
// leaves its thunk orphaned: running_jobs stays elevated and nothing retries
// the thunk.
func (f *Fleet) closeWorker(id uint64) {
	w, ok := f.workers[id]
	if !ok {
		return
	}

	wlog := log.WithWorkerID(id)
	if w.state == Busy {
		wlog.Warn().Msg("busy worker disconnected, thunk orphaned")
		metrics.ThunksOrphaned.Inc()
		f.publish(events.EventThunkOrphaned, map[string]string{"worker_id": fmt.Sprint(id)}, "thunk orphaned")
	} else {
		wlog.Info().Msg("worker connection closed")
		f.freeRemove(id)
	}

	delete(f.workers, id)
	f.updateWorkerGauges()
	f.publish(events.EventWorkerDisconnected, map[string]string{"worker_id": fmt.Sprint(id)}, "worker disconnected")
}

// ForceThunk requests execution of a thunk. With a free worker available it
// dispatches immediately under the LargestObject strategy; otherwise the
// thunk joins the cold-start queue and a fresh worker is launched.
func (f *Fleet) ForceThunk(t *thunk.Thunk) error {
	logger := log.WithThunkHash(t.Hash)
	logger.Info().Msg("force")
	f.runningJobs++
	metrics.RunningJobs.Set(float64(f.runningJobs))

	if len(f.free) > 0 {
		id, err := f.pickWorker(t, LargestObject)
		if err != nil {
			return err
		}
		return f.prepare(f.workers[id], t)
	}

	f.queue = append(f.queue, t)
	metrics.QueuedThunks.Set(float64(len(f.queue)))
	f.publish(events.EventThunkQueued, map[string]string{"thunk_hash": t.Hash}, "thunk queued")

	if err := f.invoker.LaunchWorker(f.lp); err != nil {
		// Invocation failures are logged only; the thunk stays queued for a
		// worker that may still arrive.
		f.logger.Error().Err(err).Msg("worker invocation failed")
		return nil
	}
	f.publish(events.EventWorkerInvoked, nil, "worker invocation sent")
	return nil
}

// CanExecute reports whether the thunk fits under the worker platform's
// payload ceiling. Callers must not force thunks that fail this check.
func (f *Fleet) CanExecute(t *thunk.Thunk) bool {
	return t.InfilesSize < maxInfilesSize
}

// JobCount returns the number of thunks executing or awaiting a worker.
func (f *Fleet) JobCount() int {
	return f.runningJobs
}

// WorkerCount returns the number of connected workers.
func (f *Fleet) WorkerCount() int {
	return len(f.workers)
}

// FreeWorkers returns the ids of idle workers, ascending.
func (f *Fleet) FreeWorkers() []uint64 {
	out := make([]uint64, len(f.free))
	copy(out, f.free)
	return out
}

// QueueLength returns the number of thunks awaiting a new worker.
func (f *Fleet) QueueLength() int {
	return len(f.queue)
}

// prepare pushes the thunk's missing dependencies to the worker, requests
// execution, and marks the worker Busy.
//
// The worker's object set is replaced with exactly this thunk's dependency
// set, discarding blobs recorded for earlier thunks. That mirrors the
// engine's observed behavior; see DESIGN.md before "fixing" it.
func (f *Fleet) prepare(w *Worker, t *thunk.Thunk) error {
	newObjects := make(map[string]struct{})

	for _, dep := range t.Dependencies() {
		if _, has := w.objects[dep.Hash]; !has && !f.objects.IsAvailable(dep.Hash) {
			data, err := f.objects.ReadBlob(dep.Hash)
			if err != nil {
				return fmt.Errorf("dependency %s of %s: %w", dep.Hash, t.Hash, err)
			}
			putMsg := wire.Message{
				OpCode:  wire.OpPut,
				Payload: wire.EncodePut(wire.PutPayload{Hash: dep.Hash, Data: data}),
			}
			w.conn.EnqueueWrite(putMsg.Encode())
			w.objects[dep.Hash] = struct{}{}
			metrics.BytesPushed.Add(float64(len(data)))
		}
		newObjects[dep.Hash] = struct{}{}
	}

	w.objects = newObjects

	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal thunk %s: %w", t.Hash, err)
	}
	execMsg := wire.Message{OpCode: wire.OpExecute, Payload: payload}
	w.conn.EnqueueWrite(execMsg.Encode())

	w.state = Busy
	f.freeRemove(w.id)
	f.updateWorkerGauges()
	f.publish(events.EventThunkDispatched,
		map[string]string{"thunk_hash": t.Hash, "worker_id": fmt.Sprint(w.id)},
		"thunk dispatched")
	return nil
}

// pickWorker selects a free worker for the thunk. An empty free set is a
// programming error.
func (f *Fleet) pickWorker(t *thunk.Thunk, strategy SelectionStrategy) (uint64, error) {
	if len(f.free) == 0 {
		return 0, fmt.Errorf("no free workers to pick from")
	}

	switch strategy {
	case First:
		return f.free[0], nil

	case LargestObject:
		var largestHash string
		var largestSize uint32

		for _, dep := range t.Dependencies() {
			size, err := thunk.HashSize(dep.Hash)
			if err != nil {
				return 0, err
			}
			if size > largestSize {
				largestSize = size
				largestHash = dep.Hash
			}
		}

		if largestHash != "" {
			for _, id := range f.free {
				if f.workers[id].HasObject(largestHash) {
					return id, nil
				}
			}
		}

		return f.free[0], nil

	default:
		return 0, fmt.Errorf("invalid selection strategy %d", strategy)
	}
}

func (f *Fleet) freeInsert(id uint64) {
	i := sort.Search(len(f.free), func(i int) bool { return f.free[i] >= id })
	if i < len(f.free) && f.free[i] == id {
		return
	}
	f.free = append(f.free, 0)
	copy(f.free[i+1:], f.free[i:])
	f.free[i] = id
}

func (f *Fleet) freeRemove(id uint64) {
	i := sort.Search(len(f.free), func(i int) bool { return f.free[i] >= id })
	if i < len(f.free) && f.free[i] == id {
		f.free = append(f.free[:i], f.free[i+1:]...)
	}
}

func (f *Fleet) updateWorkerGauges() {
	idle, busy := 0, 0
	for _, w := range f.workers {
		if w.state == Busy {
			busy++
		} else {
			idle++
		}
	}
	metrics.WorkersTotal.WithLabelValues("idle").Set(float64(idle))
	metrics.WorkersTotal.WithLabelValues("busy").Set(float64(busy))
}

func (f *Fleet) publish(eventType events.EventType, metadata map[string]string, msg string) {
	if f.broker == nil {
		return
	}
	f.broker.Publish(&events.Event{Type: eventType, Message: msg, Metadata: metadata})
}
