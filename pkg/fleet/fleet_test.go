package fleet

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/foreman/pkg/loop"
	"github.com/cuemby/foreman/pkg/thunk"
	"github.com/cuemby/foreman/pkg/wire"
)

// fakeStore is an in-memory ObjectStore with a real directory for blob
// materialization.
type fakeStore struct {
	dir        string
	available  map[string]bool
	reductions map[string]string
	blobs      map[string][]byte
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{
		dir:        t.TempDir(),
		available:  make(map[string]bool),
		reductions: make(map[string]string),
		blobs:      make(map[string][]byte),
	}
}

func (s *fakeStore) IsAvailable(hash string) bool { return s.available[hash] }
func (s *fakeStore) SetAvailable(hash string) error {
	s.available[hash] = true
	return nil
}
func (s *fakeStore) InsertReduction(key, value string) error {
	s.reductions[key] = value
	return nil
}
func (s *fakeStore) LookupReduction(key string) (string, bool) {
	v, ok := s.reductions[key]
	return v, ok
}
func (s *fakeStore) BlobPath(hash string) string { return filepath.Join(s.dir, hash) }
func (s *fakeStore) ReadBlob(hash string) ([]byte, error) {
	data, ok := s.blobs[hash]
	if !ok {
		return nil, fmt.Errorf("no blob %s", hash)
	}
	return data, nil
}

// fakeConn collects every frame enqueued on a worker's connection.
type fakeConn struct {
	parser *wire.Parser
	frames []wire.Message
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{parser: wire.NewParser()}
}

func (c *fakeConn) EnqueueWrite(data []byte) {
	if err := c.parser.Parse(data); err != nil {
		panic(err)
	}
	for !c.parser.Empty() {
		c.frames = append(c.frames, *c.parser.Front())
		c.parser.Pop()
	}
}

func (c *fakeConn) Close() { c.closed = true }

type fakeInvoker struct {
	calls int
}

func (i *fakeInvoker) LaunchWorker(lp *loop.Loop) error {
	i.calls++
	return nil
}

// depHash builds a hash whose embedded size suffix decodes to size.
func depHash(name string, size uint32) string {
	return fmt.Sprintf("%s-digest-%08x", name, size)
}

type fixture struct {
	fleet     *Fleet
	store     *fakeStore
	invoker   *fakeInvoker
	successes [][2]string
}

func newFixture(t *testing.T) *fixture {
	fx := &fixture{
		store:   newFakeStore(t),
		invoker: &fakeInvoker{},
	}
	fx.fleet = New(fx.store, fx.invoker, nil, func(thunkHash, outputHash string, extra int) {
		fx.successes = append(fx.successes, [2]string{thunkHash, outputHash})
	})
	return fx
}

// connect registers a worker the way the acceptance path does, including the
// cold-start dequeue.
func (fx *fixture) connect(t *testing.T) (*Worker, *fakeConn) {
	t.Helper()
	c := newFakeConn()
	w := fx.fleet.registerWorker(c)
	require.NoError(t, fx.fleet.drainColdStart(w))
	return w, c
}

func (fx *fixture) deliverExecuted(t *testing.T, workerID uint64, resp wire.ExecutedResponse) error {
	t.Helper()
	payload, err := wire.EncodeExecuted(resp)
	require.NoError(t, err)
	msg := wire.Message{OpCode: wire.OpExecuted, Payload: payload}
	parser := wire.NewParser()
	_, err = fx.fleet.onWorkerData(workerID, parser, msg.Encode())
	return err
}

func (fx *fixture) assertFleetInvariant(t *testing.T) {
	t.Helper()
	busy := 0
	for _, w := range fx.fleet.workers {
		if w.state == Busy {
			busy++
		}
	}
	assert.Equal(t, len(fx.fleet.workers), len(fx.fleet.free)+busy,
		"free set plus busy workers must cover the fleet")
	for _, id := range fx.fleet.free {
		require.Contains(t, fx.fleet.workers, id)
		assert.Equal(t, Idle, fx.fleet.workers[id].state)
	}
}

func TestCanExecuteCeiling(t *testing.T) {
	fx := newFixture(t)

	assert.False(t, fx.fleet.CanExecute(&thunk.Thunk{InfilesSize: 200 << 20}))
	assert.True(t, fx.fleet.CanExecute(&thunk.Thunk{InfilesSize: 200<<20 - 1}))
}

// TestColdStart walks scenario S1: force with an empty fleet, invoke, then a
// worker dials in and executes.
func TestColdStart(t *testing.T) {
	fx := newFixture(t)
	th := &thunk.Thunk{Hash: "thunk-A"}

	require.NoError(t, fx.fleet.ForceThunk(th))
	assert.Equal(t, 1, fx.fleet.JobCount())
	assert.Equal(t, 1, fx.fleet.QueueLength())
	assert.Equal(t, 1, fx.invoker.calls)

	w, c := fx.connect(t)
	assert.Equal(t, uint64(0), w.ID())
	assert.Equal(t, Busy, w.State())
	assert.Empty(t, fx.fleet.FreeWorkers())
	require.Len(t, c.frames, 1)
	assert.Equal(t, wire.OpExecute, c.frames[0].OpCode)
	fx.assertFleetInvariant(t)

	outputHash := depHash("out", 5)
	require.NoError(t, fx.deliverExecuted(t, 0, wire.ExecutedResponse{
		ThunkHash: th.Hash,
		Outputs:   []wire.ExecutedOutput{{Tag: "out", Hash: outputHash}},
	}))

	assert.Equal(t, outputHash, fx.store.reductions[th.Hash])
	assert.Equal(t, outputHash, fx.store.reductions[thunk.ForOutput(th.Hash, "out")])
	assert.True(t, fx.store.available[outputHash])
	require.Len(t, fx.successes, 1)
	assert.Equal(t, [2]string{th.Hash, outputHash}, fx.successes[0])
	assert.Equal(t, 0, fx.fleet.JobCount())
	assert.Equal(t, []uint64{0}, fx.fleet.FreeWorkers())
	assert.Equal(t, Idle, w.State())
	fx.assertFleetInvariant(t)
}

// TestSecondThunkLaunchesWorker walks scenario S2.
func TestSecondThunkLaunchesWorker(t *testing.T) {
	fx := newFixture(t)
	_, c0 := fx.connect(t)

	t1 := &thunk.Thunk{Hash: "thunk-1"}
	t2 := &thunk.Thunk{Hash: "thunk-2"}

	require.NoError(t, fx.fleet.ForceThunk(t1))
	require.Len(t, c0.frames, 1)
	assert.Equal(t, wire.OpExecute, c0.frames[0].OpCode)
	assert.Equal(t, 0, fx.invoker.calls)

	require.NoError(t, fx.fleet.ForceThunk(t2))
	assert.Equal(t, 1, fx.fleet.QueueLength())
	assert.Equal(t, 1, fx.invoker.calls)
	assert.Equal(t, 2, fx.fleet.JobCount())

	_, c1 := fx.connect(t)
	require.Len(t, c1.frames, 1)

	var dispatched thunk.Thunk
	require.NoError(t, json.Unmarshal(c1.frames[0].Payload, &dispatched))
	assert.Equal(t, t2.Hash, dispatched.Hash)
	assert.Equal(t, 0, fx.fleet.QueueLength())
	fx.assertFleetInvariant(t)
}

// TestLargestObjectLocality walks scenario S3: the worker already holding the
// biggest dependency wins.
func TestLargestObjectLocality(t *testing.T) {
	fx := newFixture(t)
	hashA := depHash("A", 10)
	hashB := depHash("B", 100)

	w0, _ := fx.connect(t)
	w1, _ := fx.connect(t)
	w1.objects[hashB] = struct{}{}

	// Both deps already on the backend, so no Put traffic muddies the test.
	fx.store.available[hashA] = true
	fx.store.available[hashB] = true

	th := &thunk.Thunk{
		Hash:   "thunk-loc",
		Values: []thunk.Dependency{{Hash: hashA}, {Hash: hashB}},
	}
	require.NoError(t, fx.fleet.ForceThunk(th))

	assert.Equal(t, Busy, w1.State())
	assert.Equal(t, Idle, w0.State())
	assert.Equal(t, []uint64{0}, fx.fleet.FreeWorkers())
	fx.assertFleetInvariant(t)
}

// TestPickWorkerFallsBackToFirst covers LargestObject with no holder and a
// dependency-free thunk.
func TestPickWorkerFallsBackToFirst(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t)
	fx.connect(t)

	id, err := fx.fleet.pickWorker(&thunk.Thunk{Hash: "no-deps"}, LargestObject)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)

	hashA := depHash("A", 7)
	fx.store.available[hashA] = true
	id, err = fx.fleet.pickWorker(&thunk.Thunk{
		Hash:   "with-dep",
		Values: []thunk.Dependency{{Hash: hashA}},
	}, LargestObject)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), id)
}

func TestPickWorkerEmptyFreeSetIsFatal(t *testing.T) {
	fx := newFixture(t)
	_, err := fx.fleet.pickWorker(&thunk.Thunk{Hash: "t"}, First)
	assert.Error(t, err)
}

// TestDependencyElision walks scenario S4: blobs the worker holds or the
// backend already has are not pushed, and Put precedes Execute.
func TestDependencyElision(t *testing.T) {
	fx := newFixture(t)
	hashA := depHash("A", 10)
	hashB := depHash("B", 20)

	w, c := fx.connect(t)
	w.objects[hashB] = struct{}{}
	fx.store.available[hashB] = true
	fx.store.blobs[hashA] = []byte("blob A")

	th := &thunk.Thunk{
		Hash:   "thunk-elide",
		Values: []thunk.Dependency{{Hash: hashA}, {Hash: hashB}},
	}
	require.NoError(t, fx.fleet.ForceThunk(th))

	require.Len(t, c.frames, 2)
	assert.Equal(t, wire.OpPut, c.frames[0].OpCode)
	assert.Equal(t, wire.OpExecute, c.frames[1].OpCode)

	put, err := wire.DecodePut(c.frames[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, hashA, put.Hash)
	assert.Equal(t, []byte("blob A"), put.Data)

	// Both dependency hashes end up recorded for the worker.
	assert.True(t, w.HasObject(hashA))
	assert.True(t, w.HasObject(hashB))
}

// TestPrepareReplacesObjectSet documents the observed behavior: the object
// set is scoped to the current thunk's dependencies, dropping earlier blobs.
func TestPrepareReplacesObjectSet(t *testing.T) {
	fx := newFixture(t)
	hashOld := depHash("old", 1)
	hashNew := depHash("new", 2)

	w, _ := fx.connect(t)
	w.objects[hashOld] = struct{}{}
	fx.store.available[hashNew] = true

	th := &thunk.Thunk{
		Hash:   "thunk-replace",
		Values: []thunk.Dependency{{Hash: hashNew}},
	}
	require.NoError(t, fx.fleet.prepare(w, th))

	assert.False(t, w.HasObject(hashOld))
	assert.True(t, w.HasObject(hashNew))
}

// TestInlineOutputMaterialization walks scenario S5.
func TestInlineOutputMaterialization(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t)
	th := &thunk.Thunk{Hash: "thunk-inline"}
	require.NoError(t, fx.fleet.ForceThunk(th))

	content := []byte("hello")
	outputHash := thunk.ComputeHash(content)
	require.NoError(t, fx.deliverExecuted(t, 0, wire.ExecutedResponse{
		ThunkHash: th.Hash,
		Outputs: []wire.ExecutedOutput{{
			Tag:  "out",
			Hash: outputHash,
			Data: base64.StdEncoding.EncodeToString(content),
		}},
	}))

	data, err := os.ReadFile(fx.store.BlobPath(outputHash))
	require.NoError(t, err)
	assert.Equal(t, content, data)
	require.Len(t, fx.successes, 1)
}

// TestQueueFIFO checks invariant 6: queued thunks reach arriving workers in
// submission order.
func TestQueueFIFO(t *testing.T) {
	fx := newFixture(t)
	t1 := &thunk.Thunk{Hash: "fifo-1"}
	t2 := &thunk.Thunk{Hash: "fifo-2"}

	require.NoError(t, fx.fleet.ForceThunk(t1))
	require.NoError(t, fx.fleet.ForceThunk(t2))
	assert.Equal(t, 2, fx.invoker.calls)
	assert.Equal(t, 2, fx.fleet.QueueLength())

	_, c0 := fx.connect(t)
	_, c1 := fx.connect(t)

	var first, second thunk.Thunk
	require.NoError(t, json.Unmarshal(c0.frames[0].Payload, &first))
	require.NoError(t, json.Unmarshal(c1.frames[0].Payload, &second))
	assert.Equal(t, "fifo-1", first.Hash)
	assert.Equal(t, "fifo-2", second.Hash)
}

// TestIdleWorkerDoesNotDrainQueue documents the cold-start-only queue: an
// Executed response never hands the now-idle worker a queued thunk.
func TestIdleWorkerDoesNotDrainQueue(t *testing.T) {
	fx := newFixture(t)
	w, c := fx.connect(t)

	t1 := &thunk.Thunk{Hash: "drain-1"}
	t2 := &thunk.Thunk{Hash: "drain-2"}
	require.NoError(t, fx.fleet.ForceThunk(t1))
	require.NoError(t, fx.fleet.ForceThunk(t2))
	assert.Equal(t, 1, fx.fleet.QueueLength())

	require.NoError(t, fx.deliverExecuted(t, 0, wire.ExecutedResponse{
		ThunkHash: t1.Hash,
		Outputs:   []wire.ExecutedOutput{{Tag: "out", Hash: depHash("o", 1)}},
	}))

	assert.Equal(t, Idle, w.State())
	assert.Equal(t, 1, fx.fleet.QueueLength(), "queue must wait for a fresh worker")
	assert.Len(t, c.frames, 1, "no new Execute frame after going idle")
}

func TestHeyAndPutFrames(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t)

	blob := []byte("uploaded blob")
	blobHash := thunk.ComputeHash(blob)

	hey := wire.Message{OpCode: wire.OpHey, Payload: []byte("hey there")}
	put := wire.Message{
		OpCode:  wire.OpPut,
		Payload: wire.EncodePut(wire.PutPayload{Hash: blobHash, Data: blob}),
	}

	parser := wire.NewParser()
	keep, err := fx.fleet.onWorkerData(0, parser, append(hey.Encode(), put.Encode()...))
	require.NoError(t, err)
	assert.True(t, keep)

	data, err := os.ReadFile(fx.store.BlobPath(blobHash))
	require.NoError(t, err)
	assert.Equal(t, blob, data)
}

func TestUnknownOpcodeIsFatal(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t)

	msg := wire.Message{OpCode: wire.OpCode(42), Payload: []byte("?")}
	parser := wire.NewParser()
	_, err := fx.fleet.onWorkerData(0, parser, msg.Encode())
	assert.Error(t, err)
}

// TestBusyDisconnectOrphansThunk documents the no-retry policy: the record
// goes away, running_jobs stays elevated, nothing is re-queued.
func TestBusyDisconnectOrphansThunk(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t)
	require.NoError(t, fx.fleet.ForceThunk(&thunk.Thunk{Hash: "orphan"}))
	require.Equal(t, 1, fx.fleet.JobCount())

	fx.fleet.closeWorker(0)

	assert.Equal(t, 0, fx.fleet.WorkerCount())
	assert.Equal(t, 1, fx.fleet.JobCount(), "orphaned job is not recovered")
	assert.Equal(t, 0, fx.fleet.QueueLength())
	fx.assertFleetInvariant(t)
}

func TestIdleDisconnectLeavesFreeSetConsistent(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t)
	fx.connect(t)

	fx.fleet.closeWorker(0)

	assert.Equal(t, 1, fx.fleet.WorkerCount())
	assert.Equal(t, []uint64{1}, fx.fleet.FreeWorkers())
	fx.assertFleetInvariant(t)
}
