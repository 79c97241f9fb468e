package workers

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
	"github.com/machinefabric/shieldwire-go/prover"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testPlan(n int) *prover.TransactionPlan {
	plan := &prover.TransactionPlan{ChainID: "test-chain"}
	for i := 0; i < n; i++ {
		plan.Actions = append(plan.Actions, prover.ActionPlan{Output: &prover.OutputPlan{Value: prover.Value{Amount: uint64(i + 1)}}})
	}
	return plan
}

func testTask(t *testing.T, plan *prover.TransactionPlan, index int) Task {
	t.Helper()
	witness, err := (&prover.DigestEngine{}).Witness(context.Background(), plan)
	require.NoError(t, err)
	return Task{Index: index, Plan: plan, Witness: witness, ViewingKey: prover.FullViewingKey("fvk")}
}

// gateBuilder blocks every build until release is closed and records peak concurrency.
type gateBuilder struct {
	release chan struct{}
	running atomic.Int32
	peak    atomic.Int32
	inner   prover.DigestEngine
}

func (g *gateBuilder) BuildAction(ctx context.Context, plan *prover.TransactionPlan, witness *prover.WitnessData, fvk prover.FullViewingKey, index int) (*prover.Action, error) {
	n := g.running.Add(1)
	defer g.running.Add(-1)
	for {
		p := g.peak.Load()
		if n <= p || g.peak.CompareAndSwap(p, n) {
			break
		}
	}
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
	return g.inner.BuildAction(ctx, plan, witness, fvk, index)
}

// TEST100: The local pool runs tasks and reports their status transitions
func Test100_local_pool_runs_tasks(t *testing.T) {
	pool := NewLocalPool(&prover.DigestEngine{}, 2)
	defer pool.Close()
	plan := testPlan(3)

	handles := make([]*Handle, 3)
	for i := range handles {
		handles[i] = pool.Submit(context.Background(), testTask(t, plan, i))
	}
	for i, h := range handles {
		action, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, prover.ActionOutput, action.Kind)
		assert.Equal(t, i, h.Index())
		assert.Equal(t, StatusDone, h.Status())
	}
	assert.EqualValues(t, 3, pool.Started())
}

// TEST101: The local pool never runs more tasks at once than it has slots
func Test101_local_pool_bounds_concurrency(t *testing.T) {
	builder := &gateBuilder{release: make(chan struct{})}
	pool := NewLocalPool(builder, 2)
	plan := testPlan(6)

	var handles []*Handle
	for i := 0; i < 6; i++ {
		handles = append(handles, pool.Submit(context.Background(), testTask(t, plan, i)))
	}
	require.Eventually(t, func() bool { return builder.running.Load() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusPending, handles[5].Status())
	close(builder.release)

	for _, h := range handles {
		_, err := h.Wait(context.Background())
		require.NoError(t, err)
	}
	assert.EqualValues(t, 2, builder.peak.Load())
	require.NoError(t, pool.Close())
}

// TEST102: A task whose context ends before it gets a slot never starts
func Test102_local_pool_skips_cancelled_tasks(t *testing.T) {
	builder := &gateBuilder{release: make(chan struct{})}
	pool := NewLocalPool(builder, 1)
	plan := testPlan(2)

	first := pool.Submit(context.Background(), testTask(t, plan, 0))
	require.Eventually(t, func() bool { return first.Status() == StatusRunning }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	second := pool.Submit(ctx, testTask(t, plan, 1))
	cancel()
	_, err := second.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusFailed, second.Status())

	close(builder.release)
	_, err = first.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 1, pool.Started())

	already, cancelAll := context.WithCancel(context.Background())
	cancelAll()
	late := pool.Submit(already, testTask(t, plan, 1))
	<-late.Done()
	assert.EqualValues(t, 1, pool.Started(), "a task submitted with a done context must not start")
	require.NoError(t, pool.Close())
}

// TEST103: Tasks submitted after Close fail immediately
func Test103_local_pool_closed(t *testing.T) {
	pool := NewLocalPool(&prover.DigestEngine{}, 1)
	require.NoError(t, pool.Close())
	h := pool.Submit(context.Background(), testTask(t, testPlan(1), 0))
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// attachWorker serves a worker runtime on one end of a net.Pipe and attaches the other to pool.
func attachWorker(t *testing.T, pool *ProcessPool, builder prover.ActionBuilder) <-chan error {
	t.Helper()
	hostEnd, workerEnd := net.Pipe()
	served := make(chan error, 1)
	go func() { served <- Serve(context.Background(), workerEnd, builder, nil) }()
	require.NoError(t, pool.Attach(context.Background(), hostEnd))
	return served
}

// TEST104: The process pool proves actions on an attached worker
func Test104_process_pool_attached_worker(t *testing.T) {
	pool := NewProcessPool(nil, 1)
	served := attachWorker(t, pool, &prover.DigestEngine{})
	plan := testPlan(2)

	for i := 0; i < 2; i++ {
		h := pool.Submit(context.Background(), testTask(t, plan, i))
		action, err := h.Wait(context.Background())
		require.NoError(t, err)
		assert.Equal(t, prover.ActionOutput, action.Kind)
		assert.NotEmpty(t, action.Proof)
	}
	assert.EqualValues(t, 1, pool.Spawned())

	require.NoError(t, pool.Close())
	select {
	case <-served:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after pool close")
	}
}

// TEST105: A build error inside the worker reaches the caller with its code
func Test105_process_pool_task_error(t *testing.T) {
	pool := NewProcessPool(nil, 1)
	attachWorker(t, pool, &prover.DigestEngine{})
	defer pool.Close()

	h := pool.Submit(context.Background(), testTask(t, testPlan(1), 5))
	_, err := h.Wait(context.Background())
	require.Error(t, err)
	var wireErr *envelope.Error
	require.True(t, errors.As(err, &wireErr))
	assert.Contains(t, wireErr.Message, "out of range")

	// The worker survives a task error.
	h = pool.Submit(context.Background(), testTask(t, testPlan(1), 0))
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
}

// TEST106: A worker that dies mid-task fails the task with a worker error and
// the pool starts a replacement for the next task
func Test106_process_pool_worker_death(t *testing.T) {
	var spawns atomic.Int32
	var wg sync.WaitGroup
	spawn := func() (io.ReadWriteCloser, error) {
		hostEnd, workerEnd := net.Pipe()
		first := spawns.Add(1) == 1
		wg.Add(1)
		go func() {
			defer wg.Done()
			if first {
				crashingWorker(workerEnd)
				return
			}
			_ = Serve(context.Background(), workerEnd, &prover.DigestEngine{}, nil)
		}()
		return hostEnd, nil
	}
	pool := NewProcessPool(spawn, 1)

	h := pool.Submit(context.Background(), testTask(t, testPlan(1), 0))
	_, err := h.Wait(context.Background())
	var workerErr *WorkerError
	require.True(t, errors.As(err, &workerErr), "got %v", err)
	assert.Equal(t, WorkerErrorDied, workerErr.Type)
	assert.Equal(t, envelope.CodeUnavailable, envelope.CodeOf(err))

	h = pool.Submit(context.Background(), testTask(t, testPlan(1), 0))
	_, err = h.Wait(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, spawns.Load())

	require.NoError(t, pool.Close())
	wg.Wait()
}

// crashingWorker completes the handshake, reads one request and hangs up.
func crashingWorker(conn net.Conn) {
	l := link.NewStreamLink(conn)
	defer l.Close()
	if _, err := link.HandshakeAccept(context.Background(), l, WorkerIdentity(), envelope.DefaultLimits(), nil); err != nil {
		return
	}
	_, _ = l.Recv()
}

// stuckBuilder ignores cancellation and holds every build until release is closed.
type stuckBuilder struct {
	started chan struct{}
	release chan struct{}
}

func (s *stuckBuilder) BuildAction(ctx context.Context, plan *prover.TransactionPlan, witness *prover.WitnessData, fvk prover.FullViewingKey, index int) (*prover.Action, error) {
	s.started <- struct{}{}
	<-s.release
	return (&prover.DigestEngine{}).BuildAction(context.Background(), plan, witness, fvk, index)
}

// TEST107: A worker whose task was cancelled is retired, not handed to the next task
func Test107_process_pool_cancelled_worker_retired(t *testing.T) {
	stuck := &stuckBuilder{started: make(chan struct{}, 1), release: make(chan struct{})}
	var spawns atomic.Int32
	var wg sync.WaitGroup
	spawn := func() (io.ReadWriteCloser, error) {
		hostEnd, workerEnd := net.Pipe()
		var builder prover.ActionBuilder = &prover.DigestEngine{}
		if spawns.Add(1) == 1 {
			builder = stuck
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = Serve(context.Background(), workerEnd, builder, nil)
		}()
		return hostEnd, nil
	}
	pool := NewProcessPool(spawn, 1)

	ctx, cancel := context.WithCancel(context.Background())
	h := pool.Submit(ctx, testTask(t, testPlan(1), 0))
	<-stuck.started
	cancel()
	_, err := h.Wait(context.Background())
	assert.ErrorIs(t, err, context.Canceled)

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	h = pool.Submit(wctx, testTask(t, testPlan(1), 0))
	action, err := h.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, prover.ActionOutput, action.Kind)
	assert.EqualValues(t, 2, spawns.Load())
	assert.EqualValues(t, 2, pool.Spawned())

	close(stuck.release)
	require.NoError(t, pool.Close())
	wg.Wait()
}
