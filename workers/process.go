package workers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/machinefabric/shieldwire-go/envelope"
	"github.com/machinefabric/shieldwire-go/link"
	"github.com/machinefabric/shieldwire-go/portauth"
	"github.com/machinefabric/shieldwire-go/prover"
	"github.com/machinefabric/shieldwire-go/transport"
)

// HostIdentity is the identity the pool presents to its workers.
func HostIdentity() envelope.Identity {
	return envelope.Identity{ProcessID: os.Getpid(), Origin: "walletd://host"}
}

// Spawner starts one worker and returns its stdio as a single stream.
type Spawner func() (io.ReadWriteCloser, error)

// CommandSpawner runs path with args as a worker. The worker talks on its
// stdin and stdout; stderr is inherited.
func CommandSpawner(path string, args ...string) Spawner {
	return func() (io.ReadWriteCloser, error) {
		cmd := exec.Command(path, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start worker: %w", err)
		}
		return &processConn{cmd: cmd, Reader: stdout, stdin: stdin}, nil
	}
}

type processConn struct {
	io.Reader
	cmd   *exec.Cmd
	stdin io.WriteCloser
	once  sync.Once
}

func (c *processConn) Write(p []byte) (int, error) {
	return c.stdin.Write(p)
}

func (c *processConn) Close() error {
	c.once.Do(func() {
		c.stdin.Close()
		if c.cmd.Process != nil {
			c.cmd.Process.Kill()
		}
		_ = c.cmd.Wait()
	})
	return nil
}

type managedWorker struct {
	index     int
	conn      io.ReadWriteCloser
	transport *transport.Transport
}

func (w *managedWorker) alive() bool {
	select {
	case <-w.transport.Done():
		return false
	default:
		return true
	}
}

// ProcessPool runs tasks on worker processes, one task per worker at a time.
// Workers are started on demand up to size; a worker that dies fails the task
// it was running and is replaced by the next task that needs one.
type ProcessPool struct {
	spawn  Spawner
	size   int
	limits envelope.Limits
	logger *zap.Logger
	slots  *semaphore.Weighted

	mu      sync.Mutex
	idle    []*managedWorker
	all     map[*managedWorker]struct{}
	nextIdx int
	closed  bool

	wg      sync.WaitGroup
	spawned atomic.Int64
}

// NewProcessPool creates a pool that starts workers with spawn. spawn may be
// nil when every worker is attached with Attach.
func NewProcessPool(spawn Spawner, size int, opts ...PoolOption) *ProcessPool {
	if size < 1 {
		size = 1
	}
	o := buildOptions(opts)
	return &ProcessPool{
		spawn:  spawn,
		size:   size,
		limits: envelope.DefaultLimits(),
		logger: o.logger,
		slots:  semaphore.NewWeighted(int64(size)),
		all:    make(map[*managedWorker]struct{}),
	}
}

// Spawned returns how many workers the pool has started or attached.
func (p *ProcessPool) Spawned() int64 {
	return p.spawned.Load()
}

// Attach adds an already running worker reachable over conn. The handshake
// runs before Attach returns.
func (p *ProcessPool) Attach(ctx context.Context, conn io.ReadWriteCloser) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		conn.Close()
		return ErrPoolClosed
	}
	if len(p.all) >= p.size {
		p.mu.Unlock()
		conn.Close()
		return fmt.Errorf("worker pool is full (%d workers)", p.size)
	}
	idx := p.nextIdx
	p.nextIdx++
	p.mu.Unlock()

	w, err := p.connect(ctx, idx, conn)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.transport.Close()
		return ErrPoolClosed
	}
	p.all[w] = struct{}{}
	p.idle = append(p.idle, w)
	return nil
}

func (p *ProcessPool) connect(ctx context.Context, idx int, conn io.ReadWriteCloser) (*managedWorker, error) {
	l := link.NewStreamLink(conn)
	host := HostIdentity()
	peer, err := link.HandshakeInitiate(ctx, l, host, p.limits)
	if err != nil {
		l.Close()
		return nil, &WorkerError{Type: WorkerErrorHandshake, Worker: idx, Err: err}
	}
	guarded, err := portauth.Guard(l, &host, &peer.Identity)
	if err != nil {
		l.Close()
		return nil, &WorkerError{Type: WorkerErrorHandshake, Worker: idx, Err: err}
	}
	logger := p.logger.With(zap.Int("worker", idx), zap.Int("worker_pid", peer.Identity.ProcessID))
	mux := link.NewMux(guarded, true, link.WithMuxLogger(logger), link.WithMuxLimits(peer.Limits))
	p.spawned.Add(1)
	logger.Debug("worker ready", zap.Int("max_frame", peer.Limits.MaxFrame))
	return &managedWorker{
		index:     idx,
		conn:      conn,
		transport: transport.New(mux, transport.WithLogger(logger)),
	}, nil
}

func (p *ProcessPool) Submit(ctx context.Context, task Task) *Handle {
	h := newHandle(task.Index)
	p.mu.Lock()
	closed := p.closed
	if !closed {
		p.wg.Add(1)
	}
	p.mu.Unlock()
	if closed {
		h.finish(nil, ErrPoolClosed)
		return h
	}
	go func() {
		defer p.wg.Done()
		p.run(ctx, task, h)
	}()
	return h
}

func (p *ProcessPool) run(ctx context.Context, task Task, h *Handle) {
	if err := p.slots.Acquire(ctx, 1); err != nil {
		h.finish(nil, context.Cause(ctx))
		return
	}
	defer p.slots.Release(1)
	if ctx.Err() != nil {
		h.finish(nil, context.Cause(ctx))
		return
	}

	w, err := p.checkout(ctx)
	if err != nil {
		h.finish(nil, err)
		return
	}

	h.start()
	action, err := transport.Invoke[Task, *prover.Action](ctx, w.transport, MethodBuildAction, task)
	if err != nil && errors.Is(err, transport.ErrClosed) && ctx.Err() == nil {
		p.discard(w)
		h.finish(nil, &WorkerError{Type: WorkerErrorDied, Worker: w.index, Message: "connection lost while building action", Err: err})
		return
	}
	if err != nil && ctx.Err() != nil {
		// the worker may still be building the abandoned action
		p.logger.Debug("retiring worker after cancelled task", zap.Int("worker", w.index))
		p.retire(w)
		h.finish(nil, err)
		return
	}
	p.checkin(w)
	h.finish(action, err)
}

// checkout returns an idle live worker or starts a new one. The slot
// semaphore guarantees there is either an idle worker or room for one.
func (p *ProcessPool) checkout(ctx context.Context) (*managedWorker, error) {
	p.mu.Lock()
	for len(p.idle) > 0 {
		w := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if w.alive() {
			p.mu.Unlock()
			return w, nil
		}
		delete(p.all, w)
		p.logger.Info("dropping dead idle worker", zap.Int("worker", w.index))
	}
	if p.spawn == nil {
		p.mu.Unlock()
		return nil, &WorkerError{Type: WorkerErrorSpawn, Worker: -1, Err: errors.New("no idle worker and no spawner configured")}
	}
	idx := p.nextIdx
	p.nextIdx++
	p.mu.Unlock()

	conn, err := p.spawn()
	if err != nil {
		return nil, &WorkerError{Type: WorkerErrorSpawn, Worker: idx, Err: err}
	}
	w, err := p.connect(ctx, idx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		w.transport.Close()
		return nil, ErrPoolClosed
	}
	p.all[w] = struct{}{}
	return w, nil
}

func (p *ProcessPool) checkin(w *managedWorker) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || !w.alive() {
		delete(p.all, w)
		w.transport.Close()
		return
	}
	p.idle = append(p.idle, w)
}

func (p *ProcessPool) discard(w *managedWorker) {
	p.logger.Warn("worker died", zap.Int("worker", w.index), zap.Error(w.transport.Err()))
	p.retire(w)
}

func (p *ProcessPool) retire(w *managedWorker) {
	p.mu.Lock()
	delete(p.all, w)
	p.mu.Unlock()
	w.transport.Close()
	w.conn.Close()
}

// Close refuses new tasks, waits for running ones and stops every worker.
func (p *ProcessPool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	workers := p.all
	p.all = make(map[*managedWorker]struct{})
	p.idle = nil
	p.mu.Unlock()
	for w := range workers {
		w.transport.Close()
		w.conn.Close()
	}
	return nil
}
