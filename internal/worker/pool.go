package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andresmejia3/moodlens/internal/types"
)

// ErrPoolClosed is returned by Classify after Close.
var ErrPoolClosed = errors.New("worker pool closed")

// Pool shares a fixed number of worker processes between the sampling loop,
// streaming sessions and single-shot requests. It implements types.Classifier.
type Pool struct {
	size   int
	slots  chan *PythonWorker // nil slot = worker must be (re)spawned
	spawn  func(id int) (*PythonWorker, error)
	logger *slog.Logger

	nextID    atomic.Int64
	done      chan struct{}
	closeOnce sync.Once
	cancel    context.CancelFunc
}

// NewPool starts size workers up front so model loading happens before the first request.
func NewPool(size int, cfg Config, logger *slog.Logger) (*Pool, error) {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Worker processes live until Close, independent of any request context.
	ctx, cancel := context.WithCancel(context.Background())
	spawn := func(id int) (*PythonWorker, error) {
		return NewPythonWorker(ctx, id, cfg)
	}
	p := newPool(size, spawn, logger)
	p.cancel = cancel

	for i := 0; i < size; i++ {
		<-p.slots
		w, err := spawn(i)
		if err != nil {
			p.slots <- nil
			p.Close()
			return nil, err
		}
		p.slots <- w
	}
	logger.Info("classifier pool ready", "engines", size, "command", commandString(cfg.Command))
	return p, nil
}

// newPool creates a pool whose slots are all empty; workers are spawned on first use.
func newPool(size int, spawn func(int) (*PythonWorker, error), logger *slog.Logger) *Pool {
	p := &Pool{
		size:   size,
		slots:  make(chan *PythonWorker, size),
		spawn:  spawn,
		logger: logger,
		done:   make(chan struct{}),
		cancel: func() {},
	}
	for i := 0; i < size; i++ {
		p.slots <- nil
	}
	p.nextID.Store(int64(size - 1))
	return p
}

// Classify runs one frame through a free worker. Every failure wraps
// types.ErrClassification. A worker whose pipe broke is discarded and
// respawned on next use.
func (p *Pool) Classify(ctx context.Context, frame []byte) ([]types.Detection, error) {
	select {
	case <-p.done:
		return nil, fmt.Errorf("%w: %w", types.ErrClassification, ErrPoolClosed)
	default:
	}

	var w *PythonWorker
	select {
	case w = <-p.slots:
	case <-p.done:
		return nil, fmt.Errorf("%w: %w", types.ErrClassification, ErrPoolClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", types.ErrClassification, ctx.Err())
	}

	if w == nil {
		nw, err := p.spawn(int(p.nextID.Add(1)))
		if err != nil {
			p.slots <- nil
			return nil, fmt.Errorf("%w: respawn worker: %v", types.ErrClassification, err)
		}
		p.logger.Info("classifier worker respawned", "worker", nw.ID)
		w = nw
	}

	dets, err := w.ProcessFrame(ctx, frame)
	if err != nil {
		var modelErr *ModelError
		if !errors.As(err, &modelErr) {
			// The stream is out of sync or the process died; drop the worker.
			p.logger.Warn("classifier worker failed", "worker", w.ID, "error", err, "logs", w.Cmd.Logs())
			w.Abort()
			w = nil
		}
		p.slots <- w
		return nil, fmt.Errorf("%w: %w", types.ErrClassification, err)
	}
	p.slots <- w
	return dets, nil
}

// Close waits for in-flight calls, then stops every worker process.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		// Every slot comes back, including the ones checked out right now.
		for i := 0; i < p.size; i++ {
			if w := <-p.slots; w != nil {
				w.Close()
			}
		}
		p.cancel()
	})
}

func commandString(cmd []string) string {
	if len(cmd) == 0 {
		cmd = DefaultCommand
	}
	return strings.Join(cmd, " ")
}
