// Package lifecycle enforces a single continuous analysis run at a time.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/moodlens/internal/aggregate"
	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/sampler"
	"github.com/andresmejia3/moodlens/internal/types"
)

// RunState is the controller state machine: Idle -> Running -> Stopping -> Idle.
type RunState int32

const (
	Idle RunState = iota
	Running
	Stopping
)

func (s RunState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return fmt.Sprintf("RunState(%d)", int32(s))
}

func (s RunState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

type StartStatus string

const (
	StatusStarted         StartStatus = "started"
	StatusAlreadyRunning  StartStatus = "already_running"
	// StatusTeardownPending means the previous run has not released the source yet.
	StatusTeardownPending StartStatus = "teardown_pending"
)

type StopStatus string

const (
	StatusStopped    StopStatus = "stopped"
	StatusNotRunning StopStatus = "not_running"
)

// DefaultStopTimeout bounds how long Stop waits for the loop to exit.
const DefaultStopTimeout = time.Second

type StartResult struct {
	Status StartStatus `json:"status"`
	RunID  string      `json:"run_id,omitempty"`
}

type StopResult struct {
	Status      StopStatus   `json:"status"`
	RunID       string       `json:"run_id,omitempty"`
	FinalCounts types.Counts `json:"final_counts,omitempty"`
	// TeardownPending is set when the loop had not exited by the stop timeout.
	// It keeps releasing the device in the background.
	TeardownPending bool           `json:"teardown_pending,omitempty"`
	Stats           *sampler.Stats `json:"stats,omitempty"`
}

// Status is a point-in-time view of the controller.
type Status struct {
	State     RunState         `json:"state"`
	Counts    types.Counts     `json:"counts,omitempty"` // only while Running
	RunID     string           `json:"run_id,omitempty"`
	StartedAt *time.Time       `json:"started_at,omitempty"`
	LastError string           `json:"last_error,omitempty"`
	LastRun   *types.RunRecord `json:"last_run,omitempty"`
}

// OpenFunc acquires the frame source for a new run. It must fail synchronously
// when the device is unavailable.
type OpenFunc func(ctx context.Context) (sampler.FrameSource, error)

// RunRecorder persists finished runs.
type RunRecorder interface {
	RecordRun(ctx context.Context, rec types.RunRecord) error
}

type Config struct {
	Sampler     sampler.Config
	StopTimeout time.Duration
	// Source describes the capture input in run records.
	Source string

	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Recorder RunRecorder
}

// run is one spawned sampling loop.
type run struct {
	id        string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{} // closed once the loop exited and released the source
}

// view holds the fields Status reports besides state and counts.
type view struct {
	runID     string
	startedAt time.Time
	lastError string
	lastRun   *types.RunRecord
}

// Controller owns the aggregation counter and at most one sampling loop.
type Controller struct {
	open       OpenFunc
	classifier types.Classifier
	counter    *aggregate.Counter
	cfg        Config
	logger     *slog.Logger

	mu      sync.Mutex // serializes Start and Stop
	state   atomic.Int32
	last    *run                // most recent run, guarded by mu
	current atomic.Pointer[run] // run the state machine refers to

	viewMu sync.RWMutex
	view   view
}

func New(open OpenFunc, classifier types.Classifier, cfg Config) *Controller {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		open:       open,
		classifier: classifier,
		counter:    aggregate.New(),
		cfg:        cfg,
		logger:     logger,
	}
}

// State returns the current RunState without blocking.
func (c *Controller) State() RunState {
	return RunState(c.state.Load())
}

func (c *Controller) setState(s RunState) {
	c.state.Store(int32(s))
	c.cfg.Metrics.SetRunState(int(s))
}

// Start opens the frame source and spawns the sampling loop. The source is
// opened synchronously so acquisition failures reach the caller; in that case
// the state stays Idle and the counts are untouched.
func (c *Controller) Start(ctx context.Context) (StartResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State() != Idle {
		return StartResult{Status: StatusAlreadyRunning, RunID: c.last.id}, nil
	}
	// A previous stop may have timed out; never let two loops share the device.
	// The wait is bounded by the stop timeout so a stuck device cannot hold c.mu.
	if c.last != nil {
		wait := time.NewTimer(c.cfg.StopTimeout)
		defer wait.Stop()
		select {
		case <-c.last.done:
		case <-wait.C:
			c.logger.Warn("previous run is still releasing the frame source", "run_id", c.last.id)
			return StartResult{Status: StatusTeardownPending, RunID: c.last.id}, nil
		case <-ctx.Done():
			return StartResult{}, fmt.Errorf("previous run is still releasing the frame source: %w", ctx.Err())
		}
	}

	src, err := c.open(ctx)
	if err != nil {
		c.updateView(func(v *view) { v.lastError = err.Error() })
		c.logger.Error("continuous analysis failed to start", "error", err)
		return StartResult{}, err
	}

	c.counter.Reset()
	r := &run{
		id:        uuid.NewString(),
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	loop := sampler.New(src, c.classifier, c.counter, c.cfg.Sampler)
	loop.Logger = c.logger.With("run_id", r.id)
	loop.Metrics = c.cfg.Metrics

	c.last = r
	c.current.Store(r)
	c.updateView(func(v *view) {
		v.runID = r.id
		v.startedAt = r.startedAt
		v.lastError = ""
	})
	c.setState(Running)
	go c.execute(runCtx, r, loop)

	c.logger.Info("continuous analysis started", "run_id", r.id, "source", c.cfg.Source)
	return StartResult{Status: StatusStarted, RunID: r.id}, nil
}

// Stop signals the loop and waits up to the stop timeout for it to exit. The
// controller is Idle when Stop returns, even if teardown is still pending.
func (c *Controller) Stop(ctx context.Context) StopResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		return StopResult{Status: StatusNotRunning}
	}
	c.cfg.Metrics.SetRunState(int(Stopping))
	r := c.last
	r.cancel()

	timer := time.NewTimer(c.cfg.StopTimeout)
	defer timer.Stop()

	pending := false
	select {
	case <-r.done:
	case <-timer.C:
		pending = true
	case <-ctx.Done():
		pending = true
	}

	c.current.CompareAndSwap(r, nil)
	c.setState(Idle)

	res := StopResult{
		Status:          StatusStopped,
		RunID:           r.id,
		FinalCounts:     c.counter.Snapshot(),
		TeardownPending: pending,
	}
	if pending {
		c.logger.Warn("sampling loop did not exit in time; teardown continues in background", "run_id", r.id, "timeout", c.cfg.StopTimeout)
	} else if last := c.lastRun(); last != nil && last.ID == r.id {
		res.Stats = &sampler.Stats{
			FramesSampled:  last.FramesSampled,
			FramesAnalyzed: last.FramesAnalyzed,
			Skipped:        last.FramesSampled - last.FramesAnalyzed,
			Detections:     last.Detections,
			AcquireErrors:  last.AcquireErrors,
			ClassifyErrors: last.ClassifyErrors,
		}
	}
	c.logger.Info("continuous analysis stopped", "run_id", r.id, "total", res.FinalCounts.Total(), "teardown_pending", pending)
	return res
}

// Status never waits for the loop or for an in-progress Start.
func (c *Controller) Status() Status {
	st := Status{State: c.State()}
	if st.State == Running {
		st.Counts = c.counter.Snapshot()
	}

	c.viewMu.RLock()
	v := c.view
	c.viewMu.RUnlock()

	st.RunID = v.runID
	if !v.startedAt.IsZero() {
		t := v.startedAt
		st.StartedAt = &t
	}
	st.LastError = v.lastError
	st.LastRun = v.lastRun
	return st
}

// Counts returns the current tally with every category present. Between a stop
// and the next start it is the final snapshot of the previous run.
func (c *Controller) Counts() types.Counts {
	return c.counter.Snapshot()
}

// execute runs the loop and records its outcome. It must not take c.mu: Stop
// holds it while waiting on r.done.
func (c *Controller) execute(ctx context.Context, r *run, loop *sampler.Loop) {
	stats, err := loop.Run(ctx)

	rec := types.RunRecord{
		ID:             r.id,
		Mode:           metrics.ModeContinuous,
		Source:         c.cfg.Source,
		StartedAt:      r.startedAt,
		EndedAt:        time.Now().UTC(),
		FramesSampled:  stats.FramesSampled,
		FramesAnalyzed: stats.FramesAnalyzed,
		Detections:     stats.Detections,
		AcquireErrors:  stats.AcquireErrors,
		ClassifyErrors: stats.ClassifyErrors,
		Counts:         c.counter.Snapshot(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	c.updateView(func(v *view) {
		v.lastRun = &rec
		if err != nil {
			v.lastError = err.Error()
		}
	})

	// The loop ended on its own (device lost): leave Running without a Stop.
	if c.current.CompareAndSwap(r, nil) && c.state.CompareAndSwap(int32(Running), int32(Idle)) {
		c.cfg.Metrics.SetRunState(int(Idle))
		c.logger.Error("continuous analysis ended unexpectedly", "run_id", r.id, "error", err)
	}
	r.cancel()
	close(r.done)

	if c.cfg.Recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.cfg.Recorder.RecordRun(ctx, rec); err != nil {
			c.logger.Warn("failed to record run", "run_id", r.id, "error", err)
		}
	}
}

func (c *Controller) updateView(fn func(*view)) {
	c.viewMu.Lock()
	fn(&c.view)
	c.viewMu.Unlock()
}

func (c *Controller) lastRun() *types.RunRecord {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	return c.view.lastRun
}
