package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/sampler"
	"github.com/andresmejia3/moodlens/internal/types"
)

// fakeSource delivers frames until the script runs out, then either blocks
// (live device) or reports ErrClosed (device lost).
type fakeSource struct {
	mu        sync.Mutex
	frames    int
	lost      bool
	closeWait chan struct{} // Close blocks on it when non-nil
	closed    atomic.Int32
}

func (s *fakeSource) Acquire(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	if s.frames > 0 {
		s.frames--
		s.mu.Unlock()
		return types.Frame{Data: []byte{1}}, nil
	}
	s.mu.Unlock()
	if s.lost {
		return types.Frame{}, capture.ErrClosed
	}
	select {
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	case <-time.After(5 * time.Millisecond):
		return types.Frame{}, capture.ErrFrameTimeout
	}
}

func (s *fakeSource) Close() error {
	if s.closeWait != nil {
		<-s.closeWait
	}
	s.closed.Add(1)
	return nil
}

// fixedClassifier reports one face of the next category in the list per call.
type fixedClassifier struct {
	mu   sync.Mutex
	cats []types.Category
}

func (c *fixedClassifier) Classify(ctx context.Context, frame []byte) ([]types.Detection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.cats) == 0 {
		return nil, nil
	}
	cat := c.cats[0]
	c.cats = c.cats[1:]
	return []types.Detection{{Category: cat}}, nil
}

type memRecorder struct {
	mu   sync.Mutex
	runs []types.RunRecord
}

func (r *memRecorder) RecordRun(ctx context.Context, rec types.RunRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, rec)
	return nil
}

func (r *memRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func openWith(src *fakeSource) OpenFunc {
	return func(ctx context.Context) (sampler.FrameSource, error) { return src, nil }
}

func testConfig() Config {
	return Config{
		Sampler:     sampler.Config{AnalyzeEvery: 1, RetryBackoff: time.Millisecond},
		StopTimeout: time.Second,
		Source:      "test",
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartStopScenario(t *testing.T) {
	src := &fakeSource{frames: 10}
	cls := &fixedClassifier{cats: []types.Category{
		types.Happiness, types.Happiness, types.Sadness,
		types.Happiness, types.Sadness, types.Happiness,
	}}
	c := New(openWith(src), cls, testConfig())

	res, err := c.Start(context.Background())
	if err != nil || res.Status != StatusStarted || res.RunID == "" {
		t.Fatalf("Start = %+v, %v", res, err)
	}
	if c.Status().State != Running {
		t.Fatalf("Expected Running, got %s", c.Status().State)
	}

	waitFor(t, func() bool { return c.Counts().Total() == 6 })
	before := c.Counts()

	stop := c.Stop(context.Background())
	if stop.Status != StatusStopped || stop.TeardownPending {
		t.Fatalf("Unexpected stop result: %+v", stop)
	}
	want := types.NewCounts()
	want[types.Happiness] = 4
	want[types.Sadness] = 2
	for _, cat := range types.AllCategories {
		if stop.FinalCounts[cat] != want[cat] || before[cat] != want[cat] {
			t.Errorf("%s: final %d, before %d, want %d", cat, stop.FinalCounts[cat], before[cat], want[cat])
		}
	}
	if stop.Stats == nil || stop.Stats.FramesSampled != 10 {
		t.Errorf("Expected stats for 10 frames, got %+v", stop.Stats)
	}

	st := c.Status()
	if st.State != Idle || st.Counts != nil {
		t.Errorf("Expected Idle without live counts, got %+v", st)
	}
	if st.LastRun == nil || st.LastRun.ID != res.RunID {
		t.Errorf("Expected last run %s, got %+v", res.RunID, st.LastRun)
	}
	// The final snapshot stays queryable after stop.
	if c.Counts()[types.Happiness] != 4 {
		t.Errorf("Expected counts to persist after stop, got %v", c.Counts())
	}
	if src.closed.Load() != 1 {
		t.Errorf("Expected the source released once, got %d", src.closed.Load())
	}
}

func TestStartTwice(t *testing.T) {
	var opens atomic.Int32
	src := &fakeSource{frames: 3}
	open := func(ctx context.Context) (sampler.FrameSource, error) {
		opens.Add(1)
		return src, nil
	}
	c := New(open, &fixedClassifier{cats: []types.Category{types.Anger, types.Anger, types.Anger}}, testConfig())
	defer c.Stop(context.Background())

	first, _ := c.Start(context.Background())
	waitFor(t, func() bool { return c.Counts().Total() == 3 })

	second, err := c.Start(context.Background())
	if err != nil || second.Status != StatusAlreadyRunning {
		t.Fatalf("Expected already_running, got %+v, %v", second, err)
	}
	if second.RunID != first.RunID {
		t.Errorf("Expected the running run ID %s, got %s", first.RunID, second.RunID)
	}
	if opens.Load() != 1 {
		t.Errorf("Expected a single loop, source opened %d times", opens.Load())
	}
	if c.Counts()[types.Anger] != 3 {
		t.Errorf("Second start must not reset counts, got %v", c.Counts())
	}
}

func TestStopWhileIdle(t *testing.T) {
	c := New(openWith(&fakeSource{}), &fixedClassifier{}, testConfig())
	res := c.Stop(context.Background())
	if res.Status != StatusNotRunning || res.FinalCounts != nil {
		t.Errorf("Unexpected stop result: %+v", res)
	}
	if c.State() != Idle {
		t.Errorf("Expected Idle, got %s", c.State())
	}
}

func TestStartAcquisitionFailure(t *testing.T) {
	openErr := errors.New("no camera")
	c := New(func(ctx context.Context) (sampler.FrameSource, error) {
		return nil, errors.Join(capture.ErrAcquisition, openErr)
	}, &fixedClassifier{}, testConfig())

	_, err := c.Start(context.Background())
	if !errors.Is(err, capture.ErrAcquisition) {
		t.Fatalf("Expected ErrAcquisition, got %v", err)
	}
	st := c.Status()
	if st.State != Idle || st.LastError == "" {
		t.Errorf("Expected Idle with last error, got %+v", st)
	}
}

func TestDeviceLostEndsRun(t *testing.T) {
	rec := &memRecorder{}
	cfg := testConfig()
	cfg.Recorder = rec
	c := New(openWith(&fakeSource{frames: 2, lost: true}), &fixedClassifier{cats: []types.Category{types.Surprise}}, cfg)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return c.State() == Idle })

	st := c.Status()
	if st.LastError == "" || st.LastRun == nil || st.LastRun.Counts[types.Surprise] != 1 {
		t.Errorf("Expected a failed last run with one surprise, got %+v", st)
	}
	if res := c.Stop(context.Background()); res.Status != StatusNotRunning {
		t.Errorf("Expected not_running after the loop ended, got %s", res.Status)
	}
	waitFor(t, func() bool { return rec.count() == 1 })
}

func TestStopTimeoutReportsPendingTeardown(t *testing.T) {
	release := make(chan struct{})
	src := &fakeSource{closeWait: release}
	cfg := testConfig()
	cfg.StopTimeout = 20 * time.Millisecond
	c := New(openWith(src), &fixedClassifier{}, cfg)

	if _, err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := c.Stop(context.Background())
	if res.Status != StatusStopped || !res.TeardownPending {
		t.Fatalf("Expected stopped with pending teardown, got %+v", res)
	}
	if c.State() != Idle {
		t.Errorf("Expected Idle, got %s", c.State())
	}

	// A new start waits at most the stop timeout for the old loop, then reports it.
	started := make(chan StartResult, 1)
	go func() {
		res, err := c.Start(context.Background())
		if err != nil {
			t.Errorf("Start failed: %v", err)
		}
		started <- res
	}()
	select {
	case res := <-started:
		if res.Status != StatusTeardownPending || res.RunID == "" {
			t.Fatalf("Expected teardown_pending, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Start blocked on a stuck teardown")
	}
	if c.State() != Idle {
		t.Errorf("Expected Idle while teardown is pending, got %s", c.State())
	}

	// Stop is not queued behind a waiting Start.
	stopped := make(chan StopResult, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	select {
	case res := <-stopped:
		if res.Status != StatusNotRunning {
			t.Errorf("Expected not_running, got %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("Stop blocked while teardown is pending")
	}

	close(release)
	waitFor(t, func() bool { return src.closed.Load() == 1 })
	src2 := &fakeSource{}
	c.open = openWith(src2)
	if res, err := c.Start(context.Background()); err != nil || res.Status != StatusStarted {
		t.Fatalf("Expected start after teardown, got %+v, %v", res, err)
	}
	c.Stop(context.Background())
}

func TestStatusDoesNotBlockDuringStart(t *testing.T) {
	opening := make(chan struct{})
	proceed := make(chan struct{})
	c := New(func(ctx context.Context) (sampler.FrameSource, error) {
		close(opening)
		<-proceed
		return &fakeSource{}, nil
	}, &fixedClassifier{}, testConfig())

	go c.Start(context.Background())
	<-opening

	done := make(chan Status, 1)
	go func() { done <- c.Status() }()
	select {
	case st := <-done:
		if st.State != Idle {
			t.Errorf("Expected Idle while the source opens, got %s", st.State)
		}
	case <-time.After(time.Second):
		t.Fatal("Status blocked on Start")
	}
	close(proceed)
	waitFor(t, func() bool { return c.State() == Running })
	c.Stop(context.Background())
}
