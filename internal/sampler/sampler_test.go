package sampler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andresmejia3/moodlens/internal/aggregate"
	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/types"
)

// scriptedSource replays a fixed list of acquisition results, then reports ErrClosed.
type scriptedSource struct {
	mu     sync.Mutex
	frames []error // nil = deliver a frame
	seq    uint64
	closed atomic.Int32
}

func (s *scriptedSource) Acquire(ctx context.Context) (types.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return types.Frame{}, capture.ErrClosed
	}
	err := s.frames[0]
	s.frames = s.frames[1:]
	if err != nil {
		return types.Frame{}, err
	}
	s.seq++
	return types.Frame{Seq: s.seq, Data: []byte{byte(s.seq)}}, nil
}

func (s *scriptedSource) Close() error {
	s.closed.Add(1)
	return nil
}

func okFrames(n int) []error { return make([]error, n) }

// endlessSource always has a frame.
type endlessSource struct {
	closed atomic.Int32
}

func (s *endlessSource) Acquire(ctx context.Context) (types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return types.Frame{}, err
	}
	return types.Frame{Data: []byte{0}}, nil
}

func (s *endlessSource) Close() error {
	s.closed.Add(1)
	return nil
}

// scriptedClassifier answers by the first byte of the frame, which is its sequence number.
type scriptedClassifier struct {
	results map[byte][]types.Category
	errs    map[byte]error
	calls   atomic.Int32
}

func (c *scriptedClassifier) Classify(ctx context.Context, frame []byte) ([]types.Detection, error) {
	c.calls.Add(1)
	key := frame[0]
	if err := c.errs[key]; err != nil {
		return nil, err
	}
	var dets []types.Detection
	for _, cat := range c.results[key] {
		dets = append(dets, types.Detection{Category: cat})
	}
	return dets, nil
}

func fastConfig(every int) Config {
	return Config{AnalyzeEvery: every, Interval: 0, RetryBackoff: time.Millisecond}
}

func TestRunScenario(t *testing.T) {
	// 10 sampled frames, 6 yield one detection each: 4 happiness, 2 sadness.
	src := &scriptedSource{frames: okFrames(10)}
	cls := &scriptedClassifier{results: map[byte][]types.Category{
		1: {types.Happiness},
		2: {types.Happiness},
		4: {types.Sadness},
		5: {types.Happiness},
		7: {types.Sadness},
		9: {types.Happiness},
	}}
	counter := aggregate.New()

	stats, err := New(src, cls, counter, fastConfig(1)).Run(context.Background())
	if !errors.Is(err, capture.ErrClosed) {
		t.Fatalf("Expected ErrClosed when the script ends, got %v", err)
	}

	want := types.NewCounts()
	want[types.Happiness] = 4
	want[types.Sadness] = 2
	got := counter.Snapshot()
	for _, cat := range types.AllCategories {
		if got[cat] != want[cat] {
			t.Errorf("%s: got %d, want %d", cat, got[cat], want[cat])
		}
	}
	if stats.FramesSampled != 10 || stats.FramesAnalyzed != 10 || stats.Detections != 6 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
	if src.closed.Load() != 1 {
		t.Errorf("Expected source closed once, got %d", src.closed.Load())
	}
}

func TestRunThrottlesEveryNth(t *testing.T) {
	src := &scriptedSource{frames: okFrames(12)}
	cls := &scriptedClassifier{}

	stats, _ := New(src, cls, aggregate.New(), fastConfig(5)).Run(context.Background())
	// Frames 5 and 10 are analyzed.
	if got := cls.calls.Load(); got != 2 {
		t.Errorf("Expected 2 classifier calls, got %d", got)
	}
	if stats.FramesAnalyzed != 2 || stats.Skipped != 10 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestRunRetriesAcquisitionErrors(t *testing.T) {
	transient := capture.ErrFrameTimeout
	src := &scriptedSource{frames: []error{nil, transient, transient, nil}}
	cls := &scriptedClassifier{results: map[byte][]types.Category{
		1: {types.Anger},
		2: {types.Anger},
	}}
	counter := aggregate.New()

	stats, _ := New(src, cls, counter, fastConfig(1)).Run(context.Background())
	if stats.AcquireErrors != 2 {
		t.Errorf("Expected 2 acquisition errors, got %d", stats.AcquireErrors)
	}
	if counter.Snapshot()[types.Anger] != 2 {
		t.Errorf("Expected both frames counted after retries, got %v", counter.Snapshot())
	}
}

func TestRunSurvivesClassifierErrors(t *testing.T) {
	src := &scriptedSource{frames: okFrames(3)}
	cls := &scriptedClassifier{
		results: map[byte][]types.Category{1: {types.Neutral}, 3: {types.Neutral}},
		errs:    map[byte]error{2: types.ErrClassification},
	}
	counter := aggregate.New()

	stats, _ := New(src, cls, counter, fastConfig(1)).Run(context.Background())
	if stats.ClassifyErrors != 1 {
		t.Errorf("Expected 1 classify error, got %d", stats.ClassifyErrors)
	}
	if counter.Snapshot()[types.Neutral] != 2 {
		t.Errorf("Expected the failed frame to be excluded, got %v", counter.Snapshot())
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	src := &endlessSource{}
	cls := &scriptedClassifier{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := New(src, cls, aggregate.New(), Config{AnalyzeEvery: 1, Interval: time.Millisecond}).Run(ctx)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected nil error on stop, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Loop did not observe cancellation")
	}
	if src.closed.Load() != 1 {
		t.Errorf("Expected source closed once, got %d", src.closed.Load())
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(&endlessSource{}, &scriptedClassifier{}, aggregate.New(), Config{Interval: -1})
	if l.cfg.AnalyzeEvery != DefaultAnalyzeEvery || l.cfg.RetryBackoff != DefaultRetryBackoff || l.cfg.Interval != 0 {
		t.Errorf("Unexpected config: %+v", l.cfg)
	}
}
