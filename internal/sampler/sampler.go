// Package sampler drives the capture -> classify -> aggregate cycle of a
// continuous analysis run.
package sampler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/andresmejia3/moodlens/internal/aggregate"
	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/types"
)

const (
	DefaultAnalyzeEvery = 5
	DefaultInterval     = 100 * time.Millisecond
	DefaultRetryBackoff = 50 * time.Millisecond
)

// Config controls throttling.
//
// AnalyzeEvery selects every Nth sampled frame for classification. Lowering it
// raises the classifier invocation rate linearly: N=1 classifies every frame,
// N=5 one frame in five. Interval is slept after every iteration (0 disables it).
type Config struct {
	AnalyzeEvery int
	Interval     time.Duration
	RetryBackoff time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		AnalyzeEvery: DefaultAnalyzeEvery,
		Interval:     DefaultInterval,
		RetryBackoff: DefaultRetryBackoff,
	}
}

// FrameSource is the part of capture.FFmpegSource the loop needs.
type FrameSource interface {
	Acquire(ctx context.Context) (types.Frame, error)
	Close() error
}

// Stats summarizes one run.
type Stats struct {
	FramesSampled  int `json:"frames_sampled"`
	FramesAnalyzed int `json:"frames_analyzed"`
	Skipped        int `json:"frames_skipped"` // sampled but not selected for analysis
	Detections     int `json:"detections"`
	AcquireErrors  int `json:"acquire_errors"`
	ClassifyErrors int `json:"classify_errors"`
}

// Loop owns its FrameSource for the duration of Run.
type Loop struct {
	source     FrameSource
	classifier types.Classifier
	counter    *aggregate.Counter
	cfg        Config

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// New builds a loop. The counter must already be reset by the caller.
func New(source FrameSource, classifier types.Classifier, counter *aggregate.Counter, cfg Config) *Loop {
	if cfg.AnalyzeEvery < 1 {
		cfg.AnalyzeEvery = DefaultAnalyzeEvery
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	return &Loop{
		source:     source,
		classifier: classifier,
		counter:    counter,
		cfg:        cfg,
		Logger:     slog.Default(),
	}
}

// Run loops until ctx is cancelled or the source reports capture.ErrClosed.
// A cancelled ctx is a normal stop and returns a nil error. The source is
// closed before Run returns, however it exits.
func (l *Loop) Run(ctx context.Context) (stats Stats, err error) {
	defer func() {
		if cerr := l.source.Close(); cerr != nil {
			l.Logger.Warn("frame source close failed", "error", cerr)
		}
	}()

	for {
		if ctx.Err() != nil {
			return stats, nil
		}

		frame, err := l.source.Acquire(ctx)
		if err != nil {
			if errors.Is(err, capture.ErrClosed) {
				return stats, err
			}
			if ctx.Err() != nil {
				return stats, nil
			}
			stats.AcquireErrors++
			l.Metrics.AcquireFailed()
			l.Logger.Debug("frame acquisition failed; retrying", "error", err, "backoff", l.cfg.RetryBackoff)
			if !sleep(ctx, l.cfg.RetryBackoff) {
				return stats, nil
			}
			continue
		}

		stats.FramesSampled++
		if stats.FramesSampled%l.cfg.AnalyzeEvery == 0 {
			l.analyze(ctx, frame, &stats)
		} else {
			stats.Skipped++
		}

		if !sleep(ctx, l.cfg.Interval) {
			return stats, nil
		}
	}
}

func (l *Loop) analyze(ctx context.Context, frame types.Frame, stats *Stats) {
	stats.FramesAnalyzed++
	start := time.Now()
	dets, err := l.classifier.Classify(ctx, frame.Data)
	l.Metrics.Classified(metrics.ModeContinuous, time.Since(start), dets, err)
	if err != nil {
		// A stop during classification is not a classifier failure.
		if ctx.Err() != nil {
			return
		}
		stats.ClassifyErrors++
		l.Logger.Warn("frame classification failed", "seq", frame.Seq, "error", err)
		return
	}
	// Counts are frozen once stop has been requested.
	if ctx.Err() != nil {
		return
	}
	stats.Detections += l.counter.Add(dets)
}

// sleep waits for d or until ctx is done. It reports whether the loop should continue.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
