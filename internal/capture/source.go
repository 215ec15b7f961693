// Package capture reads frames from a live video input through an ffmpeg MJPEG pipe.
//
// The source keeps only the newest decoded frame. A consumer that is slower than
// the camera always gets a recent frame instead of working through a backlog.
package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils"
)

const megabyte = 1024 * 1024

var (
	// ErrAcquisition means the device could not be opened or produced no first frame.
	ErrAcquisition = errors.New("frame source unavailable")
	// ErrClosed means the capture process has ended; no further frames will arrive.
	ErrClosed = errors.New("frame source closed")
	// ErrFrameTimeout means no fresh frame arrived in time. It is transient.
	ErrFrameTimeout = errors.New("timed out waiting for a frame")
)

const (
	DefaultOpenTimeout  = 5 * time.Second
	DefaultFrameTimeout = 2 * time.Second
)

// Config describes the capture input.
type Config struct {
	Device       string
	InputFormat  string
	VideoSize    string
	OpenTimeout  time.Duration
	FrameTimeout time.Duration

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

func (c *Config) defaults() {
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = DefaultOpenTimeout
	}
	if c.FrameTimeout <= 0 {
		c.FrameTimeout = DefaultFrameTimeout
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Stats reports what the reader saw so far.
type Stats struct {
	Captured uint64
	Dropped  uint64
}

// FFmpegSource owns one ffmpeg capture process. It is not reusable once closed.
type FFmpegSource struct {
	cfg    Config
	cmd    *utils.SafeCommand
	cancel context.CancelFunc
	stdout io.ReadCloser

	mailbox chan types.Frame // holds at most the newest frame
	ready   chan struct{}    // closed on the first frame
	done    chan struct{}    // closed when the reader exits
	readErr error            // set before done is closed

	captured  atomic.Uint64
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// Open starts the capture process and waits until the first frame arrives.
// Failures are reported synchronously and wrap ErrAcquisition.
func Open(ctx context.Context, cfg Config) (*FFmpegSource, error) {
	cfg.defaults()
	if strings.TrimSpace(cfg.Device) == "" {
		return nil, fmt.Errorf("%w: no capture device configured", ErrAcquisition)
	}

	// The process outlives the caller's request context; Close cancels it.
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCaptureCmd(procCtx, utils.CaptureSpec{
		Device:      cfg.Device,
		InputFormat: cfg.InputFormat,
		VideoSize:   cfg.VideoSize,
	})
	cmd.WaitDelay = time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: ffmpeg stdout pipe: %v", ErrAcquisition, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrAcquisition, err)
	}

	s := &FFmpegSource{
		cfg:     cfg,
		cmd:     cmd,
		cancel:  cancel,
		stdout:  stdout,
		mailbox: make(chan types.Frame, 1),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()

	timer := time.NewTimer(cfg.OpenTimeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		cfg.Logger.Info("capture device opened", "device", cfg.Device, "format", cfg.InputFormat, "size", cfg.VideoSize)
		return s, nil
	case <-s.done:
		s.Close()
		return nil, fmt.Errorf("%w: %s: ffmpeg exited before the first frame: %s", ErrAcquisition, cfg.Device, s.logTail())
	case <-timer.C:
		s.Close()
		return nil, fmt.Errorf("%w: %s: no frame within %s", ErrAcquisition, cfg.Device, cfg.OpenTimeout)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

// readLoop splits the MJPEG pipe into frames and publishes each one.
func (s *FFmpegSource) readLoop() {
	defer close(s.done)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	var seq uint64
	first := true
	for scanner.Scan() {
		seq++
		data := make([]byte, len(scanner.Bytes()))
		copy(data, scanner.Bytes())

		s.publish(types.Frame{Seq: seq, Data: data, CapturedAt: time.Now()})
		if first {
			close(s.ready)
			first = false
		}
	}

	if err := scanner.Err(); err != nil {
		s.readErr = fmt.Errorf("%w: %v", ErrClosed, err)
	} else {
		s.readErr = ErrClosed
	}
}

// publish overwrites any unconsumed frame with f.
func (s *FFmpegSource) publish(f types.Frame) {
	s.captured.Add(1)
	s.cfg.Metrics.FrameCaptured()
	for {
		select {
		case s.mailbox <- f:
			return
		default:
		}
		select {
		case <-s.mailbox:
			s.dropped.Add(1)
			s.cfg.Metrics.FrameDropped()
		default:
		}
	}
}

// Acquire returns the newest frame not yet returned. It waits up to the frame
// timeout for one to arrive.
func (s *FFmpegSource) Acquire(ctx context.Context) (types.Frame, error) {
	timer := time.NewTimer(s.cfg.FrameTimeout)
	defer timer.Stop()

	select {
	case f := <-s.mailbox:
		return f, nil
	case <-s.done:
		// The reader may have published one last frame before exiting.
		select {
		case f := <-s.mailbox:
			return f, nil
		default:
		}
		return types.Frame{}, s.readErr
	case <-timer.C:
		return types.Frame{}, ErrFrameTimeout
	case <-ctx.Done():
		return types.Frame{}, ctx.Err()
	}
}

// Stats returns capture counters.
func (s *FFmpegSource) Stats() Stats {
	return Stats{Captured: s.captured.Load(), Dropped: s.dropped.Load()}
}

// Close stops the capture process and releases the device. It is safe to call
// more than once.
func (s *FFmpegSource) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		// Killed by us, so a non-nil exit status is expected.
		if werr := s.cmd.Wait(); werr != nil && !isKilled(werr) {
			err = werr
		}
		s.cfg.Logger.Info("capture device released", "device", s.cfg.Device, "captured", s.captured.Load(), "dropped", s.dropped.Load())
	})
	return err
}

func (s *FFmpegSource) logTail() string {
	logs := strings.TrimSpace(s.cmd.Logs())
	if logs == "" {
		return "no output"
	}
	if len(logs) > 512 {
		logs = logs[len(logs)-512:]
	}
	return logs
}

func isKilled(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "signal: killed") || errors.Is(err, context.Canceled)
}
