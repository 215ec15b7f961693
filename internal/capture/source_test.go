package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/andresmejia3/moodlens/internal/types"
)

// newPipeSource wires a source to an in-memory stream instead of an ffmpeg process.
func newPipeSource(r io.Reader, frameTimeout time.Duration) *FFmpegSource {
	cfg := Config{FrameTimeout: frameTimeout}
	cfg.defaults()
	s := &FFmpegSource{
		cfg:     cfg,
		stdout:  io.NopCloser(r),
		mailbox: make(chan types.Frame, 1),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	return s
}

func jpegToken(payload byte) []byte {
	return []byte{0xFF, 0xD8, payload, 0xFF, 0xD9}
}

func TestAcquireReturnsNewestFrame(t *testing.T) {
	var stream bytes.Buffer
	stream.Write(jpegToken(1))
	stream.Write(jpegToken(2))
	stream.Write(jpegToken(3))

	s := newPipeSource(&stream, time.Second)
	<-s.done

	f, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if f.Seq != 3 || f.Data[2] != 3 {
		t.Errorf("Expected newest frame (seq 3), got seq %d payload %d", f.Seq, f.Data[2])
	}

	st := s.Stats()
	if st.Captured != 3 || st.Dropped != 2 {
		t.Errorf("Stats = %+v, want 3 captured / 2 dropped", st)
	}

	// Stream is exhausted: the source reports it is gone for good
	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
}

func TestAcquireTimesOutThenCloses(t *testing.T) {
	pr, pw := io.Pipe()
	s := newPipeSource(pr, 50*time.Millisecond)

	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrFrameTimeout) {
		t.Fatalf("Expected ErrFrameTimeout, got %v", err)
	}

	go pw.Write(jpegToken(9))
	select {
	case <-s.ready:
	case <-time.After(time.Second):
		t.Fatal("First frame never marked the source ready")
	}
	f, err := s.Acquire(context.Background())
	if err != nil || f.Data[2] != 9 {
		t.Fatalf("Expected frame 9, got %v / %v", f.Data, err)
	}

	pw.Close()
	<-s.done
	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed after the pipe ended, got %v", err)
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	s := newPipeSource(pr, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Acquire(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestOpenFailsSynchronously(t *testing.T) {
	if _, err := Open(context.Background(), Config{}); !errors.Is(err, ErrAcquisition) {
		t.Errorf("Expected ErrAcquisition for an empty device, got %v", err)
	}

	// Either ffmpeg is missing or it cannot open the device; both are acquisition failures.
	_, err := Open(context.Background(), Config{
		Device:      "/nonexistent/moodlens-video",
		InputFormat: "v4l2",
		OpenTimeout: 3 * time.Second,
	})
	if !errors.Is(err, ErrAcquisition) {
		t.Errorf("Expected ErrAcquisition for a missing device, got %v", err)
	}
}
