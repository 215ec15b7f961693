package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils" // Using the SafeCommand wrapper
)

// DefaultCommand runs the bundled face + emotion model.
var DefaultCommand = []string{"python3", "-u", "python/emotion_worker.py"}

// Response status bytes.
const (
	statusOK    = 0
	statusError = 1
)

// maxResponseBytes guards against a corrupt length header.
const maxResponseBytes = 16 * 1024 * 1024

// ModelError is a failure reported by the model itself (status 1).
// The process is still healthy after one of these.
type ModelError struct {
	Message string
}

func (e *ModelError) Error() string {
	return "python worker error: " + e.Message
}

// Config controls how a worker process is started.
type Config struct {
	Command     []string
	ReadTimeout time.Duration
}

// CloseGrace is how long Close lets a worker exit on its own after stdin is
// closed before the process is killed.
const CloseGrace = 2 * time.Second

type PythonWorker struct {
	ID          int
	Cmd         *utils.SafeCommand
	Stdin       io.WriteCloser
	DataPipe    io.ReadCloser
	ReadTimeout time.Duration

	kill context.CancelFunc // kills the process; nil for in-memory workers
}

func NewPythonWorker(ctx context.Context, id int, cfg Config) (*PythonWorker, error) {
	command := cfg.Command
	if len(command) == 0 {
		command = DefaultCommand
	}

	// Each worker gets its own context so one stuck process can be killed alone.
	procCtx, kill := context.WithCancel(ctx)

	// 1. Initialize the SafeCommand so crash logs are kept
	py := utils.NewSafeCommand(procCtx, command[0], command[1:]...)
	// Bounds Wait when the child left descendants holding its pipes.
	py.Cmd.WaitDelay = CloseGrace

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		kill()
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	// os.Pipe rather than StdinPipe so writes can carry a deadline.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		kill()
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	py.Cmd.Stdin = stdinR

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		stdinR.Close()
		stdinW.Close()
		kill()
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the child's ends in the parent so only the child holds them
	w.Close()
	stdinR.Close()

	return &PythonWorker{
		ID:          id,
		Cmd:         py,
		Stdin:       stdinW,
		DataPipe:    r,
		ReadTimeout: cfg.ReadTimeout,
		kill:        kill,
	}, nil
}

// setDeadline applies t to both pipes. In-memory pipes have no deadlines.
func (w *PythonWorker) setDeadline(t time.Time) {
	if d, ok := w.Stdin.(interface{ SetWriteDeadline(time.Time) error }); ok {
		_ = d.SetWriteDeadline(t)
	}
	if d, ok := w.DataPipe.(interface{ SetReadDeadline(time.Time) error }); ok {
		_ = d.SetReadDeadline(t)
	}
}

// Communicate sends one length-prefixed request and reads the length-prefixed reply.
// The exchange is bounded by ReadTimeout and aborted when ctx is done; after
// either the stream is out of sync and the worker must be discarded.
func (w *PythonWorker) Communicate(ctx context.Context, data []byte) ([]byte, error) {
	var deadline time.Time
	if w.ReadTimeout > 0 {
		deadline = time.Now().Add(w.ReadTimeout)
	}
	w.setDeadline(deadline)
	defer w.setDeadline(time.Time{})

	// ctx cancellation and deadlines interrupt the pipes through this hook.
	fired := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		w.setDeadline(time.Now())
		close(fired)
	})
	defer func() {
		if !stop() {
			<-fired
		}
	}()

	resp, err := w.exchange(data)
	if err != nil && ctx.Err() != nil {
		return nil, fmt.Errorf("worker %d interrupted: %w", w.ID, ctx.Err())
	}
	return resp, err
}

func (w *PythonWorker) exchange(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, err
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, err
	}

	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, err // This is where we catch the "ModuleNotFoundError" crash
	}

	respLen := binary.BigEndian.Uint32(header)
	if respLen > maxResponseBytes {
		return nil, fmt.Errorf("response too large: %d bytes", respLen)
	}
	respBody := make([]byte, respLen)
	_, err := io.ReadFull(w.DataPipe, respBody)
	return respBody, err
}

// ProcessFrame classifies one encoded frame.
// Protocol: [Status:0] [NumFaces] {[Box] [Conf] [Label] [NumScores] {[Label] [Score]}}
// or [Status:1] [MsgLen] [Msg].
func (w *PythonWorker) ProcessFrame(ctx context.Context, data []byte) ([]types.Detection, error) {
	resp, err := w.Communicate(ctx, data)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp []byte) ([]types.Detection, error) {
	if len(resp) == 0 {
		return nil, errors.New("empty response from worker")
	}
	r := bufio.NewReader(bytes.NewReader(resp))
	status, _ := r.ReadByte()

	switch status {
	case statusError:
		var msgLen uint32
		if err := binary.Read(r, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(r, msg); err != nil {
			return nil, fmt.Errorf("malformed error response: %w", err)
		}
		return nil, &ModelError{Message: string(msg)}
	case statusOK:
	default:
		return nil, fmt.Errorf("unknown response status %d", status)
	}

	var numFaces uint32
	if err := binary.Read(r, binary.BigEndian, &numFaces); err != nil {
		return nil, fmt.Errorf("malformed response: %w", err)
	}

	dets := make([]types.Detection, 0, numFaces)
	for i := uint32(0); i < numFaces; i++ {
		var box [4]int32
		var conf float32
		if err := binary.Read(r, binary.BigEndian, &box); err != nil {
			return nil, fmt.Errorf("face %d box: %w", i, err)
		}
		if err := binary.Read(r, binary.BigEndian, &conf); err != nil {
			return nil, fmt.Errorf("face %d confidence: %w", i, err)
		}
		label, err := readLabel(r)
		if err != nil {
			return nil, fmt.Errorf("face %d label: %w", i, err)
		}
		numScores, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("face %d scores: %w", i, err)
		}

		var scores map[types.Category]float64
		for j := 0; j < int(numScores); j++ {
			sl, err := readLabel(r)
			if err != nil {
				return nil, fmt.Errorf("face %d score %d: %w", i, j, err)
			}
			var score float32
			if err := binary.Read(r, binary.BigEndian, &score); err != nil {
				return nil, fmt.Errorf("face %d score %d: %w", i, j, err)
			}
			if cat, ok := types.ParseCategory(sl); ok && !math.IsNaN(float64(score)) {
				if scores == nil {
					scores = make(map[types.Category]float64, numScores)
				}
				scores[cat] += float64(score)
			}
		}

		cat, ok := types.ParseCategory(label)
		if !ok {
			// Labels outside our fixed set are not counted.
			continue
		}
		dets = append(dets, types.Detection{
			Region:     types.Region{int(box[0]), int(box[1]), int(box[2]), int(box[3])},
			Category:   cat,
			Confidence: float64(conf),
			Scores:     scores,
		})
	}
	return dets, nil
}

func readLabel(r *bufio.Reader) (string, error) {
	n, err := r.ReadByte()
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Close asks the worker to exit by closing stdin and kills it if it is still
// running after CloseGrace.
func (w *PythonWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd == nil || w.kill == nil {
		return
	}
	exited := make(chan struct{})
	go func() {
		w.Cmd.Wait()
		close(exited)
	}()
	select {
	case <-exited:
	case <-time.After(CloseGrace):
		w.kill()
		<-exited
	}
	w.kill()
}

// Abort kills the worker without waiting for it to finish. Used once the
// protocol stream is out of sync.
func (w *PythonWorker) Abort() {
	if w.kill != nil {
		w.kill()
	}
	w.Close()
}
