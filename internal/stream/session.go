package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/andresmejia3/moodlens/internal/imaging"
	"github.com/andresmejia3/moodlens/internal/metrics"
)

// maxIdleTimeouts is the number of consecutive idle timeouts that close a session.
const maxIdleTimeouts = 2

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// session is one streaming connection: Open -> (AwaitFrame -> Analyzing)* -> Closed.
// Only run writes to conn; close may be called from anywhere.
type session struct {
	id     string
	conn   *websocket.Conn
	g      *Gateway
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	closeOnce sync.Once
}

func (s *session) run() {
	inbound := make(chan inboundFrame)
	go s.readLoop(inbound)

	timeout := s.g.cfg.IdleTimeout
	idle := time.NewTimer(timeout)
	defer idle.Stop()

	misses := 0
	for {
		select {
		case <-s.ctx.Done():
			s.close(websocket.CloseGoingAway, "server shutting down")
			return

		case in, ok := <-inbound:
			if !ok || in.err != nil {
				s.logDisconnect(in.err)
				s.close(websocket.CloseNormalClosure, "")
				return
			}
			idle.Stop()
			misses = 0
			if err := s.handle(in); err != nil {
				s.logger.Info("stream session write failed", "error", err)
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
			idle.Reset(timeout)

		case <-idle.C:
			misses++
			if misses >= maxIdleTimeouts {
				s.logger.Info("stream session idle; closing", "timeout", timeout)
				s.close(websocket.CloseNormalClosure, "idle timeout")
				return
			}
			if err := s.send(Ping{Type: TypePing}, "ping"); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}
			idle.Reset(timeout)
		}
	}
}

func (s *session) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

// handle processes one inbound message. Decode and classification failures are
// reported to the client and leave the session open; only a failed write is
// returned.
func (s *session) handle(in inboundFrame) error {
	var data []byte
	switch in.messageType {
	case websocket.BinaryMessage:
		data = in.data
	case websocket.TextMessage:
		text := bytes.TrimSpace(in.data)
		if len(text) > 0 && text[0] == '{' {
			var msg control
			if err := json.Unmarshal(text, &msg); err != nil {
				return s.sendError(fmt.Errorf("%w: invalid JSON message: %v", imaging.ErrDecode, err))
			}
			switch msg.Type {
			case TypePong:
				s.g.metrics.StreamMessage("pong")
				return nil
			case TypeFrame:
				text = []byte(msg.Data)
			default:
				return s.sendError(fmt.Errorf("unknown message type %q", msg.Type))
			}
		}
		decoded, err := imaging.DecodeText(string(text))
		if err != nil {
			return s.sendError(err)
		}
		data = decoded
	default:
		return nil
	}
	s.g.metrics.StreamMessage("frame")

	frame, err := imaging.Prepare(data, s.g.cfg.MaxFrameDimension)
	if err != nil {
		s.logger.Debug("frame decode failed", "error", err)
		return s.sendError(err)
	}

	start := time.Now()
	dets, err := s.g.classifier.Classify(s.ctx, frame.Data)
	s.g.metrics.Classified(metrics.ModeStream, time.Since(start), dets, err)
	if err != nil {
		if s.ctx.Err() != nil {
			return nil
		}
		s.logger.Warn("frame classification failed", "error", err)
		return s.sendError(err)
	}
	return s.send(NewResult(dets, time.Now()), TypeResult)
}

func (s *session) sendError(err error) error {
	return s.send(ErrorMessage{Type: TypeError, Message: err.Error()}, TypeError)
}

func (s *session) send(v any, kind string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.g.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	s.g.metrics.StreamMessage(kind)
	return nil
}

// close sends a close frame (best effort) and releases the connection. Safe to
// call more than once.
func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		if code != websocket.CloseAbnormalClosure {
			msg := websocket.FormatCloseMessage(code, reason)
			_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.g.cfg.WriteTimeout))
		}
		_ = s.conn.Close()
		s.logger.Info("stream session closed", "code", code, "reason", reason)
	})
}

func (s *session) logDisconnect(err error) {
	var closeErr *websocket.CloseError
	switch {
	case err == nil:
		s.logger.Info("stream session reader ended")
	case errors.As(err, &closeErr):
		s.logger.Info("client closed stream session", "code", closeErr.Code)
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Warn("stream frame exceeded read limit", "limit", s.g.cfg.MaxFrameBytes)
	default:
		s.logger.Info("stream session disconnected", "error", err)
	}
}
