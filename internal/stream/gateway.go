// Package stream serves per-connection frame analysis over a websocket.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/semaphore"

	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/server/mw"
	"github.com/andresmejia3/moodlens/internal/types"
)

const (
	DefaultIdleTimeout       = 15 * time.Second
	DefaultWriteTimeout      = 5 * time.Second
	DefaultMaxFrameBytes     = 8 << 20
	DefaultMaxSessions       = 32
	DefaultMaxFrameDimension = 1280
)

type Config struct {
	// IdleTimeout is how long a session waits for a frame. The first timeout
	// sends a ping; the second consecutive one closes the session.
	IdleTimeout       time.Duration
	WriteTimeout      time.Duration
	MaxFrameBytes     int64
	MaxSessions       int64
	MaxFrameDimension int
	AllowedOrigins    []string
}

func (c *Config) defaults() {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = DefaultMaxSessions
	}
}

// Gateway upgrades GET requests to streaming sessions. Sessions share nothing
// but the classifier.
type Gateway struct {
	cfg        Config
	classifier types.Classifier
	logger     *slog.Logger
	metrics    *metrics.Metrics
	sessions   *Tracker
	admit      *semaphore.Weighted
	upgrader   websocket.Upgrader
}

func NewGateway(classifier types.Classifier, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		cfg:        cfg,
		classifier: classifier,
		logger:     logger,
		metrics:    m,
		sessions:   NewTracker(),
		admit:      semaphore.NewWeighted(cfg.MaxSessions),
	}
	g.upgrader = websocket.Upgrader{
		// Origins are checked in ServeHTTP so rejections get a JSON body.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	return g
}

// Sessions exposes the live session registry for shutdown.
func (g *Gateway) Sessions() *Tracker {
	return g.sessions
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		mw.WriteError(w, r, http.StatusMethodNotAllowed, mw.ErrInvalidRequest, "method not allowed")
		return
	}
	if !websocket.IsWebSocketUpgrade(r) {
		mw.WriteError(w, r, http.StatusBadRequest, mw.ErrInvalidRequest, "websocket upgrade required")
		return
	}
	if !mw.OriginAllowed(g.cfg.AllowedOrigins, r) {
		mw.WriteError(w, r, http.StatusForbidden, mw.ErrInvalidRequest, "origin is not allowed")
		return
	}
	if !g.admit.TryAcquire(1) {
		mw.WriteError(w, r, http.StatusServiceUnavailable, mw.ErrOverloaded, "too many streaming sessions")
		return
	}
	defer g.admit.Release(1)

	id := "ses_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	// Hijacked connections outlive the request context; the tracker cancels them.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	unregister, ok := g.sessions.Register(id, cancel)
	if !ok {
		mw.WriteError(w, r, http.StatusServiceUnavailable, mw.ErrUnavailable, "server is shutting down")
		return
	}
	defer unregister()

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		g.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(g.cfg.MaxFrameBytes)

	reqID, _ := mw.RequestIDFrom(r.Context())
	s := &session{
		id:     id,
		conn:   conn,
		g:      g,
		ctx:    ctx,
		cancel: cancel,
		logger: g.logger.With("session_id", id, "request_id", reqID),
	}
	g.metrics.SessionOpened()
	defer g.metrics.SessionClosed()

	s.logger.Info("stream session opened", "remote", r.RemoteAddr)
	s.run()
}
