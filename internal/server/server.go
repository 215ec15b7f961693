// Package server wires the request layer: continuous analysis control, the
// aggregation read path, single-shot analysis and the streaming endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/andresmejia3/moodlens/internal/lifecycle"
	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/server/mw"
	"github.com/andresmejia3/moodlens/internal/stream"
	"github.com/andresmejia3/moodlens/internal/types"
)

// DefaultMaxUploadBytes bounds single-shot uploads.
const DefaultMaxUploadBytes = 16 << 20

// RunLister reads persisted run history.
type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]types.RunRecord, error)
}

type Deps struct {
	Controller *lifecycle.Controller
	Classifier types.Classifier
	Stream     *stream.Gateway
	Metrics    *metrics.Metrics
	// Runs is nil when no database is configured.
	Runs RunLister
}

type Options struct {
	CORSOrigins       []string
	MaxFrameDimension int
	MaxUploadBytes    int64
}

type Server struct {
	deps   Deps
	opts   Options
	logger *slog.Logger
	mux    *http.ServeMux
}

func New(deps Deps, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger,
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.handle("POST /start-continuous-analysis", http.HandlerFunc(s.handleStart))
	s.handle("POST /stop-continuous-analysis", http.HandlerFunc(s.handleStop))
	s.handle("GET /get-emotion-data", http.HandlerFunc(s.handleEmotionData))
	s.handle("GET /status", http.HandlerFunc(s.handleStatus))
	s.handle("POST /analyze-emotion", http.HandlerFunc(s.handleAnalyze))
	s.handle("GET /health", http.HandlerFunc(s.handleHealth))
	s.handle("GET /runs", http.HandlerFunc(s.handleRuns))
	if s.deps.Stream != nil {
		s.handle("GET /stream", s.deps.Stream)
	}
	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.deps.Metrics.Handler())
	}
}

// handle registers pattern and its trailing-slash variant.
func (s *Server) handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
	s.mux.Handle(pattern+"/{$}", h)
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.opts.CORSOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}
