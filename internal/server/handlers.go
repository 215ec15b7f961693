package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/imaging"
	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/server/mw"
	"github.com/andresmejia3/moodlens/internal/types"
)

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	res, err := s.deps.Controller.Start(r.Context())
	if err != nil {
		if errors.Is(err, capture.ErrAcquisition) {
			mw.WriteError(w, r, http.StatusServiceUnavailable, mw.ErrUnavailable, err.Error())
			return
		}
		s.logger.Error("start continuous analysis", "error", err)
		mw.WriteError(w, r, http.StatusInternalServerError, mw.ErrAPI, err.Error())
		return
	}
	mw.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	mw.WriteJSON(w, http.StatusOK, s.deps.Controller.Stop(r.Context()))
}

func (s *Server) handleEmotionData(w http.ResponseWriter, r *http.Request) {
	mw.WriteJSON(w, http.StatusOK, s.deps.Controller.Counts())
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	mw.WriteJSON(w, http.StatusOK, s.deps.Controller.Status())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	mw.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// AnalyzeResponse is the single-shot analysis result. It never touches the
// continuous aggregation counts.
type AnalyzeResponse struct {
	Emotions  types.Counts   `json:"emotions"`
	Dominant  types.Category `json:"dominant,omitempty"`
	Faces     int            `json:"faces"`
	Timestamp string         `json:"timestamp"`
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, mw.ErrInvalidRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, mw.ErrInvalidRequest, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, mw.ErrInvalidRequest, fmt.Sprintf("read upload: %v", err))
		return
	}

	frame, err := imaging.Prepare(data, s.opts.MaxFrameDimension)
	if err != nil {
		mw.WriteError(w, r, http.StatusBadRequest, mw.ErrInvalidRequest, err.Error())
		return
	}

	start := time.Now()
	dets, err := s.deps.Classifier.Classify(r.Context(), frame.Data)
	s.deps.Metrics.Classified(metrics.ModeSingle, time.Since(start), dets, err)
	if err != nil {
		s.logger.Warn("single-shot classification failed", "error", err)
		mw.WriteError(w, r, http.StatusInternalServerError, mw.ErrAPI, err.Error())
		return
	}

	counts := types.NewCounts()
	for _, d := range dets {
		if _, ok := counts[d.Category]; ok {
			counts[d.Category]++
		}
	}
	res := AnalyzeResponse{
		Emotions:  counts,
		Faces:     len(dets),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	res.Dominant, _ = counts.Dominant()
	mw.WriteJSON(w, http.StatusOK, res)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.deps.Runs == nil {
		mw.WriteError(w, r, http.StatusNotFound, mw.ErrNotFound, "run history is not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			mw.WriteError(w, r, http.StatusBadRequest, mw.ErrInvalidRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		mw.WriteError(w, r, http.StatusInternalServerError, mw.ErrAPI, "failed to list runs")
		return
	}
	if runs == nil {
		runs = []types.RunRecord{}
	}
	mw.WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
