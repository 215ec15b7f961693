package cmd

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/config"
	"github.com/andresmejia3/moodlens/internal/lifecycle"
	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/sampler"
	"github.com/andresmejia3/moodlens/internal/server"
	"github.com/andresmejia3/moodlens/internal/stream"
	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/andresmejia3/moodlens/internal/worker"
)

var serveCmd = &cobra.Command{
	Use:         "serve",
	Short:       "Run the HTTP API for continuous, single-shot and streaming analysis",
	Annotations: map[string]string{annotationDB: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runServe(cmd.Context())
	},
}

func init() {
	f := serveCmd.Flags()
	f.String(config.KeyAddr, ":8000", "HTTP listen address")
	f.String(config.KeyDevice, "/dev/video0", "Capture input: device path, file or URL")
	f.String(config.KeyInputFormat, "v4l2", "FFmpeg input format (empty lets ffmpeg probe)")
	f.String(config.KeyVideoSize, "1280x720", "Requested capture resolution")
	f.IntP(config.KeyAnalyzeEvery, "n", sampler.DefaultAnalyzeEvery, "Analyze every Nth frame (lower N means proportionally more classifier calls)")
	f.Duration(config.KeySampleInterval, sampler.DefaultInterval, "Sleep after each sampled frame")
	f.Duration(config.KeyRetryBackoff, sampler.DefaultRetryBackoff, "Wait before retrying a failed frame read")
	f.Duration(config.KeyOpenTimeout, capture.DefaultOpenTimeout, "Max time to wait for the first frame of the device")
	f.Duration(config.KeyFrameTimeout, capture.DefaultFrameTimeout, "Max time to wait for one frame")
	f.Duration(config.KeyStopTimeout, lifecycle.DefaultStopTimeout, "Max time stop waits for the sampling loop")
	f.Duration(config.KeyStreamIdleTimeout, stream.DefaultIdleTimeout, "Stream idle timeout before a ping (the session closes after two)")
	f.Duration(config.KeyStreamWriteTimeout, stream.DefaultWriteTimeout, "Stream write deadline")
	f.Int64(config.KeyStreamMaxFrameBytes, stream.DefaultMaxFrameBytes, "Largest accepted stream message")
	f.Int(config.KeyStreamMaxSessions, stream.DefaultMaxSessions, "Concurrent stream sessions")
	f.StringSlice(config.KeyCORSOrigins, []string{"http://localhost:3000"}, "Allowed CORS origins")
	f.Duration(config.KeyShutdownGrace, 10*time.Second, "Graceful shutdown budget")
	rootCmd.AddCommand(serveCmd)
}

func runServe(ctx context.Context) error {
	m := metrics.New()

	pool, err := worker.NewPool(cfg.Engines, cfg.Worker(), logger)
	if err != nil {
		utils.ShowError("Classifier startup failed", err, nil)
		return err
	}
	defer pool.Close()

	captureCfg := cfg.Capture(logger)
	captureCfg.Metrics = m
	open := func(ctx context.Context) (sampler.FrameSource, error) {
		src, err := capture.Open(ctx, captureCfg)
		if err != nil {
			return nil, err
		}
		return src, nil
	}

	ctrlCfg := lifecycle.Config{
		Sampler:     cfg.Sampler(),
		StopTimeout: cfg.StopTimeout,
		Source:      cfg.Device,
		Logger:      logger,
		Metrics:     m,
	}
	deps := server.Deps{
		Classifier: pool,
		Metrics:    m,
	}
	if DB != nil {
		ctrlCfg.Recorder = DB
		deps.Runs = DB
	}
	ctrl := lifecycle.New(open, pool, ctrlCfg)
	gw := stream.NewGateway(pool, cfg.Stream(), logger, m)
	deps.Controller = ctrl
	deps.Stream = gw

	srv := server.New(deps, server.Options{
		CORSOrigins:       cfg.CORSOrigins,
		MaxFrameDimension: cfg.MaxFrameDimension,
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Addr, "device", cfg.Device, "engines", cfg.Engines, "analyze_every", cfg.AnalyzeEvery)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			utils.ShowError("HTTP server failed", err, nil)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down", "grace", cfg.ShutdownGrace)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()

	if res := ctrl.Stop(shutdownCtx); res.Status == lifecycle.StatusStopped {
		logger.Info("continuous analysis stopped", "run_id", res.RunID, "teardown_pending", res.TeardownPending)
	}
	if n := gw.Sessions().CancelAll(); n > 0 {
		logger.Info("closing stream sessions", "count", n)
	}
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err)
	}
	if !gw.Sessions().Wait(shutdownCtx) {
		logger.Warn("stream sessions still open after shutdown grace")
	}
	return nil
}
