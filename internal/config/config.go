// Package config resolves settings from flags, MOODLENS_* environment variables
// and an optional config file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/andresmejia3/moodlens/internal/capture"
	"github.com/andresmejia3/moodlens/internal/sampler"
	"github.com/andresmejia3/moodlens/internal/stream"
	"github.com/andresmejia3/moodlens/internal/worker"
)

// EnvPrefix is prepended to every environment variable, e.g. MOODLENS_ANALYZE_EVERY.
const EnvPrefix = "MOODLENS"

// Keys.
const (
	KeyAddr                = "addr"
	KeyDB                  = "db"
	KeyDevice              = "device"
	KeyInputFormat         = "input-format"
	KeyVideoSize           = "video-size"
	KeyAnalyzeEvery        = "analyze-every"
	KeySampleInterval      = "sample-interval"
	KeyRetryBackoff        = "retry-backoff"
	KeyOpenTimeout         = "open-timeout"
	KeyFrameTimeout        = "frame-timeout"
	KeyStopTimeout         = "stop-timeout"
	KeyClassifierCmd       = "classifier-cmd"
	KeyEngines             = "engines"
	KeyClassifierTimeout   = "classifier-timeout"
	KeyStreamIdleTimeout   = "stream-idle-timeout"
	KeyStreamWriteTimeout  = "stream-write-timeout"
	KeyStreamMaxFrameBytes = "stream-max-frame-bytes"
	KeyStreamMaxSessions   = "stream-max-sessions"
	KeyMaxFrameDimension   = "max-frame-dimension"
	KeyCORSOrigins         = "cors-origins"
	KeyLogLevel            = "log-level"
	KeyLogFormat           = "log-format"
	KeyShutdownGrace       = "shutdown-grace"
)

type Config struct {
	Addr        string
	DatabaseURL string

	Device      string
	InputFormat string
	VideoSize   string

	AnalyzeEvery   int
	SampleInterval time.Duration
	RetryBackoff   time.Duration
	OpenTimeout    time.Duration
	FrameTimeout   time.Duration
	StopTimeout    time.Duration

	ClassifierCmd     []string
	Engines           int
	ClassifierTimeout time.Duration

	StreamIdleTimeout   time.Duration
	StreamWriteTimeout  time.Duration
	StreamMaxFrameBytes int64
	StreamMaxSessions   int
	MaxFrameDimension   int

	CORSOrigins   []string
	LogLevel      string
	LogFormat     string
	ShutdownGrace time.Duration
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyAddr, ":8000")
	v.SetDefault(KeyDB, "")
	v.SetDefault(KeyDevice, "/dev/video0")
	v.SetDefault(KeyInputFormat, "v4l2")
	v.SetDefault(KeyVideoSize, "1280x720")
	v.SetDefault(KeyAnalyzeEvery, sampler.DefaultAnalyzeEvery)
	v.SetDefault(KeySampleInterval, sampler.DefaultInterval)
	v.SetDefault(KeyRetryBackoff, sampler.DefaultRetryBackoff)
	v.SetDefault(KeyOpenTimeout, capture.DefaultOpenTimeout)
	v.SetDefault(KeyFrameTimeout, capture.DefaultFrameTimeout)
	v.SetDefault(KeyStopTimeout, time.Second)
	v.SetDefault(KeyClassifierCmd, strings.Join(worker.DefaultCommand, " "))
	v.SetDefault(KeyEngines, 1)
	v.SetDefault(KeyClassifierTimeout, 30*time.Second)
	v.SetDefault(KeyStreamIdleTimeout, stream.DefaultIdleTimeout)
	v.SetDefault(KeyStreamWriteTimeout, stream.DefaultWriteTimeout)
	v.SetDefault(KeyStreamMaxFrameBytes, stream.DefaultMaxFrameBytes)
	v.SetDefault(KeyStreamMaxSessions, stream.DefaultMaxSessions)
	v.SetDefault(KeyMaxFrameDimension, stream.DefaultMaxFrameDimension)
	v.SetDefault(KeyCORSOrigins, "http://localhost:3000")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "text")
	v.SetDefault(KeyShutdownGrace, 10*time.Second)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads configFile (if set) into v and resolves the final Config.
func Load(v *viper.Viper, configFile string) (Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	cfg := Config{
		Addr:                v.GetString(KeyAddr),
		DatabaseURL:         v.GetString(KeyDB),
		Device:              v.GetString(KeyDevice),
		InputFormat:         v.GetString(KeyInputFormat),
		VideoSize:           v.GetString(KeyVideoSize),
		AnalyzeEvery:        v.GetInt(KeyAnalyzeEvery),
		SampleInterval:      v.GetDuration(KeySampleInterval),
		RetryBackoff:        v.GetDuration(KeyRetryBackoff),
		OpenTimeout:         v.GetDuration(KeyOpenTimeout),
		FrameTimeout:        v.GetDuration(KeyFrameTimeout),
		StopTimeout:         v.GetDuration(KeyStopTimeout),
		ClassifierCmd:       strings.Fields(v.GetString(KeyClassifierCmd)),
		Engines:             v.GetInt(KeyEngines),
		ClassifierTimeout:   v.GetDuration(KeyClassifierTimeout),
		StreamIdleTimeout:   v.GetDuration(KeyStreamIdleTimeout),
		StreamWriteTimeout:  v.GetDuration(KeyStreamWriteTimeout),
		StreamMaxFrameBytes: v.GetInt64(KeyStreamMaxFrameBytes),
		StreamMaxSessions:   v.GetInt(KeyStreamMaxSessions),
		MaxFrameDimension:   v.GetInt(KeyMaxFrameDimension),
		CORSOrigins:         splitList(v.GetStringSlice(KeyCORSOrigins)),
		LogLevel:            strings.ToLower(v.GetString(KeyLogLevel)),
		LogFormat:           strings.ToLower(v.GetString(KeyLogFormat)),
		ShutdownGrace:       v.GetDuration(KeyShutdownGrace),
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = postgresFromEnv()
	}
	return cfg, cfg.Validate()
}

// postgresFromEnv builds a connection string from POSTGRES_* variables, or
// returns "" when POSTGRES_HOST is unset.
func postgresFromEnv() string {
	host := os.Getenv("POSTGRES_HOST")
	if host == "" {
		return ""
	}
	user := os.Getenv("POSTGRES_USER")
	pass := os.Getenv("POSTGRES_PASSWORD")
	name := os.Getenv("POSTGRES_DB")
	port := os.Getenv("POSTGRES_PORT")
	if port == "" {
		port = "5432"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
}

// splitList accepts both list values and comma-separated strings.
func splitList(in []string) []string {
	var out []string
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// Validate rejects settings the components cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.AnalyzeEvery < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1 (got %d)", KeyAnalyzeEvery, c.AnalyzeEvery))
	}
	if c.Engines < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1 (got %d)", KeyEngines, c.Engines))
	}
	if len(c.ClassifierCmd) == 0 {
		errs = append(errs, fmt.Errorf("%s must not be empty", KeyClassifierCmd))
	}
	durations := map[string]time.Duration{
		KeySampleInterval:     c.SampleInterval,
		KeyRetryBackoff:       c.RetryBackoff,
		KeyOpenTimeout:        c.OpenTimeout,
		KeyFrameTimeout:       c.FrameTimeout,
		KeyStopTimeout:        c.StopTimeout,
		KeyClassifierTimeout:  c.ClassifierTimeout,
		KeyStreamIdleTimeout:  c.StreamIdleTimeout,
		KeyStreamWriteTimeout: c.StreamWriteTimeout,
		KeyShutdownGrace:      c.ShutdownGrace,
	}
	for _, key := range slices.Sorted(maps.Keys(durations)) {
		if durations[key] < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative (got %s)", key, durations[key]))
		}
	}
	if c.StreamMaxSessions < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1 (got %d)", KeyStreamMaxSessions, c.StreamMaxSessions))
	}
	if c.StreamMaxFrameBytes < 1 {
		errs = append(errs, fmt.Errorf("%s must be >= 1 (got %d)", KeyStreamMaxFrameBytes, c.StreamMaxFrameBytes))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("%s must be text or json (got %q)", KeyLogFormat, c.LogFormat))
	}
	return errors.Join(errs...)
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("%s must be debug, info, warn or error (got %q)", KeyLogLevel, s)
}

// NewLogger builds the process logger writing to w.
func (c Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.LogLevel)
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Capture returns the frame source settings.
func (c Config) Capture(logger *slog.Logger) capture.Config {
	return capture.Config{
		Device:       c.Device,
		InputFormat:  c.InputFormat,
		VideoSize:    c.VideoSize,
		OpenTimeout:  c.OpenTimeout,
		FrameTimeout: c.FrameTimeout,
		Logger:       logger,
	}
}

// Sampler returns the throttling settings of the sampling loop.
func (c Config) Sampler() sampler.Config {
	return sampler.Config{
		AnalyzeEvery: c.AnalyzeEvery,
		Interval:     c.SampleInterval,
		RetryBackoff: c.RetryBackoff,
	}
}

// Worker returns the classifier process settings.
func (c Config) Worker() worker.Config {
	return worker.Config{
		Command:     c.ClassifierCmd,
		ReadTimeout: c.ClassifierTimeout,
	}
}

// Stream returns the streaming gateway settings.
func (c Config) Stream() stream.Config {
	return stream.Config{
		IdleTimeout:       c.StreamIdleTimeout,
		WriteTimeout:      c.StreamWriteTimeout,
		MaxFrameBytes:     c.StreamMaxFrameBytes,
		MaxSessions:       int64(c.StreamMaxSessions),
		MaxFrameDimension: c.MaxFrameDimension,
		AllowedOrigins:    c.CORSOrigins,
	}
}
