package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/moodlens/internal/aggregate"
	"github.com/andresmejia3/moodlens/internal/config"
	"github.com/andresmejia3/moodlens/internal/metrics"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/andresmejia3/moodlens/internal/worker"
)

const megabyte = 1024 * 1024

// Options holds the scan settings after flags and config are resolved.
type Options struct {
	InputPath  string
	NthFrame   int
	NumEngines int
	// NoRecord skips persisting the run even when a database is configured.
	NoRecord bool
}

var scanOpts Options

var scanCmd = &cobra.Command{
	Use:         "scan",
	Short:       "Aggregate emotions over a video file with parallel engines",
	Annotations: map[string]string{annotationDB: dbOptional},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		opts := scanOpts
		opts.NthFrame = cfg.AnalyzeEvery
		opts.NumEngines = cfg.Engines
		return runScan(cmd.Context(), opts)
	},
}

func init() {
	scanCmd.Flags().StringVarP(&scanOpts.InputPath, "input", "i", "", "Path to video")
	scanCmd.Flags().IntP(config.KeyAnalyzeEvery, "n", 5, "Analyze every Nth frame (lower N means proportionally more classifier calls)")
	scanCmd.Flags().BoolVar(&scanOpts.NoRecord, "no-record", false, "Do not persist the run to the database")

	scanCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(scanCmd)
}

// Buffer pool to reduce GC pressure during scanning
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// scanStats are updated by the engine goroutines.
type scanStats struct {
	framesRead     atomic.Int64
	framesAnalyzed atomic.Int64
	detections     atomic.Int64
	classifyErrors atomic.Int64
}

// runScan orchestrates the offline scan: worker pool, FFmpeg streaming, progress and persistence.
func runScan(ctx context.Context, opts Options) error {
	if err := validateScanFlags(&opts); err != nil {
		return err
	}

	videoID, err := utils.GenerateVideoID(opts.InputPath)
	if err != nil {
		utils.ShowError("Failed to generate video ID", err, nil)
		return err
	}
	fmt.Fprintf(os.Stderr, "📼 Processing Video ID: %s\n", videoID[:12])
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Worker Engines...\n", opts.NumEngines)

	pool, err := worker.NewPool(opts.NumEngines, cfg.Worker(), logger)
	if err != nil {
		utils.ShowError("Worker startup failed", err, nil)
		return err
	}
	defer pool.Close()

	// Get total frames for progress bar
	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("🔍 MoodLens Scanning"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	ffmpegCtx, killFFmpeg := context.WithCancel(ctx)
	defer killFFmpeg()
	ffmpeg := utils.NewFFmpegCmd(ffmpegCtx, opts.InputPath)
	ffmpegOut, err := ffmpeg.StdoutPipe()
	if err != nil {
		utils.ShowError("Failed to create FFmpeg stdout pipe", err, nil)
		return err
	}
	defer ffmpegOut.Close() // Ensure pipe is closed to prevent leaks/zombies

	started := time.Now()
	if err := ffmpeg.Start(); err != nil {
		utils.ShowError("Failed to start FFmpeg", err, ffmpeg)
		return err
	}

	counter := aggregate.New()
	stats, scanErr := aggregateStream(ctx, ffmpegOut, pool, counter, opts, func() { _ = bar.Add(1) })
	waitErr := stopDecoder(ffmpeg, ffmpegOut, killFFmpeg, scanErr)
	_ = bar.Finish()

	interrupted := ctx.Err() != nil
	switch {
	case interrupted:
		fmt.Fprintf(os.Stderr, "\n⏹️  Scan interrupted, reporting partial results.\n")
	case scanErr != nil:
		utils.ShowError("Frame scanner failed", scanErr, ffmpeg)
		return scanErr
	case waitErr != nil:
		utils.ShowError("FFmpeg execution failed", waitErr, ffmpeg)
		return waitErr
	}

	rec := scanRecord(videoID, opts.InputPath, started, time.Now(), stats, counter.Snapshot())
	if interrupted {
		rec.Error = context.Canceled.Error()
	}
	printSummary(os.Stdout, rec)

	if DB != nil && !opts.NoRecord {
		// The signal context may be gone already; the record is still worth keeping.
		saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := DB.RecordRun(saveCtx, rec); err != nil {
			utils.ShowError("Failed to record scan", err, nil)
			return err
		}
		fmt.Fprintf(os.Stderr, "💾 Saved run %s\n", rec.ID)
	}
	return nil
}

// aggregateStream splits r into JPEG frames, sends every Nth one to the
// classifier from NumEngines goroutines and counts the detections.
// onFrame is called for every frame read.
func aggregateStream(ctx context.Context, r io.Reader, classifier types.Classifier, counter *aggregate.Counter, opts Options, onFrame func()) (*scanStats, error) {
	stats := &scanStats{}
	tasks := make(chan types.FrameTask, opts.NumEngines)

	var wg sync.WaitGroup
	for i := 0; i < opts.NumEngines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range tasks {
				dets, err := classifier.Classify(ctx, task.Data)
				// Return buffer to pool immediately after classifying
				frameBufferPool.Put(task.Data[:0])

				if err != nil {
					stats.classifyErrors.Add(1)
					if !errors.Is(err, context.Canceled) {
						logger.Warn("frame classification failed", "frame", task.Index, "error", err)
					}
					continue
				}
				stats.framesAnalyzed.Add(1)
				stats.detections.Add(int64(counter.Add(dets)))
			}
		}()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	frames := 0
read:
	for scanner.Scan() {
		frames++
		stats.framesRead.Add(1)
		if onFrame != nil {
			onFrame()
		}
		if frames%opts.NthFrame != 0 {
			continue
		}

		// Get buffer from pool
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		select {
		case tasks <- types.FrameTask{Index: frames, Data: buf}:
		case <-ctx.Done():
			break read
		}
	}

	close(tasks)
	wg.Wait()

	if ctx.Err() != nil {
		return stats, ctx.Err()
	}
	// Check for scanner errors (e.g. token too long, unexpected EOF)
	return stats, scanner.Err()
}

// stopDecoder waits for the decoder process. After a read error nothing drains
// its stdout any more, so it is killed first instead of left blocked on the pipe.
func stopDecoder(dec *utils.SafeCommand, out io.Closer, kill context.CancelFunc, readErr error) error {
	if readErr != nil {
		kill()
		out.Close()
	}
	return dec.Wait()
}

// scanRecord builds the persisted summary of one scan.
// Rescanning the same unchanged file replaces its previous record.
func scanRecord(videoID, source string, started, ended time.Time, stats *scanStats, counts types.Counts) types.RunRecord {
	return types.RunRecord{
		ID:             "scan_" + videoID[:16],
		Mode:           metrics.ModeScan,
		Source:         source,
		StartedAt:      started.UTC(),
		EndedAt:        ended.UTC(),
		FramesSampled:  int(stats.framesRead.Load()),
		FramesAnalyzed: int(stats.framesAnalyzed.Load()),
		Detections:     int(stats.detections.Load()),
		ClassifyErrors: int(stats.classifyErrors.Load()),
		Counts:         counts,
	}
}

// printSummary writes the per-category table of a finished run.
func printSummary(w io.Writer, rec types.RunRecord) {
	fmt.Fprintf(w, "\n---------------------------------------------------------\n")
	fmt.Fprintf(w, "📊 SCAN SUMMARY\n")
	fmt.Fprintf(w, "---------------------------------------------------------\n")

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "EMOTION\tCOUNT\tSHARE")
	total := rec.Counts.Total()
	for _, cat := range types.AllCategories {
		n := rec.Counts[cat]
		share := 0.0
		if total > 0 {
			share = 100 * float64(n) / float64(total)
		}
		fmt.Fprintf(tw, "%s\t%d\t%.1f%%\n", cat, n, share)
	}
	tw.Flush()

	fmt.Fprintf(w, "---------------------------------------------------------\n")
	if dominant, ok := rec.Counts.Dominant(); ok {
		fmt.Fprintf(w, "🏆 Dominant Emotion:        %s\n", dominant)
	}
	fmt.Fprintf(w, "🎞️  Frames Read / Analyzed:  %d / %d\n", rec.FramesSampled, rec.FramesAnalyzed)
	fmt.Fprintf(w, "👁️  Total Face Detections:   %d\n", rec.Detections)
	if rec.ClassifyErrors > 0 {
		fmt.Fprintf(w, "⚠️  Classification Errors:   %d\n", rec.ClassifyErrors)
	}
	fmt.Fprintf(w, "⏱️  Elapsed:                 %s\n", fmtTime(rec.EndedAt.Sub(rec.StartedAt).Seconds()))
	fmt.Fprintf(w, "---------------------------------------------------------\n")
}

// validateScanFlags ensures all CLI arguments are valid before starting heavy processes.
func validateScanFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			utils.ShowError("Input file does not exist", err, nil)
			return err
		}
		utils.ShowError("Unable to access input file", err, nil)
		return err
	}
	if info.IsDir() {
		err := fmt.Errorf("%s is a directory", opts.InputPath)
		utils.ShowError("Input path is a directory, expected a video file", err, nil)
		return err
	}
	if opts.NthFrame < 1 {
		err := fmt.Errorf("must be >= 1, got %d", opts.NthFrame)
		utils.ShowError("Invalid nth-frame interval", err, nil)
		return err
	}
	if opts.NumEngines < 1 {
		opts.NumEngines = 1
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
