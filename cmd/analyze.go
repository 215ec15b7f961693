package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/moodlens/internal/imaging"
	"github.com/andresmejia3/moodlens/internal/stream"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils"
	"github.com/andresmejia3/moodlens/internal/worker"
)

var analyzeJSON bool

var analyzeCmd = &cobra.Command{
	Use:   "analyze <image>",
	Short: "Classify the faces in a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true

		data, err := os.ReadFile(args[0])
		if err != nil {
			utils.ShowError("Failed to read image", err, nil)
			return err
		}
		frame, err := imaging.Prepare(data, cfg.MaxFrameDimension)
		if err != nil {
			utils.ShowError("Unsupported image", err, nil)
			return err
		}

		pool, err := worker.NewPool(1, cfg.Worker(), logger)
		if err != nil {
			utils.ShowError("Worker startup failed", err, nil)
			return err
		}
		defer pool.Close()

		dets, err := pool.Classify(cmd.Context(), frame.Data)
		if err != nil {
			utils.ShowError("Classification failed", err, nil)
			return err
		}

		if analyzeJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stream.NewResult(dets, time.Now()))
		}
		printDetections(os.Stdout, dets)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the averaged emotion scores as JSON")
	rootCmd.AddCommand(analyzeCmd)
}

// printDetections writes one row per face followed by the category counts.
func printDetections(w io.Writer, dets []types.Detection) {
	if len(dets) == 0 {
		fmt.Fprintln(w, "No faces detected.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "FACE\tBOX (l,t,r,b)\tEMOTION\tCONFIDENCE")
	for i, d := range dets {
		r := d.Region
		fmt.Fprintf(tw, "%d\t%d,%d,%d,%d\t%s\t%.2f\n", i+1, r[0], r[1], r[2], r[3], d.Category, d.Confidence)
	}
	tw.Flush()

	counts := types.NewCounts()
	for _, d := range dets {
		counts[d.Category]++
	}
	fmt.Fprintln(w)
	for _, cat := range types.AllCategories {
		fmt.Fprintf(w, "%-10s %d\n", cat, counts[cat])
	}
}
