package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/andresmejia3/moodlens/internal/store"
	"github.com/andresmejia3/moodlens/internal/types"
	"github.com/andresmejia3/moodlens/internal/utils"
)

var (
	runsLimit     int
	runsPruneDays int
)

var runsCmd = &cobra.Command{
	Use:         "runs",
	Short:       "List recorded analysis runs",
	Annotations: map[string]string{annotationDB: dbRequired},
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		ctx := cmd.Context()

		if runsPruneDays > 0 {
			cutoff := time.Now().AddDate(0, 0, -runsPruneDays)
			n, err := DB.PruneBefore(ctx, cutoff)
			if err != nil {
				utils.ShowError("Failed to prune runs", err, nil)
				return err
			}
			fmt.Fprintf(os.Stderr, "🧹 Pruned %d runs older than %s\n", n, cutoff.Local().Format("2006-01-02"))
		}

		runs, err := DB.ListRuns(ctx, runsLimit)
		if err != nil {
			utils.ShowError("Failed to list runs", err, nil)
			return err
		}
		printRuns(os.Stdout, runs)
		return nil
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "l", store.DefaultListLimit, "Number of runs to show, newest first")
	runsCmd.Flags().IntVar(&runsPruneDays, "prune-days", 0, "Delete runs that started more than this many days ago before listing")
	rootCmd.AddCommand(runsCmd)
}

func printRuns(w io.Writer, runs []types.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs found in database.")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "ID\tMODE\tSOURCE\tSTARTED\tDURATION\tFRAMES\tFACES\tDOMINANT")
	fmt.Fprintln(tw, "--\t----\t------\t-------\t--------\t------\t-----\t--------")

	for _, r := range runs {
		dominant := "-"
		if cat, ok := r.Counts.Dominant(); ok {
			dominant = string(cat)
		}
		if r.Error != "" {
			dominant += " (" + r.Error + ")"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%d/%d\t%d\t%s\n",
			r.ID, r.Mode, r.Source,
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			fmtTime(r.EndedAt.Sub(r.StartedAt).Seconds()),
			r.FramesAnalyzed, r.FramesSampled, r.Detections, dominant)
	}
	tw.Flush()
}
