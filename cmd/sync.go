package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/ctxsync/internal/syncer"
)

var syncJSON bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle",
	Long:  "Confirms the source revision, validates, scores drift, prunes, checkpoints and reports.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, runErr := env.Cycles.Run(ctx)
		if rep != nil {
			if syncJSON {
				writeJSON(os.Stdout, rep)
			} else {
				formatReport(os.Stdout, rep)
			}
		}
		return runErr
	},
}

func writeJSON(out io.Writer, v any) {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func formatReport(out io.Writer, rep *syncer.Report) {
	_, _ = fmt.Fprintf(out, "Cycle:      %s\n", rep.CycleID)
	_, _ = fmt.Fprintf(out, "Outcome:    %s\n", rep.Outcome)
	_, _ = fmt.Fprintf(out, "Revision:   %s\n", orDash(rep.Revision))
	_, _ = fmt.Fprintf(out, "Baseline:   %s\n", orDash(rep.Baseline))
	_, _ = fmt.Fprintf(out, "Drift:      %.3f (threshold %.2f)\n", rep.Drift.Score, rep.Drift.Threshold)
	_, _ = fmt.Fprintf(out, "Stale:      %d\n", len(rep.Staled))
	_, _ = fmt.Fprintf(out, "Pruned:     %d\n", prunedTotal(rep))
	_, _ = fmt.Fprintf(out, "Checkpoint: %s\n", orDash(rep.CheckpointID))
	_, _ = fmt.Fprintf(out, "Duration:   %s\n", rep.Duration.Round(time.Millisecond))
	if rep.Error != "" {
		_, _ = fmt.Fprintf(out, "Error:      %s\n", rep.Error)
	}
	_, _ = fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tERROR")
	for _, s := range rep.Steps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Name, s.Status, s.Duration.Round(time.Millisecond), s.Error)
	}
	_ = w.Flush()
}

func prunedTotal(rep *syncer.Report) int {
	n := 0
	for _, c := range rep.Pruned {
		n += c
	}
	return n
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func init() {
	syncCmd.Flags().BoolVar(&syncJSON, "json", false, "print the cycle report as JSON")
	rootCmd.AddCommand(syncCmd)
}
