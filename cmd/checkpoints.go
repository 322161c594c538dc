package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ctxsync/internal/checkpoint"
	"github.com/sells-group/ctxsync/internal/model"
)

var checkpointsCmd = &cobra.Command{
	Use:     "checkpoints",
	Aliases: []string{"cp"},
	Short:   "List, create and restore checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List retained checkpoints, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cps, err := env.Checkpoints.List(ctx)
		if err != nil {
			return eris.Wrap(err, "checkpoints list")
		}
		if len(cps) == 0 {
			fmt.Fprintln(os.Stderr, "No checkpoints found.")
			return nil
		}
		formatCheckpoints(os.Stdout, cps)
		return nil
	},
}

var checkpointsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Checkpoint the current records and source revision",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		label, _ := cmd.Flags().GetString("label")

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		cp, err := env.Checkpoints.Create(ctx, label)
		if err != nil {
			return eris.Wrap(err, "checkpoints create")
		}
		fmt.Fprintf(os.Stdout, "Created checkpoint %s at %s (%d records)\n", cp.ID, cp.SourceRevision, len(cp.Records))
		if cp.Provisional {
			fmt.Fprintln(os.Stderr, "Working tree is dirty: checkpoint is provisional and cannot be restored.")
		}
		return nil
	},
}

var checkpointsRestoreCmd = &cobra.Command{
	Use:   "restore [checkpoint-id]",
	Short: "Restore a checkpoint (default: latest restorable)",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		var res checkpoint.RestoreResult
		if len(args) == 1 {
			res, err = env.Checkpoints.Restore(ctx, args[0])
		} else {
			res, err = env.Checkpoints.RestoreLatest(ctx)
		}
		if err != nil {
			return eris.Wrap(err, "checkpoints restore")
		}
		formatRestore(os.Stdout, res)
		return nil
	},
}

func formatCheckpoints(out io.Writer, cps []model.Checkpoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SEQ\tID\tREVISION\tLABEL\tRECORDS\tPROVISIONAL\tCREATED")
	for _, cp := range cps {
		prov := ""
		if cp.Provisional {
			prov = "yes"
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%s\t%s\n",
			cp.Seq,
			truncate(cp.ID, 16),
			truncate(cp.SourceRevision, 12),
			orDash(cp.Label),
			len(cp.Records),
			prov,
			cp.CreatedAt.Format(time.DateTime),
		)
	}
	_ = w.Flush()
}

func formatRestore(out io.Writer, res checkpoint.RestoreResult) {
	_, _ = fmt.Fprintf(out, "Restored checkpoint %s at %s\n", res.Checkpoint.ID, res.Checkpoint.SourceRevision)
	_, _ = fmt.Fprintf(out, "  fresh:      %d\n", len(res.Fresh))
	_, _ = fmt.Fprintf(out, "  staled:     %d\n", len(res.Staled))
	_, _ = fmt.Fprintf(out, "  reinstated: %d\n", len(res.Reinstated))
	if len(res.Missing) > 0 {
		_, _ = fmt.Fprintf(out, "  missing:    %d %v\n", len(res.Missing), res.Missing)
	}
}

func init() {
	checkpointsCreateCmd.Flags().String("label", "", "checkpoint label")
	checkpointsCmd.AddCommand(checkpointsListCmd, checkpointsCreateCmd, checkpointsRestoreCmd)
	rootCmd.AddCommand(checkpointsCmd)
}
