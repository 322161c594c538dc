package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ctxsync/internal/model"
	"github.com/sells-group/ctxsync/internal/prune"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Run a pruning pass over normal, debug and checkpoint-ref records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		env, err := initRecordsEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		engine := prune.New(env.Records, env.Store, env.Events, prune.NewPolicy(
			cfg.Pruning.NormalMaxAgeHours,
			cfg.Pruning.DebugMaxAgeHours,
			cfg.Pruning.CheckpointRefsPerChain,
		))
		now := time.Now().UTC()

		if dryRun {
			candidates := engine.Plan(now)
			if len(candidates) == 0 {
				fmt.Fprintln(os.Stderr, "Nothing to prune.")
				return nil
			}
			formatCandidates(os.Stdout, candidates)
			return nil
		}

		res, err := engine.Pass(ctx, now)
		if err != nil {
			return eris.Wrap(err, "prune")
		}
		fmt.Fprintf(os.Stdout, "Pass %s deleted %d records (normal %d, debug %d, checkpoint_ref %d)\n",
			res.PassID, res.Total(),
			res.Deleted[model.TierNormal], res.Deleted[model.TierDebug], res.Deleted[model.TierCheckpointRef])
		return nil
	},
}

func formatCandidates(out io.Writer, recs []model.DerivedRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIER\tCHAIN\tLAST_ACCESS")
	for _, r := range recs {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.ID, r.Tier, orDash(r.Chain), r.LastAccessedAt.Format(time.DateTime))
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\n%d records would be pruned.\n", len(recs))
}

func init() {
	pruneCmd.Flags().Bool("dry-run", false, "list candidates without deleting")
	rootCmd.AddCommand(pruneCmd)
}
