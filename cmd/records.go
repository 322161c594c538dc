package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ctxsync/internal/model"
)

var recordsCmd = &cobra.Command{
	Use:   "records",
	Short: "Inspect and curate derived records",
}

// -- records list --

var recordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List derived records",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		var tier model.Tier
		if t, _ := cmd.Flags().GetString("tier"); t != "" {
			parsed, err := model.ParseTier(t)
			if err != nil {
				return err
			}
			tier = parsed
		}

		env, err := initRecordsEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		recs := env.Records.List(tier)
		if stale, _ := cmd.Flags().GetBool("stale"); stale {
			filtered := recs[:0]
			for _, r := range recs {
				if r.Stale {
					filtered = append(filtered, r)
				}
			}
			recs = filtered
		}

		if len(recs) == 0 {
			fmt.Fprintln(os.Stderr, "No records found.")
			return nil
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			writeJSON(os.Stdout, recs)
			return nil
		}
		formatRecordsList(os.Stdout, recs)
		return nil
	},
}

// -- records promote --

var recordsPromoteCmd = &cobra.Command{
	Use:   "promote <id> <tier>",
	Short: "Move a record to the critical or normal tier",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		tier, err := model.ParseTier(args[1])
		if err != nil {
			return err
		}

		env, err := initRecordsEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec, err := env.Curation.Promote(ctx, args[0], tier)
		if err != nil {
			return eris.Wrap(err, "records promote")
		}
		fmt.Fprintf(os.Stdout, "Promoted %s to %s\n", rec.ID, rec.Tier)
		return nil
	},
}

// -- records delete --

var recordsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a record (critical records need --force)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		force, _ := cmd.Flags().GetBool("force")

		env, err := initRecordsEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Curation.Delete(ctx, args[0], force); err != nil {
			return eris.Wrap(err, "records delete")
		}
		fmt.Fprintf(os.Stdout, "Deleted %s\n", args[0])
		return nil
	},
}

// -- records put --

var recordsPutCmd = &cobra.Command{
	Use:   "put <id>",
	Short: "Store a derived record and clear its stale flag",
	Long: `Store a record produced by a deriver. The record keeps origin derived
unless a human already curated it. --payload-file - reads the payload from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		rec := model.DerivedRecord{ID: args[0]}
		if t, _ := cmd.Flags().GetString("tier"); t != "" {
			tier, err := model.ParseTier(t)
			if err != nil {
				return err
			}
			rec.Tier = tier
		}
		rec.SourcePaths, _ = cmd.Flags().GetStringSlice("paths")

		payload, err := readPayload(cmd)
		if err != nil {
			return err
		}
		rec.Payload = payload

		env, err := initRecordsEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		out, err := env.Curation.Derive(ctx, rec)
		if err != nil {
			return eris.Wrap(err, "records put")
		}
		fmt.Fprintf(os.Stdout, "Stored %s (%s)\n", out.ID, out.Tier)
		return nil
	},
}

func readPayload(cmd *cobra.Command) ([]byte, error) {
	file, _ := cmd.Flags().GetString("payload-file")
	if file == "" {
		p, _ := cmd.Flags().GetString("payload")
		if p == "" {
			return nil, nil
		}
		return []byte(p), nil
	}
	if cmd.Flags().Changed("payload") {
		return nil, eris.New("records put: --payload and --payload-file are exclusive")
	}
	if file == "-" {
		b, err := io.ReadAll(cmd.InOrStdin())
		return b, eris.Wrap(err, "records put: read stdin")
	}
	b, err := os.ReadFile(file)
	return b, eris.Wrapf(err, "records put: read %s", file)
}

func formatRecordsList(out io.Writer, recs []model.DerivedRecord) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTIER\tORIGIN\tSTALE\tACCESSES\tLAST_ACCESS\tSOURCES")
	for _, r := range recs {
		stale := ""
		if r.Stale {
			stale = "yes"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID,
			r.Tier,
			r.Origin,
			stale,
			r.AccessCount,
			r.LastAccessedAt.Format(time.DateTime),
			truncate(strings.Join(r.SourcePaths, ","), 60),
		)
	}
	_ = w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	recordsListCmd.Flags().String("tier", "", "filter by tier (critical, normal, debug, checkpoint_ref)")
	recordsListCmd.Flags().Bool("stale", false, "only stale records")
	recordsListCmd.Flags().Bool("json", false, "print records as JSON")
	recordsDeleteCmd.Flags().Bool("force", false, "allow deleting critical records")

	recordsPutCmd.Flags().String("tier", "", "record tier (critical, normal, debug); defaults to normal")
	recordsPutCmd.Flags().StringSlice("paths", nil, "source paths the record was derived from")
	recordsPutCmd.Flags().String("payload", "", "record payload")
	recordsPutCmd.Flags().String("payload-file", "", "read the payload from a file, - for stdin")

	recordsCmd.AddCommand(recordsListCmd, recordsPromoteCmd, recordsPutCmd, recordsDeleteCmd)
	rootCmd.AddCommand(recordsCmd)
}
