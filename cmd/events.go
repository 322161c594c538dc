package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/ctxsync/internal/model"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Query the event log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := eventFilterFromFlags(cmd, time.Now())
		if err != nil {
			return err
		}

		env, err := initRecordsEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		events, err := env.Events.Query(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "events")
		}
		if len(events) == 0 {
			fmt.Fprintln(os.Stderr, "No events found.")
			return nil
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			writeJSON(os.Stdout, events)
			return nil
		}
		formatEvents(os.Stdout, events)
		return nil
	},
}

// eventFilterFromFlags builds a filter. --since is relative to now and loses
// to an explicit --from.
func eventFilterFromFlags(cmd *cobra.Command, now time.Time) (model.EventFilter, error) {
	entity, _ := cmd.Flags().GetString("entity")
	kind, _ := cmd.Flags().GetString("kind")
	limit, _ := cmd.Flags().GetInt("limit")
	since, _ := cmd.Flags().GetDuration("since")
	from, _ := cmd.Flags().GetString("from")
	to, _ := cmd.Flags().GetString("to")

	filter := model.EventFilter{EntityID: entity, Kind: model.EventKind(kind), Limit: limit}
	if since > 0 {
		filter.From = now.Add(-since)
	}
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return filter, eris.Wrap(err, "events: parse --from")
		}
		filter.From = t
	}
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return filter, eris.Wrap(err, "events: parse --to")
		}
		filter.To = t
	}
	return filter, nil
}

func formatEvents(out io.Writer, events []model.Event) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "TIME\tKIND\tENTITY\tPAYLOAD")
	for _, e := range events {
		payload := ""
		if len(e.Payload) > 0 {
			b, _ := json.Marshal(e.Payload)
			payload = truncate(string(b), 100)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
			e.OccurredAt.Format(time.RFC3339),
			e.Kind,
			orDash(e.EntityID),
			payload,
		)
	}
	_ = w.Flush()
}

func init() {
	f := eventsCmd.Flags()
	f.String("entity", "", "filter by entity id")
	f.String("kind", "", "filter by event kind (e.g. cycle.report)")
	f.String("from", "", "start of range (RFC3339)")
	f.String("to", "", "end of range (RFC3339)")
	f.Duration("since", 0, "only events newer than this (e.g. 24h)")
	f.Int("limit", 50, "maximum events to return")
	f.Bool("json", false, "print events as JSON")
	rootCmd.AddCommand(eventsCmd)
}
