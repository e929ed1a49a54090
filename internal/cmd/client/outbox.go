package client

import (
	"fmt"
	"net/url"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rzbill/steward/internal/outbox"
)

// NewOutboxCommand returns the `outbox` command group.
func NewOutboxCommand(baseURL BaseURLFunc) *cobra.Command {
	a := newAPI(baseURL)
	cmd := &cobra.Command{Use: "outbox", Short: "Undelivered notifications"}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show outbox counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st outbox.Stats
			if err := a.get(cmd.Context(), "/v1/outbox/stats", nil, &st); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pending := fmt.Sprint(st.Pending)
			if st.Pending > 0 {
				pending = warnColor.Sprint(pending)
			}
			fmt.Fprintf(out, "pending:      %s (%d in flight, %d destinations)\n", pending, st.InFlight, st.Destinations)
			fmt.Fprintf(out, "delivered:    %s\n", okColor.Sprint(st.Delivered))
			fmt.Fprintf(out, "retried:      %d\n", st.Retried)
			dropped := fmt.Sprint(st.Dropped)
			if st.Dropped > 0 {
				dropped = errColor.Sprint(dropped)
			}
			fmt.Fprintf(out, "dropped:      %s\n", dropped)
			fmt.Fprintf(out, "retry job:    %v\n", st.JobActive)
			return nil
		},
	}

	queue := &cobra.Command{
		Use:   "queue <destination>",
		Short: "List queued notifications for a destination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var res struct {
				Entries []outbox.Entry `json:"entries"`
			}
			if err := a.get(cmd.Context(), "/v1/outbox/queue", url.Values{"destination": {args[0]}}, &res); err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "METHOD\tATTEMPTS\tDUE\tLAST ERROR")
			for _, e := range res.Entries {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.Method, e.Attempts, e.DueAt.Format(time.RFC3339), e.LastError)
			}
			return tw.Flush()
		},
	}
	queue.Flags().Bool("json", false, "Print raw JSON")

	cmd.AddCommand(stats, queue)
	return cmd
}
