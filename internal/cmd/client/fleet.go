package client

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rzbill/steward/internal/fleet"
)

var (
	okColor   = color.New(color.FgGreen)
	warnColor = color.New(color.FgYellow)
	errColor  = color.New(color.FgRed)
	dimColor  = color.New(color.Faint)
)

// NewFleetCommand returns the `fleet` command group.
func NewFleetCommand(baseURL BaseURLFunc) *cobra.Command {
	a := newAPI(baseURL)
	cmd := &cobra.Command{Use: "fleet", Short: "Worker fleet upgrades"}
	cmd.AddCommand(
		newFleetStatusCommand(a),
		newFleetWorkersCommand(a),
		newFleetJoinCommand(a),
		newFleetLeaveCommand(a),
		newFleetResolveCommand(a),
		newFleetTargetCommand(a),
		newFleetEnqueueCommand(a),
		newFleetTickCommand(a),
		newFleetUploadCommand(a),
	)
	return cmd
}

func newFleetStatusCommand(a *api) *cobra.Command {
	c := &cobra.Command{
		Use:   "status",
		Short: "Show scheduler queues and counters",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var st fleet.Status
			if err := a.get(cmd.Context(), "/v1/fleet/status", nil, &st); err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "in progress: %d/%d\n", st.InProgress, st.Concurrency)
			fmt.Fprintf(out, "pending:     %d %s\n", st.Pending, dimColor.Sprint(strings.Join(st.PendingIDs, " ")))
			fmt.Fprintf(out, "skipped:     %d %s\n", st.Skipped, dimColor.Sprint(strings.Join(st.SkippedIDs, " ")))
			fmt.Fprintf(out, "succeeded:   %s\n", okColor.Sprint(st.Succeeded))
			failed := fmt.Sprint(st.Failed)
			if st.Failed > 0 {
				failed = errColor.Sprint(failed)
			}
			fmt.Fprintf(out, "failed:      %s\n", failed)
			fmt.Fprintf(out, "top-ups:     %d\n", st.TopUps)
			return nil
		},
	}
	c.Flags().Bool("json", false, "Print raw JSON")
	return c
}

func newFleetWorkersCommand(a *api) *cobra.Command {
	c := &cobra.Command{
		Use:   "workers",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Workers []fleet.WorkerRecord `json:"workers"`
			}
			if err := a.get(cmd.Context(), "/v1/fleet/workers", nil, &res); err != nil {
				return err
			}
			if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
				return printJSON(cmd.OutOrStdout(), res)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCURRENT\tTARGET\tSTATE\tFAILURES")
			for _, w := range res.Workers {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\n", w.ID, w.CurrentVersion, w.TargetVersion, workerState(w), len(w.RecentFailures))
			}
			return tw.Flush()
		},
	}
	c.Flags().Bool("json", false, "Print raw JSON")
	return c
}

func workerState(w fleet.WorkerRecord) string {
	switch {
	case w.UpgradeInProgress:
		return warnColor.Sprint("upgrading")
	case w.UpToDate():
		return okColor.Sprint("current")
	case len(w.RecentFailures) > 0:
		return errColor.Sprint("failed")
	default:
		return warnColor.Sprint("outdated")
	}
}

func newFleetJoinCommand(a *api) *cobra.Command {
	c := &cobra.Command{
		Use:   "join <id>",
		Short: "Register a worker at its running version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("version")
			v, err := fleet.ParseVersion(raw)
			if err != nil {
				return err
			}
			var rec fleet.WorkerRecord
			body := map[string]any{"id": args[0], "version": v}
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/fleet/workers", body, &rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "joined %s at %s (target %s)\n", rec.ID, rec.CurrentVersion, rec.TargetVersion)
			return nil
		},
	}
	c.Flags().String("version", "0.0.0", "Version the worker runs")
	return c
}

func newFleetLeaveCommand(a *api) *cobra.Command {
	return &cobra.Command{
		Use:   "leave <id>",
		Short: "Remove a worker from the fleet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.send(cmd.Context(), http.MethodDelete, "/v1/fleet/workers/"+args[0], nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", args[0])
			return nil
		},
	}
}

func newFleetResolveCommand(a *api) *cobra.Command {
	c := &cobra.Command{
		Use:   "resolve <id>",
		Short: "Settle an upgrade left in progress by a restart",
		Long: "Records a stuck upgrade as failed, or with --skip releases its slot\n" +
			"without recording a failure. Upgrades still running are refused.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			skip, _ := cmd.Flags().GetBool("skip")
			reason, _ := cmd.Flags().GetString("reason")
			outcome := fleet.ResolveFailed
			if skip {
				outcome = fleet.ResolveSkipped
			}
			body := map[string]any{"outcome": outcome, "reason": reason}
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/fleet/workers/"+args[0]+"/resolve", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resolved %s as %s\n", args[0], warnColor.Sprint(outcome))
			return nil
		},
	}
	c.Flags().Bool("skip", false, "Release the slot without recording a failure")
	c.Flags().String("reason", "", "Failure reason to record")
	return c
}

func newFleetTargetCommand(a *api) *cobra.Command {
	return &cobra.Command{
		Use:   "target <version>",
		Short: "Set the fleet target version and queue stale workers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := fleet.ParseVersion(args[0])
			if err != nil {
				return err
			}
			var res struct {
				Queued []string `json:"queued"`
			}
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/fleet/target", map[string]any{"version": v}, &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "target %s, queued %d workers\n", v, len(res.Queued))
			return nil
		},
	}
}

func newFleetEnqueueCommand(a *api) *cobra.Command {
	c := &cobra.Command{
		Use:   "enqueue <id>",
		Short: "Queue a worker for upgrade",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/fleet/enqueue", map[string]any{"id": args[0], "force": force}, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %s\n", args[0])
			return nil
		},
	}
	c.Flags().Bool("force", false, "Reinstall even when the worker is up to date")
	return c
}

func newFleetTickCommand(a *api) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run one scheduling pass now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var res struct {
				Dispatched   int  `json:"dispatched"`
				Skipped      int  `json:"skipped"`
				Backpressure bool `json:"backpressure"`
			}
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/fleet/tick", nil, &res); err != nil {
				return err
			}
			if res.Backpressure {
				fmt.Fprintln(cmd.OutOrStdout(), warnColor.Sprint("backpressure: nothing dispatched"))
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dispatched %d, skipped %d\n", res.Dispatched, res.Skipped)
			return nil
		},
	}
}

func newFleetUploadCommand(a *api) *cobra.Command {
	c := &cobra.Command{
		Use:   "upload <version>",
		Short: "Store the worker binary for a version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				return fmt.Errorf("--file is required")
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return err
			}
			var res struct {
				Digest string `json:"digest"`
				Size   int    `json:"size"`
			}
			if err := a.do(cmd.Context(), http.MethodPut, "/v1/fleet/binaries/"+args[0], nil, bytes.NewReader(data), "application/octet-stream", &res); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s: %d bytes, blake3 %s\n", args[0], res.Size, res.Digest)
			return nil
		},
	}
	c.Flags().StringP("file", "f", "", "Path to the binary")
	return c
}
