package client

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rzbill/steward/internal/journal"
	"github.com/rzbill/steward/internal/reservation"
)

type outcome struct {
	Reservation reservation.Reservation `json:"reservation"`
	Receipt     struct {
		ID string `json:"id"`
	} `json:"receipt"`
}

func printOutcome(w io.Writer, o outcome) {
	fmt.Fprintf(w, "%s %s claimed %d on %s (receipt %s)\n",
		okColor.Sprint("committed"), o.Reservation.ClaimantID, o.Reservation.Amount, o.Reservation.SubjectID, o.Receipt.ID)
}

// describeClaimErr adds the retry hint the API returns with saga failures.
func describeClaimErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Retryable {
		return fmt.Errorf("%w (safe to retry)", err)
	}
	return err
}

func kindColor(k journal.Kind) *color.Color {
	switch k {
	case journal.KindCommitted:
		return okColor
	case journal.KindRolledBack, journal.KindNotifyFailed:
		return warnColor
	case journal.KindFinalizeFailed:
		return errColor
	default:
		return dimColor
	}
}

// NewClaimCommand returns the `claim` command group for prizes and swaps.
func NewClaimCommand(baseURL BaseURLFunc) *cobra.Command {
	a := newAPI(baseURL)
	cmd := &cobra.Command{Use: "claim", Short: "Prize and swap claims"}

	addPrize := &cobra.Command{
		Use:   "add-prize <id> <amount>...",
		Short: "Open a prize pool",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			amounts := make([]uint64, 0, len(args)-1)
			for _, s := range args[1:] {
				n, err := strconv.ParseUint(s, 10, 64)
				if err != nil {
					return fmt.Errorf("invalid amount %q", s)
				}
				amounts = append(amounts, n)
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			body := map[string]any{"id": args[0], "amounts": amounts, "ends_at": time.Now().Add(ttl)}
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/prizes", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "prize %s open with %d amounts\n", args[0], len(amounts))
			return nil
		},
	}
	addPrize.Flags().Duration("ttl", 24*time.Hour, "How long the prize stays claimable")

	claimPrize := &cobra.Command{
		Use:   "prize <id> <user>",
		Short: "Claim a prize for a user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o outcome
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/prizes/"+args[0]+"/claim", map[string]string{"user": args[1]}, &o); err != nil {
				return describeClaimErr(err)
			}
			printOutcome(cmd.OutOrStdout(), o)
			return nil
		},
	}

	offer := &cobra.Command{
		Use:   "offer-swap <id> <offerer> <amount>",
		Short: "Offer a swap",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseUint(args[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid amount %q", args[2])
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")
			body := map[string]any{"id": args[0], "offerer": args[1], "amount": amount, "expires_at": time.Now().Add(ttl)}
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/swaps", body, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swap %s offered\n", args[0])
			return nil
		},
	}
	offer.Flags().Duration("ttl", time.Hour, "How long the offer stays open")

	accept := &cobra.Command{
		Use:   "accept-swap <id> <user>",
		Short: "Accept an open swap",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var o outcome
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/swaps/"+args[0]+"/accept", map[string]string{"user": args[1]}, &o); err != nil {
				return describeClaimErr(err)
			}
			printOutcome(cmd.OutOrStdout(), o)
			return nil
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel-swap <id>",
		Short: "Cancel an open swap",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/swaps/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "swap %s cancelled\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(addPrize, claimPrize, offer, accept, cancel)
	return cmd
}

// NewReservationCommand returns the `reservation` command group.
func NewReservationCommand(baseURL BaseURLFunc) *cobra.Command {
	a := newAPI(baseURL)
	cmd := &cobra.Command{Use: "reservation", Short: "Inspect and repair saga reservations"}

	get := &cobra.Command{
		Use:   "get <kind> <subject> <claimant>",
		Short: "Show the reservation of a claimant on a subject",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r reservation.Reservation
			q := url.Values{"subject": {args[1]}, "claimant": {args[2]}}
			if err := a.get(cmd.Context(), "/v1/reservations/"+args[0], q, &r); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), r)
		},
	}

	stale := &cobra.Command{
		Use:   "stale <kind>",
		Short: "List reservations stuck in the reserved state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			age, _ := cmd.Flags().GetDuration("age")
			var res struct {
				Reservations []reservation.Reservation `json:"reservations"`
			}
			if err := a.get(cmd.Context(), "/v1/reservations/"+args[0]+"/stale", url.Values{"age": {age.String()}}, &res); err != nil {
				return err
			}
			if len(res.Reservations) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), okColor.Sprint("no stale reservations"))
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TOKEN\tSUBJECT\tCLAIMANT\tAMOUNT\tAGE")
			for _, r := range res.Reservations {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Token, r.SubjectID, r.ClaimantID, r.Amount,
					warnColor.Sprint(time.Since(r.CreatedAt).Truncate(time.Second)))
			}
			return tw.Flush()
		},
	}
	stale.Flags().Duration("age", 10*time.Minute, "Minimum age")

	rollback := &cobra.Command{
		Use:   "rollback <kind> <token>",
		Short: "Roll back a reserved reservation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			var r reservation.Reservation
			if err := a.send(cmd.Context(), http.MethodPost, "/v1/reservations/"+args[0]+"/"+args[1]+"/rollback", map[string]string{"reason": reason}, &r); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", warnColor.Sprint("rolled back"), r.Token, r.Reason)
			return nil
		},
	}
	rollback.Flags().String("reason", "operator", "Reason recorded in the journal")

	cmd.AddCommand(get, stale, rollback)
	return cmd
}

// NewJournalCommand returns the `journal` command that pages saga events.
func NewJournalCommand(baseURL BaseURLFunc) *cobra.Command {
	a := newAPI(baseURL)
	c := &cobra.Command{
		Use:   "journal",
		Short: "Print saga journal events",
		RunE: func(cmd *cobra.Command, _ []string) error {
			start, _ := cmd.Flags().GetUint64("start")
			limit, _ := cmd.Flags().GetInt("limit")
			inbox, _ := cmd.Flags().GetBool("inbox")
			path := "/v1/journal"
			if inbox {
				path = "/v1/inbox"
			}
			var page struct {
				Events    []journal.Event `json:"events"`
				NextStart uint64          `json:"next_start"`
			}
			q := url.Values{"start": {strconv.FormatUint(start, 10)}, "limit": {strconv.Itoa(limit)}}
			if err := a.get(cmd.Context(), path, q, &page); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range page.Events {
				fmt.Fprintf(out, "%6d %s %-14s %s %s %d %s\n", ev.Seq, ev.At.Format(time.RFC3339), kindColor(ev.Kind).Sprint(ev.Kind), ev.Subject, ev.Claimant, ev.Amount, ev.Detail)
			}
			if page.NextStart != 0 {
				fmt.Fprintln(out, dimColor.Sprintf("more: --start %d", page.NextStart))
			}
			return nil
		},
	}
	c.Flags().Uint64("start", 0, "First sequence to read")
	c.Flags().Int("limit", 50, "Max events")
	c.Flags().Bool("inbox", false, "Read received calls instead of saga events")
	return c
}
