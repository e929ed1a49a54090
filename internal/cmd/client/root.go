package client

import (
	"github.com/spf13/cobra"
)

// NewRoot constructs a root Cobra command for the steward client.
// It registers the fleet, outbox, claim and reservation command groups.
func NewRoot(baseURL BaseURLFunc) *cobra.Command {
	root := &cobra.Command{
		Use:   "steward",
		Short: "Steward client commands",
	}
	AddCommands(root, baseURL)
	return root
}

// AddCommands attaches every client command group to parent.
func AddCommands(parent *cobra.Command, baseURL BaseURLFunc) {
	parent.AddCommand(NewFleetCommand(baseURL))
	parent.AddCommand(NewOutboxCommand(baseURL))
	parent.AddCommand(NewClaimCommand(baseURL))
	parent.AddCommand(NewReservationCommand(baseURL))
	parent.AddCommand(NewJournalCommand(baseURL))
}
