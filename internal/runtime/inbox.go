package runtime

import (
	"context"

	"github.com/rzbill/steward/internal/journal"
)

// InboxTopic is the journal topic holding one-way calls received by the actor.
const InboxTopic = "inbox"

// Receive durably records a one-way call addressed to this actor. The
// returned sequence acknowledges the call to the sender.
func (r *Runtime) Receive(ctx context.Context, destination, method string, payload []byte) (uint64, error) {
	seqs, err := r.state.Inbox.Append(ctx, journal.Event{
		Kind:    journal.KindReceived,
		Subject: destination,
		Detail:  method,
		Payload: payload,
		At:      r.clock.Now(),
	})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// Inbox reads received calls starting at seq.
func (r *Runtime) Inbox(start uint64, limit int) ([]journal.Event, uint64, error) {
	return r.state.Inbox.Read(journal.ReadOptions{Start: start, Limit: limit})
}
