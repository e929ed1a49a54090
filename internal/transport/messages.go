package transport

import (
	"github.com/rzbill/steward/internal/fleet"
	"github.com/rzbill/steward/internal/saga"
)

// CallRequest is a one-way notification.
type CallRequest struct {
	Destination string `cbor:"1,keyasint"`
	Method      string `cbor:"2,keyasint"`
	Payload     []byte `cbor:"3,keyasint,omitempty"`
}

type CallReply struct{}

type InstallReply struct {
	TopUp *fleet.TopUp `cbor:"1,keyasint,omitempty"`
}

// Decline is a definitive refusal from a ledger.
type Decline struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
}

type TransferReply struct {
	Receipt  saga.Receipt `cbor:"1,keyasint"`
	Declined *Decline     `cbor:"2,keyasint,omitempty"`
}

type BalanceRequest struct {
	WorkerID string `cbor:"1,keyasint"`
}

type BalanceReply struct {
	Balance uint64 `cbor:"1,keyasint"`
}
