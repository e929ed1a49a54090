package grpcserver

import (
	"context"

	"github.com/rzbill/steward/internal/runtime"
	"github.com/rzbill/steward/internal/transport"
	"github.com/rzbill/steward/pkg/log"
)

// inbox serves the actor transport on the receiving side. One-way calls are
// journaled before they are acknowledged; ledger and worker methods belong to
// other services and stay unimplemented here.
type inbox struct {
	transport.UnimplementedHandler
	rt     *runtime.Runtime
	logger log.Logger
}

func (h *inbox) CallOneWay(ctx context.Context, req transport.CallRequest) error {
	seq, err := h.rt.Receive(ctx, req.Destination, req.Method, req.Payload)
	if err != nil {
		h.logger.Error("inbox append failed", log.Str("method", req.Method), log.Err(err))
		return err
	}
	h.logger.Debug("call received", log.Str("destination", req.Destination), log.Str("method", req.Method), log.Uint64("seq", seq))
	return nil
}
