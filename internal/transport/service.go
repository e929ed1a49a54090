package transport

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/rzbill/steward/internal/fleet"
	"github.com/rzbill/steward/internal/saga"
)

const serviceName = "steward.actor.v1.Actor"

const (
	methodCallOneWay = "/" + serviceName + "/CallOneWay"
	methodInstall    = "/" + serviceName + "/Install"
	methodTransfer   = "/" + serviceName + "/Transfer"
	methodBalance    = "/" + serviceName + "/Balance"
)

// Handler serves inbound actor calls. Transfer reports a refusal by
// returning *saga.TransferDeclined.
type Handler interface {
	CallOneWay(ctx context.Context, req CallRequest) error
	Install(ctx context.Context, req fleet.InstallRequest) (*fleet.TopUp, error)
	Transfer(ctx context.Context, req saga.TransferRequest) (saga.Receipt, error)
	Balance(ctx context.Context, workerID string) (uint64, error)
}

// UnimplementedHandler answers every call with codes.Unimplemented. Embed
// it to serve a subset.
type UnimplementedHandler struct{}

func (UnimplementedHandler) CallOneWay(context.Context, CallRequest) error {
	return status.Error(codes.Unimplemented, "CallOneWay not implemented")
}

func (UnimplementedHandler) Install(context.Context, fleet.InstallRequest) (*fleet.TopUp, error) {
	return nil, status.Error(codes.Unimplemented, "Install not implemented")
}

func (UnimplementedHandler) Transfer(context.Context, saga.TransferRequest) (saga.Receipt, error) {
	return saga.Receipt{}, status.Error(codes.Unimplemented, "Transfer not implemented")
}

func (UnimplementedHandler) Balance(context.Context, string) (uint64, error) {
	return 0, status.Error(codes.Unimplemented, "Balance not implemented")
}

// Register adds the actor service to s.
func Register(s grpc.ServiceRegistrar, h Handler) {
	s.RegisterService(&serviceDesc, h)
}

// toStatus keeps status errors and maps the rest.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, fleet.ErrWorkerNotFound):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func unary[Req, Reply any](call func(h Handler, ctx context.Context, req *Req) (*Reply, error), method string) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		h := srv.(Handler)
		if interceptor == nil {
			return call(h, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(h, ctx, req.(*Req))
		})
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Handler)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "CallOneWay",
			Handler: unary(func(h Handler, ctx context.Context, req *CallRequest) (*CallReply, error) {
				if err := h.CallOneWay(ctx, *req); err != nil {
					return nil, toStatus(err)
				}
				return &CallReply{}, nil
			}, methodCallOneWay),
		},
		{
			MethodName: "Install",
			Handler: unary(func(h Handler, ctx context.Context, req *fleet.InstallRequest) (*InstallReply, error) {
				topUp, err := h.Install(ctx, *req)
				if err != nil {
					return nil, toStatus(err)
				}
				return &InstallReply{TopUp: topUp}, nil
			}, methodInstall),
		},
		{
			MethodName: "Transfer",
			Handler: unary(func(h Handler, ctx context.Context, req *saga.TransferRequest) (*TransferReply, error) {
				receipt, err := h.Transfer(ctx, *req)
				var declined *saga.TransferDeclined
				if errors.As(err, &declined) {
					return &TransferReply{Declined: &Decline{Code: declined.Code, Message: declined.Message}}, nil
				}
				if err != nil {
					return nil, toStatus(err)
				}
				return &TransferReply{Receipt: receipt}, nil
			}, methodTransfer),
		},
		{
			MethodName: "Balance",
			Handler: unary(func(h Handler, ctx context.Context, req *BalanceRequest) (*BalanceReply, error) {
				bal, err := h.Balance(ctx, req.WorkerID)
				if err != nil {
					return nil, toStatus(err)
				}
				return &BalanceReply{Balance: bal}, nil
			}, methodBalance),
		},
	},
	Metadata: "steward/actor/v1/actor",
}
