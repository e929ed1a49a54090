package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/rzbill/steward/internal/fleet"
	"github.com/rzbill/steward/internal/saga"
)

// ErrNoRoute is returned when no peer serves a destination.
var ErrNoRoute = errors.New("transport: no route to destination")

// Client calls one peer.
type Client struct {
	conn grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(conn grpc.ClientConnInterface) *Client { return &Client{conn: conn} }

func (c *Client) invoke(ctx context.Context, method string, in, out any) error {
	return c.conn.Invoke(ctx, method, in, out, grpc.CallContentSubtype(CodecName))
}

// CallOneWay delivers a notification.
func (c *Client) CallOneWay(ctx context.Context, destination, method string, payload []byte) error {
	return c.invoke(ctx, methodCallOneWay, &CallRequest{Destination: destination, Method: method, Payload: payload}, &CallReply{})
}

// Install upgrades a worker.
func (c *Client) Install(ctx context.Context, req fleet.InstallRequest) (*fleet.TopUp, error) {
	var out InstallReply
	if err := c.invoke(ctx, methodInstall, &req, &out); err != nil {
		return nil, err
	}
	return out.TopUp, nil
}

// Transfer moves value. A refusal is returned as *saga.TransferDeclined.
func (c *Client) Transfer(ctx context.Context, req saga.TransferRequest) (saga.Receipt, error) {
	var out TransferReply
	if err := c.invoke(ctx, methodTransfer, &req, &out); err != nil {
		return saga.Receipt{}, err
	}
	if out.Declined != nil {
		return saga.Receipt{}, &saga.TransferDeclined{Code: out.Declined.Code, Message: out.Declined.Message}
	}
	return out.Receipt, nil
}

// Balance reports a worker's resource balance.
func (c *Client) Balance(ctx context.Context, workerID string) (uint64, error) {
	var out BalanceReply
	if err := c.invoke(ctx, methodBalance, &BalanceRequest{WorkerID: workerID}, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// DefaultDialOptions are used by Pool when none are given.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

type route struct {
	prefix string
	addr   string
}

// Pool routes destinations to peers by longest matching prefix and keeps
// one connection per peer address.
type Pool struct {
	routes []route
	opts   []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPool builds a pool from prefix to address routes. The empty prefix
// matches every destination.
func NewPool(routes map[string]string, opts ...grpc.DialOption) *Pool {
	if len(opts) == 0 {
		opts = DefaultDialOptions()
	}
	p := &Pool{opts: opts, conns: make(map[string]*grpc.ClientConn)}
	for prefix, addr := range routes {
		p.routes = append(p.routes, route{prefix: prefix, addr: addr})
	}
	sort.Slice(p.routes, func(i, j int) bool { return len(p.routes[i].prefix) > len(p.routes[j].prefix) })
	return p
}

// For returns the client serving destination.
func (p *Pool) For(destination string) (*Client, error) {
	addr := ""
	for _, r := range p.routes {
		if strings.HasPrefix(destination, r.prefix) {
			addr = r.addr
			break
		}
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: %s", ErrNoRoute, destination)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return NewClient(conn), nil
	}
	conn, err := grpc.NewClient(addr, p.opts...)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	p.conns[addr] = conn
	return NewClient(conn), nil
}

// CallOneWay routes by destination.
func (p *Pool) CallOneWay(ctx context.Context, destination, method string, payload []byte) error {
	c, err := p.For(destination)
	if err != nil {
		return err
	}
	return c.CallOneWay(ctx, destination, method, payload)
}

// Install routes by worker id.
func (p *Pool) Install(ctx context.Context, req fleet.InstallRequest) (*fleet.TopUp, error) {
	c, err := p.For(req.WorkerID)
	if err != nil {
		return nil, err
	}
	return c.Install(ctx, req)
}

// Balance routes by worker id.
func (p *Pool) Balance(ctx context.Context, workerID string) (uint64, error) {
	c, err := p.For(workerID)
	if err != nil {
		return 0, err
	}
	return c.Balance(ctx, workerID)
}

// Ledger returns a Transferer bound to the ledger at destination.
func (p *Pool) Ledger(destination string) saga.Transferer {
	return ledger{pool: p, dest: destination}
}

type ledger struct {
	pool *Pool
	dest string
}

func (l ledger) Transfer(ctx context.Context, req saga.TransferRequest) (saga.Receipt, error) {
	c, err := l.pool.For(l.dest)
	if err != nil {
		return saga.Receipt{}, err
	}
	return c.Transfer(ctx, req)
}

// Close closes every connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.conns, addr)
	}
	return errors.Join(errs...)
}
