package serverrun

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/steward/internal/config"
	"github.com/rzbill/steward/internal/runtime"
	"github.com/rzbill/steward/internal/saga"
	grpcserver "github.com/rzbill/steward/internal/server/grpc"
	httpserver "github.com/rzbill/steward/internal/server/http"
	"github.com/rzbill/steward/internal/telemetry"
	logpkg "github.com/rzbill/steward/pkg/log"
)

// ServiceName identifies the process in traces.
const ServiceName = "steward"

type Options struct {
	Config cfgpkg.Config
	// Remote and Ledger override the peer transport; nil uses Config.Peers.
	Remote runtime.Remote
	Ledger saga.Transferer
	// Ready, if set, is called with the runtime once the servers start.
	Ready func(rt *runtime.Runtime)
}

// LoadConfig reads path (optional), applies STEWARD_* environment overrides
// and validates the result.
func LoadConfig(path string) (cfgpkg.Config, error) {
	cfg, err := cfgpkg.Load(path)
	if err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfgpkg.FromEnv(&cfg); err != nil {
		return cfgpkg.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return cfgpkg.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Run starts gRPC and HTTP servers and blocks until ctx is cancelled.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := opts.Config
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = cfgpkg.DefaultDataDir()
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfgpkg.EnsureDataDir(cfg.Storage.DataDir); err != nil {
		return err
	}

	procLogger, err := logpkg.ApplyConfig(&cfg.Log)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	logpkg.RedirectStdLog(procLogger)
	procLogger = procLogger.With(logpkg.Actor(cfg.Actor))

	shutdownTracing, err := telemetry.Setup(sctx, ServiceName, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			procLogger.Warn("telemetry shutdown", logpkg.Err(err))
		}
	}()

	rt, err := runtime.Open(runtime.Options{Config: cfg, Logger: procLogger, Remote: opts.Remote, Ledger: opts.Ledger})
	if err != nil {
		return err
	}
	defer rt.Close()

	procLogger.Info("Starting steward server",
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Str("data_dir", cfg.Storage.DataDir),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Bool("tracing", cfg.Telemetry.Enabled),
	)

	gsrv := grpcserver.New(rt, procLogger)
	hsrv := httpserver.New(rt, procLogger)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	fail := func(name string, err error) {
		mu.Lock()
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		mu.Unlock()
		stop()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, cfg.Server.GRPCAddr); err != nil && sctx.Err() == nil {
			fail("grpc", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.HTTPAddr); err != nil && sctx.Err() == nil {
			fail("http", err)
		}
	}()
	if opts.Ready != nil {
		opts.Ready(rt)
	}

	<-sctx.Done()
	// Servers stop before the runtime closes the store.
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	procLogger.Info("steward server stopped")
	return errors.Join(errs...)
}
