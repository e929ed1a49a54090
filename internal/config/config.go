package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rzbill/steward/internal/telemetry"
	"github.com/rzbill/steward/pkg/log"
)

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// Actor names the actor whose state this process hosts. It prefixes
	// every stored key.
	Actor     string           `json:"actor" yaml:"actor" env:"ACTOR"`
	Storage   Storage          `json:"storage" yaml:"storage" envPrefix:"STORAGE_"`
	Fleet     Fleet            `json:"fleet" yaml:"fleet" envPrefix:"FLEET_"`
	Outbox    Outbox           `json:"outbox" yaml:"outbox" envPrefix:"OUTBOX_"`
	Saga      Saga             `json:"saga" yaml:"saga" envPrefix:"SAGA_"`
	Server    Server           `json:"server" yaml:"server" envPrefix:"SERVER_"`
	Log       log.Config       `json:"log" yaml:"log" envPrefix:"LOG_"`
	Telemetry telemetry.Config `json:"telemetry" yaml:"telemetry" envPrefix:"OTEL_"`
	// Peers routes destinations to actor addresses by prefix, e.g.
	// {"user/": "users:7070", "": "fleet:7070"}.
	Peers map[string]string `json:"peers,omitempty" yaml:"peers,omitempty" env:"PEERS"`
}

// Storage configures the pebble store.
type Storage struct {
	DataDir       string   `json:"dataDir" yaml:"dataDir" env:"DATA_DIR"`
	Fsync         string   `json:"fsync" yaml:"fsync" env:"FSYNC"`
	FsyncInterval Duration `json:"fsyncInterval" yaml:"fsyncInterval" env:"FSYNC_INTERVAL"`
}

// Fleet configures the upgrade scheduler.
type Fleet struct {
	Kind        string `json:"kind" yaml:"kind" env:"KIND"`
	Concurrency int    `json:"concurrency" yaml:"concurrency" env:"CONCURRENCY"`
	// Backpressure is a CEL predicate over backlog, pending and in_progress.
	Backpressure   string   `json:"backpressure" yaml:"backpressure" env:"BACKPRESSURE"`
	FailureHistory int      `json:"failureHistory" yaml:"failureHistory" env:"FAILURE_HISTORY"`
	MinBalance     uint64   `json:"minBalance" yaml:"minBalance" env:"MIN_BALANCE"`
	TopUpAmount    uint64   `json:"topUpAmount" yaml:"topUpAmount" env:"TOP_UP_AMOUNT"`
	Compression    string   `json:"compression" yaml:"compression" env:"COMPRESSION"`
	TickInterval   Duration `json:"tickInterval" yaml:"tickInterval" env:"TICK_INTERVAL"`
	BusyInterval   Duration `json:"busyInterval" yaml:"busyInterval" env:"BUSY_INTERVAL"`
}

// Outbox configures the retry outbox.
type Outbox struct {
	BaseDelay    Duration `json:"baseDelay" yaml:"baseDelay" env:"BASE_DELAY"`
	MaxAttempts  int      `json:"maxAttempts" yaml:"maxAttempts" env:"MAX_ATTEMPTS"`
	BatchSize    int      `json:"batchSize" yaml:"batchSize" env:"BATCH_SIZE"`
	TickInterval Duration `json:"tickInterval" yaml:"tickInterval" env:"TICK_INTERVAL"`
}

// Saga configures the reservation executor.
type Saga struct {
	JournalTopic string `json:"journalTopic" yaml:"journalTopic" env:"JOURNAL_TOPIC"`
	// Ledger is the destination the executor transfers through.
	Ledger string `json:"ledger" yaml:"ledger" env:"LEDGER"`
	// JournalRetention trims journal entries older than this; 0 keeps all.
	JournalRetention Duration `json:"journalRetention" yaml:"journalRetention" env:"JOURNAL_RETENTION"`
}

// Server configures the listeners.
type Server struct {
	GRPCAddr string `json:"grpcAddr" yaml:"grpcAddr" env:"GRPC_ADDR"`
	HTTPAddr string `json:"httpAddr" yaml:"httpAddr" env:"HTTP_ADDR"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Actor:   "steward",
		Storage: Storage{DataDir: DefaultDataDir(), Fsync: "always", FsyncInterval: Duration(5 * time.Millisecond)},
		Fleet: Fleet{
			Kind:           "default",
			Concurrency:    10,
			FailureHistory: 10,
			Compression:    "zstd",
			TickInterval:   Duration(30 * time.Second),
			BusyInterval:   Duration(time.Second),
		},
		Outbox: Outbox{
			BaseDelay:    Duration(time.Second),
			MaxAttempts:  50,
			BatchSize:    50,
			TickInterval: Duration(time.Second),
		},
		Saga:   Saga{JournalTopic: "saga", Ledger: "ledger"},
		Server: Server{GRPCAddr: ":7070", HTTPAddr: ":8080"},
		Log:    log.Config{Level: "info", Format: "text"},
	}
}

// Validate reports settings no component can run with.
func (c Config) Validate() error {
	var errs []error
	if c.Actor == "" {
		errs = append(errs, errors.New("actor is required"))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.dataDir is required"))
	}
	if c.Fleet.Concurrency <= 0 {
		errs = append(errs, fmt.Errorf("fleet.concurrency must be positive, got %d", c.Fleet.Concurrency))
	}
	if c.Outbox.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("outbox.maxAttempts must be positive, got %d", c.Outbox.MaxAttempts))
	}
	if c.Outbox.BaseDelay <= 0 {
		errs = append(errs, errors.New("outbox.baseDelay must be positive"))
	}
	return errors.Join(errs...)
}

// Load reads configuration from a JSON or YAML file (by extension). If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}
