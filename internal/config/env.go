package config

import (
	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by FromEnv.
const EnvPrefix = "STEWARD_"

// FromEnv overlays STEWARD_* environment variables onto cfg, e.g.
// STEWARD_FLEET_CONCURRENCY=4 or STEWARD_PEERS=user/:users:7070.
func FromEnv(cfg *Config) error {
	return env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix})
}
