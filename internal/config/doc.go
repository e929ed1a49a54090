// Package config loads steward configuration from a JSON or YAML file and
// overlays STEWARD_* environment variables.
//
// Example:
//
//	cfg, err := config.Load("/etc/steward.yaml")
//	if err != nil {
//	    return err
//	}
//	if err := config.FromEnv(&cfg); err != nil {
//	    return err
//	}
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
package config
