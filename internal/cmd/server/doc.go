// Package serverrun hosts one steward actor: it loads config, opens the
// runtime and serves the gRPC inbox and the HTTP operator API until the
// context ends or the process receives SIGINT or SIGTERM.
package serverrun
