// Package log is the structured logger used across steward.
//
// Loggers carry Fields added with With and the helpers Component, Actor, Str,
// Int and Err. Records flow through a log/slog handler into a Formatter
// (text or JSON) and one or more Outputs, so code holding a *slog.Logger
// produces the same lines. slog groups become dotted keys.
//
// WithContext binds a context: request and operation values stored with
// ContextWith are copied into every record, and an active OpenTelemetry span
// adds trace_id and span_id.
//
// ApplyConfig builds the process logger from the log section of the config
// file, including redacted keys and per-message sampling. RedirectStdLog
// sends the standard library logger, which Pebble writes to, through it.
package log
