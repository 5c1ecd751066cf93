// Package logx is mailqueue's structured logging: a value-type Logger over
// zerolog, console output on stderr, an optional JSON log file, and a
// Service whose Apply swaps level and sinks at runtime (config reload).
package logx
