// Package logger provides structured logging for ddrqd and ddrqctl.
//
// This package wraps log/slog for structured logging:
//
//   - logger.go: Logger interface and slog-backed implementation
//   - context.go: Context-aware logging with request/trace IDs
//   - redact.go: Sensitive-key redaction
//
// Features:
//
//   - JSON and text output formats
//   - Log level filtering
//   - Automatic sensitive-key masking
//   - Context propagation for request tracing
package logger
