// Package log provides structured protocol logging for the ADB client.
//
// This package defines the Logger interface and Event types for capturing
// protocol-level events at multiple layers (transport, packet, device).
// It is separate from operational logging (slog) - protocol capture provides
// a complete machine-readable trace of the packet exchange for debugging
// and analysis.
//
// # Basic Usage
//
// Callers configure logging by providing a Logger implementation:
//
//	// For development: log to console via slog
//	cfg.ProtocolLogger = log.NewSlogAdapter(slog.Default())
//
//	// For capture: write to binary file
//	cfg.ProtocolLogger, _ = log.NewFileLogger("session.alog")
//
//	// Both: use MultiLogger
//	cfg.ProtocolLogger = log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fileLogger,
//	)
//
// # Event Types
//
// Events are captured at multiple layers:
//   - Transport/Packet: one event per packet crossing the wire (PacketEvent)
//   - Device: sync sub-protocol records (SyncEvent), connection and
//     authentication state changes (StateChangeEvent), errors (ErrorEvent)
//
// # File Format
//
// Capture files use CBOR encoding with .alog extension. The adb-log CLI
// tool provides viewing and filtering.
package log
