package mux

import (
	"io"
)

// MessageWriter adapts a session to io.Writer with full flow control: every
// Write becomes one WRTE packet and blocks until the peer's OKAY. Used for
// streaming APK bytes during install.
type MessageWriter struct {
	session *Session
}

// NewMessageWriter wraps a session.
func NewMessageWriter(session *Session) *MessageWriter {
	return &MessageWriter{session: session}
}

// Write sends buf as a single WRTE and waits for its acknowledgement.
func (w *MessageWriter) Write(buf []byte) (int, error) {
	if err := w.session.WriteData(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// ShellWriter adapts a session to io.Writer without the per-write OKAY
// wait: bytes from the caller's reader are pipelined into WRTE packets.
// Used by the interactive shell.
type ShellWriter struct {
	session *Session
}

// NewShellWriter wraps a session.
func NewShellWriter(session *Session) *ShellWriter {
	return &ShellWriter{session: session}
}

// Write sends buf as a single WRTE without waiting for acknowledgement.
func (w *ShellWriter) Write(buf []byte) (int, error) {
	if err := w.session.WriteDataPipelined(buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Compile-time interface satisfaction checks.
var (
	_ io.Writer = (*MessageWriter)(nil)
	_ io.Writer = (*ShellWriter)(nil)
)
