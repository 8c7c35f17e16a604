package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see the packet exchange in
// console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given
// slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.Serial != "" {
		attrs = append(attrs, slog.String("serial", event.Serial))
	}
	if event.LocalID != 0 {
		attrs = append(attrs, slog.Uint64("local_id", uint64(event.LocalID)))
	}

	switch {
	case event.Packet != nil:
		attrs = append(attrs,
			slog.String("command", event.Packet.Command),
			slog.Uint64("arg0", uint64(event.Packet.Arg0)),
			slog.Uint64("arg1", uint64(event.Packet.Arg1)),
			slog.Int("payload_size", event.Packet.PayloadSize),
		)
		if event.Packet.Truncated {
			attrs = append(attrs, slog.Bool("truncated", true))
		}
	case event.Sync != nil:
		attrs = append(attrs,
			slog.String("tag", event.Sync.Tag),
			slog.Uint64("arg", uint64(event.Sync.Arg)),
		)
		if event.Sync.Path != "" {
			attrs = append(attrs, slog.String("path", event.Sync.Path))
		}
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
		)
		if event.Error.Context != "" {
			attrs = append(attrs, slog.String("error_context", event.Error.Context))
		}
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)
