package hooks

import (
	"context"
	"log/slog"

	"ocpp-rpc/internal/domain"
)

// Logging attaches after hooks that log the outcome of every event.
// Successful operations log at debug, failures at warn.
func Logging(p *Pipeline, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for _, event := range Events {
		p.After(event, func(ctx context.Context, info Info, res Result) error {
			attrs := []any{"event", info.Event, "version", info.Version}
			if !info.ID.IsZero() {
				attrs = append(attrs, "id", info.ID.String())
			}
			if info.Action != "" {
				attrs = append(attrs, "action", info.Action)
			}

			if res.Err != nil {
				attrs = append(attrs, "error", res.Err, "code", domain.ErrorCodeOf(res.Err))
				logger.WarnContext(ctx, "ocpp operation failed", attrs...)
				return nil
			}
			if info.Event == MessageReceived {
				if msg, ok := res.Value.(domain.Message); ok && !msg.IsValid() {
					logger.DebugContext(ctx, "dropped invalid frame", "size", len(info.Raw))
					return nil
				}
			}
			logger.DebugContext(ctx, "ocpp operation", attrs...)
			return nil
		})
	}
}
