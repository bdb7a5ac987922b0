package journal

import (
	"context"
	"log/slog"

	"ocpp-rpc/internal/adapter/codec"
	"ocpp-rpc/internal/domain"
	"ocpp-rpc/internal/usecase/hooks"
)

// Attach records every received frame and every transport write on p.
// Journal failures are logged and never interrupt traffic.
func (s *Store) Attach(p *hooks.Pipeline, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	record := func(ctx context.Context, e Entry) {
		if err := s.Record(context.WithoutCancel(ctx), e); err != nil {
			logger.Warn("journal write failed", "error", err)
		}
	}

	p.After(hooks.MessageReceived, func(ctx context.Context, info hooks.Info, res hooks.Result) error {
		e := Entry{Direction: Inbound, Version: info.Version, Raw: string(info.Raw)}
		if msg, ok := res.Value.(domain.Message); ok {
			e.Type, e.ID, e.Action = msg.Type, msg.ID.String(), msg.Action
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		record(ctx, e)
		return nil
	})

	// Outbound frames are always our own encoding, so decoding them only
	// recovers the type for the index.
	var dec codec.JSON
	p.After(hooks.TransportSend, func(ctx context.Context, info hooks.Info, res hooks.Result) error {
		e := Entry{
			Direction: Outbound,
			Version:   info.Version,
			Type:      dec.Decode(info.Raw).Type,
			ID:        info.ID.String(),
			Action:    info.Action,
			Raw:       string(info.Raw),
		}
		if res.Err != nil {
			e.Error = res.Err.Error()
		}
		record(ctx, e)
		return nil
	})
}
