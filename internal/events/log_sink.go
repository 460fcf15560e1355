package events

import (
	"context"

	"go.uber.org/zap"

	"rag-tutor/internal/models"
)

// RunLogSink mirrors every event on b to logger until ctx is done.
func RunLogSink(ctx context.Context, b *Bus, logger *zap.Logger) {
	sub := b.Subscribe()
	defer sub.Unsubscribe()

	for {
		e, err := sub.Next(ctx)
		if err != nil {
			if d := sub.Dropped(); d > 0 {
				logger.Warn("event log sink dropped events", zap.Uint64("dropped", d))
			}
			return
		}

		fields := []zap.Field{
			zap.String("phase", string(e.Phase)),
			zap.String("type", string(e.Type)),
		}
		if e.SessionID != "" {
			fields = append(fields, zap.String("session_id", e.SessionID))
		}
		if e.Progress != nil {
			fields = append(fields, zap.Float64("progress", *e.Progress))
		}

		switch e.Type {
		case models.EventError:
			logger.Error(e.Message, fields...)
		case models.EventWarning:
			logger.Warn(e.Message, fields...)
		default:
			logger.Info(e.Message, fields...)
		}
	}
}
