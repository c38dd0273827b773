package bridge

import (
	"context"
	"log/slog"

	"github.com/ashureev/wabridge/internal/domain"
	"github.com/ashureev/wabridge/internal/events"
	"github.com/ashureev/wabridge/internal/store"
)

// RecordSessionStatus persists every status change seen on evs until the
// channel closes or ctx is cancelled.
func RecordSessionStatus(ctx context.Context, repo store.Repository, evs <-chan events.Event, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			sc, ok := ev.Payload.(events.StatusChanged)
			if !ok {
				continue
			}
			rec := domain.SessionRecord{
				SessionID: store.MainSessionID,
				Status:    sc.Session.Status,
				QRPayload: sc.Session.QRPayload,
				UpdatedAt: sc.Session.UpdatedAt,
			}
			if err := repo.SaveSession(ctx, rec); err != nil {
				logger.Warn("Failed to persist session status", "status", rec.Status, "error", err)
			}
		}
	}
}
