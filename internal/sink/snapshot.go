package sink

import (
	"context"

	"thermal_client/internal/models"
	"thermal_client/internal/repository"
)

// SnapshotSink persists verified reads so the next start can warm the cache.
// Command-derived and inferred entries are not stored.
type SnapshotSink struct {
	repo repository.StatusRepo
}

func NewSnapshotSink(repo repository.StatusRepo) *SnapshotSink {
	return &SnapshotSink{repo: repo}
}

func (s *SnapshotSink) Name() string { return "sqlite" }

func (s *SnapshotSink) Write(ctx context.Context, e models.CacheEntry) error {
	if e.Origin != models.OriginVerifiedRead {
		return nil
	}
	return s.repo.Save(ctx, models.StatusSnapshot{
		DeviceID:   e.DeviceID,
		Status:     e.Status,
		CapturedAt: e.CapturedAt,
	})
}

func (s *SnapshotSink) Close() error { return nil }
