package files

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"dropcode-go/internal/config"
	"dropcode-go/internal/metrics"
	"dropcode-go/internal/models"
	"dropcode-go/internal/storage"

	"github.com/rs/zerolog/log"
)

// QRGenerator renders the share link of a code as a PNG.
type QRGenerator interface {
	URLFor(code string) string
	PNG(code string) ([]byte, error)
}

// Lifecycle owns the transitions of a record out of the Active state:
// soft deletion, artifact reclamation, expiry and purge.
type Lifecycle struct {
	repo    Repository
	store   storage.Provider
	qr      QRGenerator
	locker  Locker
	cleanup config.CleanupConfig
	now     func() time.Time
}

func NewLifecycle(repo Repository, store storage.Provider, qr QRGenerator, locker Locker, cleanup config.CleanupConfig) *Lifecycle {
	if locker == nil {
		locker = NewLocalLocker()
	}
	return &Lifecycle{
		repo:    repo,
		store:   store,
		qr:      qr,
		locker:  locker,
		cleanup: cleanup,
		now:     time.Now,
	}
}

// Delete soft deletes rec and then reclaims its artifacts. It reports false
// without error for permanent or already deleted records. Artifact failures
// never undo the state change.
func (l *Lifecycle) Delete(ctx context.Context, rec *models.FileRecord) (bool, error) {
	if rec.IsPermanent || rec.IsDeleted {
		return false, nil
	}

	now := l.now()
	marked, err := l.repo.MarkDeleted(ctx, rec.ID, now)
	if err != nil {
		return false, err
	}
	if !marked {
		return false, nil
	}
	rec.IsDeleted = true
	rec.DeletedAt = &now

	l.ReclaimArtifacts(ctx, rec)

	log.Info().
		Str("code", rec.Code).
		Str("file_id", rec.ID.String()).
		Msg("file deleted")
	return true, nil
}

// ReclaimArtifacts removes every object that may back rec. Each removal is
// attempted independently; it returns how many keys were removed or already absent.
func (l *Lifecycle) ReclaimArtifacts(ctx context.Context, rec *models.FileRecord) int {
	removed := 0
	for _, key := range rec.ArtifactKeys() {
		if l.ReclaimKey(ctx, rec, key) {
			removed++
		}
	}
	return removed
}

// ReclaimKey removes one artifact of rec, logging instead of failing.
func (l *Lifecycle) ReclaimKey(ctx context.Context, rec *models.FileRecord, key string) bool {
	if err := storage.DeleteIfExists(ctx, l.store, key); err != nil {
		metrics.ArtifactRemovalsTotal.WithLabelValues("failed").Inc()
		log.Warn().
			Err(err).
			Str("code", rec.Code).
			Str("file_id", rec.ID.String()).
			Str("key", key).
			Msg("failed to remove artifact")
		return false
	}
	metrics.ArtifactRemovalsTotal.WithLabelValues("removed").Inc()
	return true
}

// ExpireSweep soft deletes every expired non-permanent record and reclaims
// its artifacts. Rows stay until the next purge.
func (l *Lifecycle) ExpireSweep(ctx context.Context) (int, error) {
	expired, err := l.repo.MarkExpiredDeleted(ctx, l.now())
	if err != nil {
		return 0, err
	}

	for _, rec := range expired {
		l.ReclaimArtifacts(ctx, rec)
	}

	if len(expired) > 0 {
		metrics.ExpiredTotal.Add(float64(len(expired)))
		log.Info().
			Int("count", len(expired)).
			Msg("expired files deleted")
	}
	return len(expired), nil
}

// RegenerateQR rebuilds and stores the QR image for rec.
func (l *Lifecycle) RegenerateQR(ctx context.Context, rec *models.FileRecord) error {
	png, err := l.qr.PNG(rec.Code)
	if err != nil {
		return err
	}

	key := models.QRKeyFor(rec.ID)
	if err := l.store.Upload(ctx, bytes.NewReader(png), key, "image/png"); err != nil {
		return fmt.Errorf("storing qr code: %w", err)
	}
	if err := l.repo.SetQRKey(ctx, rec.ID, key); err != nil {
		return fmt.Errorf("saving qr key: %w", err)
	}
	rec.QRKey = &key
	return nil
}

// artifactPresent distinguishes a missing object from a storage error.
func (l *Lifecycle) artifactPresent(ctx context.Context, key string) (bool, error) {
	ok, err := l.store.Exists(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotExist) {
		return false, err
	}
	return ok, nil
}
