package files

import (
	"context"
	"fmt"
	"time"

	"dropcode-go/internal/metrics"
	"dropcode-go/internal/models"
	"dropcode-go/internal/storage"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MissingQRPolicy decides what purge does with a record whose QR image is gone.
type MissingQRPolicy string

const (
	MissingQRRegenerate MissingQRPolicy = "regenerate"
	MissingQRPurge      MissingQRPolicy = "purge"
)

func ParseMissingQRPolicy(s string) (MissingQRPolicy, error) {
	switch p := MissingQRPolicy(s); p {
	case MissingQRRegenerate, MissingQRPurge:
		return p, nil
	case "":
		return MissingQRRegenerate, nil
	default:
		return "", fmt.Errorf("invalid missing qr policy %q (use regenerate or purge)", s)
	}
}

type PurgeReason string

const (
	ReasonDeleted           PurgeReason = "deleted"
	ReasonPrimaryMissing    PurgeReason = "primary_missing"
	ReasonQRMissing         PurgeReason = "qr_missing"
	ReasonCompressedMissing PurgeReason = "compressed_missing"
)

// artifactPrefixes are the key spaces scanned for orphaned objects.
var artifactPrefixes = []string{"uploads/", "compressed/", "qr/", "previews/"}

type PurgeOptions struct {
	// DryRun reports what would happen without touching rows or artifacts.
	DryRun bool
	// IncludePermanent lifts the default exemption of permanent records.
	IncludePermanent bool
	// MissingQR overrides the configured policy when set.
	MissingQR MissingQRPolicy
}

type PurgeCandidate struct {
	ID          uuid.UUID   `json:"id"`
	Code        string      `json:"code"`
	Filename    string      `json:"filename"`
	Reason      PurgeReason `json:"reason"`
	IsPermanent bool        `json:"is_permanent"`
}

// ItemError is a failure scoped to one record or one artifact.
type ItemError struct {
	Code string    `json:"code,omitempty"`
	ID   uuid.UUID `json:"id,omitempty"`
	Key  string    `json:"key,omitempty"`
	Err  error     `json:"-"`
}

func (e ItemError) Error() string {
	switch {
	case e.Key != "":
		return fmt.Sprintf("%s: %v", e.Key, e.Err)
	case e.Code != "":
		return fmt.Sprintf("%s (%s): %v", e.Code, e.ID, e.Err)
	default:
		return e.Err.Error()
	}
}

func (e ItemError) Unwrap() error { return e.Err }

type PurgeReport struct {
	DryRun     bool             `json:"dry_run"`
	Scanned    int              `json:"scanned"`
	Candidates []PurgeCandidate `json:"candidates"`
	Repairs    []PurgeCandidate `json:"repairs"`
	Orphans    []string         `json:"orphans"`

	Deleted          int `json:"deleted"`
	Repaired         int `json:"repaired"`
	ArtifactsRemoved int `json:"artifacts_removed"`
	OrphansRemoved   int `json:"orphans_removed"`

	Errors   []ItemError   `json:"-"`
	Duration time.Duration `json:"duration"`
}

func (r *PurgeReport) fail(rec *models.FileRecord, err error) {
	r.Errors = append(r.Errors, ItemError{Code: rec.Code, ID: rec.ID, Err: err})
}

// Purge reconciles rows with the content store. Soft deleted records and
// records whose primary object is gone are hard deleted after their
// remaining artifacts are reclaimed, which frees their codes. Missing derived
// artifacts are repaired or purged according to the policy, and unreferenced
// objects older than the orphan grace period are removed. Only one purge runs
// at a time; a concurrent call fails with ErrPurgeInProgress.
func (l *Lifecycle) Purge(ctx context.Context, opts PurgeOptions) (*PurgeReport, error) {
	unlock, err := l.locker.TryLock(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	started := time.Now()
	mode := "live"
	if opts.DryRun {
		mode = "dry_run"
	}
	metrics.PurgeRunsTotal.WithLabelValues(mode).Inc()
	defer func() { metrics.PurgeDuration.Observe(time.Since(started).Seconds()) }()

	policy := opts.MissingQR
	if policy == "" {
		policy, err = ParseMissingQRPolicy(l.cleanup.MissingQR)
		if err != nil {
			return nil, err
		}
	}

	recs, err := l.repo.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	report := &PurgeReport{DryRun: opts.DryRun}
	referenced := make(map[string]bool)
	var doomed, repairs []*models.FileRecord

	for _, rec := range recs {
		for _, key := range rec.ArtifactKeys() {
			referenced[key] = true
		}
		if rec.IsPermanent && !opts.IncludePermanent {
			continue
		}
		report.Scanned++

		reason, err := l.classify(ctx, rec)
		if err != nil {
			report.fail(rec, err)
			continue
		}

		candidate := PurgeCandidate{
			ID:          rec.ID,
			Code:        rec.Code,
			Filename:    rec.Filename,
			Reason:      reason,
			IsPermanent: rec.IsPermanent,
		}

		switch {
		case reason == "":
		case reason == ReasonCompressedMissing,
			reason == ReasonQRMissing && policy == MissingQRRegenerate:
			report.Repairs = append(report.Repairs, candidate)
			repairs = append(repairs, rec)
		default:
			report.Candidates = append(report.Candidates, candidate)
			doomed = append(doomed, rec)
		}
	}

	if !opts.DryRun {
		for _, rec := range repairs {
			if err := l.repair(ctx, rec); err != nil {
				report.fail(rec, err)
				continue
			}
			report.Repaired++
		}
		l.hardDelete(ctx, doomed, report)
	}

	l.reclaimOrphans(ctx, referenced, opts.DryRun, report)

	report.Duration = time.Since(started)
	metrics.PurgedTotal.Add(float64(report.Deleted))

	log.Info().
		Bool("dry_run", opts.DryRun).
		Int("scanned", report.Scanned).
		Int("candidates", len(report.Candidates)).
		Int("deleted", report.Deleted).
		Int("repaired", report.Repaired).
		Int("orphans", len(report.Orphans)).
		Int("errors", len(report.Errors)).
		Dur("took", report.Duration).
		Msg("purge finished")

	return report, nil
}

// classify returns why rec needs attention, or "" when it is healthy.
// Recent uploads are only judged on their deleted flag since their
// artifacts may still be in flight.
func (l *Lifecycle) classify(ctx context.Context, rec *models.FileRecord) (PurgeReason, error) {
	if rec.IsDeleted {
		return ReasonDeleted, nil
	}
	if l.now().Sub(rec.CreatedAt) < l.cleanup.OrphanGrace {
		return "", nil
	}

	ok, err := l.artifactPresent(ctx, rec.StorageKey)
	if err != nil {
		return "", err
	}
	if !ok {
		return ReasonPrimaryMissing, nil
	}

	if rec.QRKey == nil {
		return ReasonQRMissing, nil
	}
	if ok, err = l.artifactPresent(ctx, *rec.QRKey); err != nil {
		return "", err
	} else if !ok {
		return ReasonQRMissing, nil
	}

	if rec.HasCompressedVariant() {
		if ok, err = l.artifactPresent(ctx, *rec.CompressedKey); err != nil {
			return "", err
		} else if !ok {
			return ReasonCompressedMissing, nil
		}
	}
	return "", nil
}

func (l *Lifecycle) repair(ctx context.Context, rec *models.FileRecord) error {
	if rec.HasCompressedVariant() {
		ok, err := l.artifactPresent(ctx, *rec.CompressedKey)
		if err != nil {
			return err
		}
		if !ok {
			if err := l.repo.ClearCompressedVariant(ctx, rec.ID); err != nil {
				return fmt.Errorf("clearing compressed variant: %w", err)
			}
			rec.CompressedKey, rec.CompressedSize = nil, nil
			log.Info().
				Str("code", rec.Code).
				Msg("dropped missing compressed variant")
		}
	}

	qrOK := rec.QRKey != nil
	if qrOK {
		var err error
		if qrOK, err = l.artifactPresent(ctx, *rec.QRKey); err != nil {
			return err
		}
	}
	if !qrOK {
		if err := l.RegenerateQR(ctx, rec); err != nil {
			return fmt.Errorf("regenerating qr code: %w", err)
		}
		log.Info().
			Str("code", rec.Code).
			Msg("regenerated missing qr code")
	}
	return nil
}

// hardDelete reclaims artifacts and then removes rows batch by batch.
func (l *Lifecycle) hardDelete(ctx context.Context, doomed []*models.FileRecord, report *PurgeReport) {
	batchSize := l.cleanup.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	for start := 0; start < len(doomed); start += batchSize {
		end := min(start+batchSize, len(doomed))
		batch := doomed[start:end]

		ids := make([]uuid.UUID, len(batch))
		for i, rec := range batch {
			report.ArtifactsRemoved += l.ReclaimArtifacts(ctx, rec)
			ids[i] = rec.ID
		}

		failed, err := l.repo.HardDeleteBatch(ctx, ids)
		if err != nil {
			for _, rec := range batch {
				report.fail(rec, err)
			}
			log.Error().
				Err(err).
				Int("batch_size", len(batch)).
				Msg("purge batch failed")
			continue
		}

		for _, rec := range batch {
			if rowErr, ok := failed[rec.ID]; ok {
				report.fail(rec, rowErr)
				log.Warn().
					Err(rowErr).
					Str("code", rec.Code).
					Str("file_id", rec.ID.String()).
					Msg("failed to purge file")
				continue
			}
			report.Deleted++
		}
	}
}

func (l *Lifecycle) reclaimOrphans(ctx context.Context, referenced map[string]bool, dryRun bool, report *PurgeReport) {
	cutoff := l.now().Add(-l.cleanup.OrphanGrace)

	for _, prefix := range artifactPrefixes {
		objects, err := l.store.ListFiles(ctx, prefix)
		if err != nil {
			report.Errors = append(report.Errors, ItemError{Key: prefix, Err: err})
			continue
		}

		for _, obj := range objects {
			if referenced[obj.Key] || obj.ModifiedTime.After(cutoff) {
				continue
			}
			report.Orphans = append(report.Orphans, obj.Key)
			if dryRun {
				continue
			}
			if err := storage.DeleteIfExists(ctx, l.store, obj.Key); err != nil {
				report.Errors = append(report.Errors, ItemError{Key: obj.Key, Err: err})
				continue
			}
			report.OrphansRemoved++
		}
	}
}
