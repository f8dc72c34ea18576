package files

import (
	"context"
	"fmt"

	"dropcode-go/internal/metrics"
	"dropcode-go/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// compactRecord runs the compactor on the local copy of rec at path and
// stores the result as the compressed variant when it is strictly smaller.
// It reports whether a variant was stored.
func (s *Service) compactRecord(ctx context.Context, rec *models.FileRecord, path string, quality int, maxSize int64) (bool, error) {
	if !s.compactor.ShouldCompact(path, maxSize) {
		metrics.CompactionsTotal.WithLabelValues("skipped").Inc()
		return false, nil
	}

	res, err := s.compactor.Compact(ctx, path, quality, maxSize)
	if err != nil {
		metrics.CompactionsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("%w: %v", ErrExternalService, err)
	}
	if res.Path != path {
		defer removeTemp(res.Path)
	}
	if res.Path == path || res.Size >= rec.SizeBytes {
		metrics.CompactionsTotal.WithLabelValues("not_smaller").Inc()
		return false, nil
	}

	key := models.CompressedKeyFor(rec.ID)
	if err := s.putFile(ctx, res.Path, key, "application/pdf"); err != nil {
		metrics.CompactionsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("storing compressed variant: %w", err)
	}

	prevKey, prevSize := rec.CompressedKey, rec.CompressedSize
	if err := rec.SetCompressedVariant(key, res.Size); err != nil {
		return false, err
	}
	if err := s.repo.SetCompressedVariant(ctx, rec.ID, key, res.Size); err != nil {
		rec.CompressedKey, rec.CompressedSize = prevKey, prevSize
		if prevKey == nil {
			s.lifecycle.ReclaimKey(ctx, rec, key)
		}
		metrics.CompactionsTotal.WithLabelValues("failed").Inc()
		return false, fmt.Errorf("saving compressed variant: %w", err)
	}

	metrics.CompactionsTotal.WithLabelValues("compacted").Inc()
	log.Info().
		Str("code", rec.Code).
		Str("original", humanize.IBytes(uint64(rec.SizeBytes))).
		Str("compressed", humanize.IBytes(uint64(res.Size))).
		Float64("saved_pct", rec.CompressionRatio()).
		Msg("pdf compressed")
	return true, nil
}

type CompactOptions struct {
	DryRun  bool
	Force   bool // recompress files that already have a variant
	MaxSize int64
	Quality int
}

type CompactItem struct {
	Code           string `json:"code"`
	Filename       string `json:"filename"`
	Size           int64  `json:"size"`
	CompressedSize int64  `json:"compressed_size,omitempty"`
}

type CompactReport struct {
	DryRun     bool          `json:"dry_run"`
	Scanned    int           `json:"scanned"`
	Candidates []CompactItem `json:"candidates"`
	Compressed []CompactItem `json:"compressed"`
	Errors     []ItemError   `json:"-"`
}

// CompactExisting compresses stored PDFs that exceed opts.MaxSize. Per file
// failures are collected and never stop the batch.
func (s *Service) CompactExisting(ctx context.Context, opts CompactOptions) (*CompactReport, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = s.cfg.PDF.Threshold
	}
	if opts.Quality <= 0 {
		opts.Quality = s.cfg.PDF.Quality
	}

	recs, err := s.repo.ListPDFsForCompaction(ctx, opts.Force)
	if err != nil {
		return nil, err
	}

	report := &CompactReport{DryRun: opts.DryRun}
	now := s.now()
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !rec.Visible(now) || rec.SizeBytes <= opts.MaxSize {
			continue
		}
		report.Scanned++

		item := CompactItem{Code: rec.Code, Filename: rec.Filename, Size: rec.SizeBytes}
		report.Candidates = append(report.Candidates, item)
		if opts.DryRun {
			continue
		}

		path, err := fetchToTemp(ctx, s.store, rec.StorageKey, ".pdf")
		if err != nil {
			report.Errors = append(report.Errors, ItemError{Code: rec.Code, ID: rec.ID, Err: err})
			continue
		}

		ok, err := s.compactRecord(ctx, rec, path, opts.Quality, opts.MaxSize)
		removeTemp(path)
		if err != nil {
			report.Errors = append(report.Errors, ItemError{Code: rec.Code, ID: rec.ID, Err: err})
			continue
		}
		if ok {
			item.CompressedSize = *rec.CompressedSize
			report.Compressed = append(report.Compressed, item)
		}
	}
	return report, nil
}
