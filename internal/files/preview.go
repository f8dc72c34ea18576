package files

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"dropcode-go/internal/metrics"
	"dropcode-go/internal/models"
	"dropcode-go/internal/preview"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// InlineView returns content meant to be displayed by the browser. Office
// documents are rendered to PDF once and cached until the source changes; a
// rendering failure is reported as ErrExternalService so callers can offer
// the download instead.
func (s *Service) InlineView(ctx context.Context, rec *models.FileRecord) (*Content, error) {
	switch rec.PreviewKind() {
	case models.PreviewPDF:
		c, err := s.Open(ctx, rec)
		if err != nil {
			return nil, err
		}
		c.ContentType = "application/pdf"
		return c, nil
	case models.PreviewText:
		return s.textView(ctx, rec)
	case models.PreviewOffice:
		return s.officeView(ctx, rec)
	default:
		body, err := s.openArtifact(ctx, rec, rec.StorageKey)
		if err != nil {
			return nil, err
		}
		return &Content{
			Body:        body,
			ContentType: contentTypeOf(rec),
			Size:        rec.SizeBytes,
			Filename:    rec.Filename,
			Record:      rec,
		}, nil
	}
}

func (s *Service) textView(ctx context.Context, rec *models.FileRecord) (*Content, error) {
	body, err := s.openArtifact(ctx, rec, rec.StorageKey)
	if err != nil {
		return nil, err
	}

	limit := s.cfg.Preview.TextLimit
	buf, err := io.ReadAll(io.LimitReader(body, limit+1))
	body.Close()
	if err != nil {
		return nil, fmt.Errorf("reading text file: %w", err)
	}

	truncated := int64(len(buf)) > limit
	if truncated {
		buf = trimPartialRune(buf[:limit])
	}

	if !utf8.Valid(buf) {
		raw, err := s.openArtifact(ctx, rec, rec.StorageKey)
		if err != nil {
			return nil, err
		}
		return &Content{
			Body:        raw,
			ContentType: "application/octet-stream",
			Size:        rec.SizeBytes,
			Filename:    rec.Filename,
			Record:      rec,
		}, nil
	}

	if truncated {
		buf = append(buf, fmt.Sprintf("\n\n... (truncated, file is larger than %s)", humanize.IBytes(uint64(limit)))...)
	}
	return &Content{
		Body:        io.NopCloser(bytes.NewReader(buf)),
		ContentType: "text/plain; charset=utf-8",
		Size:        int64(len(buf)),
		Filename:    rec.Filename,
		Record:      rec,
	}, nil
}

// trimPartialRune drops an incomplete UTF-8 sequence cut off at the end of b.
func trimPartialRune(b []byte) []byte {
	for i := 0; i < utf8.UTFMax && len(b) > 0; i++ {
		r, size := utf8.DecodeLastRune(b)
		if r != utf8.RuneError || size != 1 {
			return b
		}
		b = b[:len(b)-1]
	}
	return b
}

func (s *Service) officeView(ctx context.Context, rec *models.FileRecord) (*Content, error) {
	key := models.PreviewKeyFor(rec.ID)
	name := strings.TrimSuffix(rec.Filename, filepath.Ext(rec.Filename)) + ".pdf"

	if s.previewFresh(ctx, rec, key) {
		if body, err := s.store.Open(ctx, key); err == nil {
			metrics.PreviewsTotal.WithLabelValues("cached").Inc()
			return &Content{Body: body, ContentType: "application/pdf", Size: -1, Filename: name, Record: rec}, nil
		}
	}

	if !s.renderer.Available() {
		metrics.PreviewsTotal.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", ErrExternalService, preview.ErrUnavailable)
	}

	renderCtx := context.WithoutCancel(ctx)
	_, err, _ := s.previews.Do(rec.ID.String(), func() (interface{}, error) {
		// A render that finished while this caller waited already filled the cache.
		if s.previewFresh(renderCtx, rec, key) {
			return nil, nil
		}
		return nil, s.renderPreview(renderCtx, rec, key)
	})
	if err != nil {
		metrics.PreviewsTotal.WithLabelValues("failed").Inc()
		log.Warn().
			Err(err).
			Str("code", rec.Code).
			Msg("preview rendering failed")
		return nil, err
	}
	metrics.PreviewsTotal.WithLabelValues("rendered").Inc()

	body, err := s.openArtifact(ctx, rec, key)
	if err != nil {
		return nil, err
	}
	return &Content{Body: body, ContentType: "application/pdf", Size: -1, Filename: name, Record: rec}, nil
}

// previewFresh reports whether a cached rendering exists that is not older
// than the source.
func (s *Service) previewFresh(ctx context.Context, rec *models.FileRecord, key string) bool {
	cached, err := s.store.Stat(ctx, key)
	if err != nil {
		return false
	}
	source, err := s.store.Stat(ctx, rec.StorageKey)
	if err != nil {
		return false
	}
	return !cached.ModifiedTime.Before(source.ModifiedTime)
}

func (s *Service) renderPreview(ctx context.Context, rec *models.FileRecord, key string) error {
	dir, err := os.MkdirTemp("", "dropcode-preview-*")
	if err != nil {
		return fmt.Errorf("creating preview dir: %w", err)
	}
	defer os.RemoveAll(dir)

	body, err := s.openArtifact(ctx, rec, rec.StorageKey)
	if err != nil {
		return err
	}
	src := filepath.Join(dir, rec.ID.String()+"."+rec.Extension())
	err = writeFile(src, body)
	body.Close()
	if err != nil {
		return err
	}

	out, err := s.renderer.RenderToPDF(ctx, src, dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrExternalService, err)
	}

	if err := s.putFile(ctx, out, key, "application/pdf"); err != nil {
		return fmt.Errorf("storing preview: %w", err)
	}
	return nil
}

func writeFile(path string, r io.Reader) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
