package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dropcode-go/internal/access"
	"dropcode-go/internal/codes"
	"dropcode-go/internal/config"
	"dropcode-go/internal/metrics"
	"dropcode-go/internal/models"
	"dropcode-go/internal/pdf"
	"dropcode-go/internal/preview"
	"dropcode-go/internal/qrcode"
	"dropcode-go/internal/storage"

	"github.com/gabriel-vasile/mimetype"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	statsTTL     = 5 * time.Minute
	statsKey     = "home"
	recentLimit  = 3
	maxFilename  = 255
	maxExtension = 30 * 24 * time.Hour
)

// Compactor shrinks large PDFs. See pdf.Ghostscript.
type Compactor interface {
	ShouldCompact(path string, maxSize int64) bool
	Compact(ctx context.Context, path string, quality int, maxSize int64) (*pdf.Result, error)
}

// PreviewRenderer converts office documents to PDF. See preview.LibreOffice.
type PreviewRenderer interface {
	Available() bool
	RenderToPDF(ctx context.Context, src, outDir string) (string, error)
}

type Service struct {
	repo      Repository
	store     storage.Provider
	cfg       *config.Config
	allocator *codes.Allocator
	gate      *access.Gate
	sessions  access.SessionStore
	qr        QRGenerator
	compactor Compactor
	renderer  PreviewRenderer
	locker    Locker
	lifecycle *Lifecycle
	stats     *expirable.LRU[string, *models.FileStats]
	previews  singleflight.Group
	now       func() time.Time
}

type Option func(*Service)

func WithSessionStore(store access.SessionStore) Option {
	return func(s *Service) { s.sessions = store }
}

func WithCompactor(c Compactor) Option {
	return func(s *Service) { s.compactor = c }
}

func WithRenderer(r PreviewRenderer) Option {
	return func(s *Service) { s.renderer = r }
}

func WithQRGenerator(g QRGenerator) Option {
	return func(s *Service) { s.qr = g }
}

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(cfg *config.Config, repo Repository, store storage.Provider, opts ...Option) (*Service, error) {
	allocator, err := codes.NewAllocator(cfg.Codes.Alphabet, cfg.Codes.Length, cfg.Codes.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("creating code allocator: %w", err)
	}

	s := &Service{
		repo:      repo,
		store:     store,
		cfg:       cfg,
		allocator: allocator,
		gate:      access.NewGate(),
		sessions:  access.NewMemoryStore(cfg.SessionTTL),
		qr:        qrcode.NewGenerator(cfg.BaseURL),
		compactor: pdf.NewGhostscript(cfg.PDF.GhostscriptBin, cfg.PDF.Timeout),
		renderer:  preview.NewLibreOffice(cfg.Preview.LibreOfficeBin, cfg.Preview.Timeout),
		stats:     expirable.NewLRU[string, *models.FileStats](1, nil, statsTTL),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.lifecycle = NewLifecycle(repo, store, s.qr, s.locker, cfg.Cleanup)
	s.lifecycle.now = s.now
	return s, nil
}

func (s *Service) Lifecycle() *Lifecycle {
	return s.lifecycle
}

// UploadRequest describes one new file. Permanent uploads are only created by
// the maintenance CLI and are not bound by the upload size limit.
type UploadRequest struct {
	Filename   string
	Content    io.Reader
	CustomCode string
	Password   string
	SessionID  string
	Permanent  bool
}

type UploadResult struct {
	Record     *models.FileRecord
	URL        string
	Compressed bool
}

// Upload stores the file, binds a code to it and derives its artifacts.
// The record insert is the code claim, so a failed claim removes the stored
// object again. QR generation and PDF compaction are best effort.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if req.Content == nil {
		return nil, ErrNoFile
	}
	name := cleanFilename(req.Filename)
	if name == "" {
		return nil, ErrNoFile
	}

	limit := s.cfg.UploadMaxSize
	if req.Permanent {
		limit = 0
	}
	spool, size, err := spoolToTemp(req.Content, filepath.Ext(name), limit)
	if err != nil {
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	defer removeTemp(spool)

	mime := "application/octet-stream"
	if detected, err := mimetype.DetectFile(spool); err == nil {
		mime = detected.String()
	}

	now := s.now()
	rec := models.NewFileRecord(name, size, mime, "", now, s.cfg.UploadExpiresIn)
	rec.StorageKey = models.PrimaryKey(rec.ID, name)
	if req.Permanent {
		rec.MakePermanent(now)
	} else if req.SessionID != "" {
		sid := req.SessionID
		rec.SessionID = &sid
	}

	if req.Password != "" {
		hash, err := access.HashPassword(req.Password)
		if err != nil {
			return nil, err
		}
		if err := rec.SetPasswordHash(hash); err != nil {
			return nil, err
		}
	}

	if err := s.putFile(ctx, spool, rec.StorageKey, mime); err != nil {
		metrics.UploadsTotal.WithLabelValues("failed").Inc()
		return nil, fmt.Errorf("storing file: %w", err)
	}

	_, err = s.allocator.AllocateOrClaim(ctx, req.CustomCode, func(ctx context.Context, code string) error {
		rec.Code = code
		return s.repo.Create(ctx, rec)
	})
	if err != nil {
		if delErr := storage.DeleteIfExists(context.WithoutCancel(ctx), s.store, rec.StorageKey); delErr != nil {
			log.Error().
				Err(delErr).
				Str("key", rec.StorageKey).
				Msg("failed to remove file after rejected upload")
		}
		metrics.UploadsTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}

	if err := s.lifecycle.RegenerateQR(ctx, rec); err != nil {
		log.Warn().
			Err(err).
			Str("code", rec.Code).
			Msg("failed to generate qr code")
	}

	result := &UploadResult{Record: rec, URL: s.qr.URLFor(rec.Code)}
	if rec.IsPDF() {
		compressed, err := s.compactRecord(ctx, rec, spool, s.cfg.PDF.Quality, s.cfg.PDF.Threshold)
		if err != nil {
			log.Warn().
				Err(err).
				Str("code", rec.Code).
				Msg("pdf compaction failed, keeping original")
		}
		result.Compressed = compressed
	}

	metrics.UploadsTotal.WithLabelValues("ok").Inc()
	log.Info().
		Str("code", rec.Code).
		Str("file_id", rec.ID.String()).
		Int64("size", rec.SizeBytes).
		Str("mime", rec.MimeType).
		Bool("protected", rec.IsProtected).
		Bool("permanent", rec.IsPermanent).
		Msg("file uploaded")

	return result, nil
}

// CreatePermanent stores a file from the local filesystem that never
// expires and cannot be deleted by a session.
func (s *Service) CreatePermanent(ctx context.Context, path, filename, customCode, password string) (*UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	if filename == "" {
		filename = filepath.Base(path)
	}
	return s.Upload(ctx, UploadRequest{
		Filename:   filename,
		Content:    f,
		CustomCode: customCode,
		Password:   password,
		Permanent:  true,
	})
}

// Resolve returns the visible record bound to code. Unknown, expired and
// deleted records are all reported as ErrNotFound.
func (s *Service) Resolve(ctx context.Context, code string) (*models.FileRecord, error) {
	code = codes.Normalize(code)
	if code == "" {
		return nil, ErrNotFound
	}
	rec, err := s.repo.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !rec.Visible(s.now()) {
		return nil, ErrNotFound
	}
	return rec, nil
}

// Detail resolves code and runs the access gate. The record is returned
// with a Denied decision so callers can render the password prompt.
func (s *Service) Detail(ctx context.Context, code, password, sessionID string) (*models.FileRecord, access.Decision, error) {
	rec, err := s.Resolve(ctx, code)
	if err != nil {
		return nil, access.Denied, err
	}
	d, err := s.Authorize(ctx, rec, password, sessionID)
	if err != nil {
		return nil, access.Denied, err
	}
	return rec, d, nil
}

// Authorize runs the access gate with the session's authorized set.
func (s *Service) Authorize(ctx context.Context, rec *models.FileRecord, password, sessionID string) (access.Decision, error) {
	d, err := s.gate.Authorize(ctx, rec, password, s.sessions.ForSession(sessionID))
	if err != nil {
		return access.Denied, err
	}
	if rec.IsProtected {
		metrics.AccessDecisionsTotal.WithLabelValues(d.String()).Inc()
	}
	return d, nil
}

// Content is a readable artifact ready to be written to a response.
type Content struct {
	Body        io.ReadCloser
	ContentType string
	Size        int64 // -1 when unknown
	Filename    string
	Compressed  bool
	Record      *models.FileRecord
}

// Open returns the bytes a download should serve: the compressed variant if
// one exists and is readable, the original otherwise.
func (s *Service) Open(ctx context.Context, rec *models.FileRecord) (*Content, error) {
	if rec.HasCompressedVariant() {
		body, err := s.store.Open(ctx, *rec.CompressedKey)
		if err == nil {
			metrics.DownloadsTotal.WithLabelValues("compressed").Inc()
			return &Content{
				Body:        body,
				ContentType: "application/pdf",
				Size:        *rec.CompressedSize,
				Filename:    rec.Filename,
				Compressed:  true,
				Record:      rec,
			}, nil
		}
		log.Warn().
			Err(err).
			Str("code", rec.Code).
			Str("key", *rec.CompressedKey).
			Msg("compressed variant unreadable, serving original")
	}

	body, err := s.openArtifact(ctx, rec, rec.StorageKey)
	if err != nil {
		return nil, err
	}
	metrics.DownloadsTotal.WithLabelValues("original").Inc()
	return &Content{
		Body:        body,
		ContentType: contentTypeOf(rec),
		Size:        rec.SizeBytes,
		Filename:    rec.Filename,
		Record:      rec,
	}, nil
}

// RecordDownload counts a successful retrieval. Failures are logged only.
func (s *Service) RecordDownload(ctx context.Context, rec *models.FileRecord) {
	if err := s.repo.IncrementDownloadCount(ctx, rec.ID, s.now()); err != nil {
		log.Warn().
			Err(err).
			Str("code", rec.Code).
			Msg("failed to increment download count")
		return
	}
	rec.DownloadCount++
}

// QR returns the QR image of rec, regenerating it when it is missing.
func (s *Service) QR(ctx context.Context, rec *models.FileRecord) (io.ReadCloser, error) {
	if rec.QRKey != nil {
		body, err := s.store.Open(ctx, *rec.QRKey)
		if err == nil {
			return body, nil
		}
		if !errors.Is(err, storage.ErrNotExist) {
			return nil, err
		}
	}

	if err := s.lifecycle.RegenerateQR(ctx, rec); err != nil {
		return nil, err
	}
	return s.openArtifact(ctx, rec, *rec.QRKey)
}

// EditRequest lists the changes an owner may make. Nil fields are unchanged;
// an empty Password removes the protection.
type EditRequest struct {
	NewCode        string
	RegenerateCode bool
	Password       *string
	ExpiresIn      time.Duration
}

// Edit applies req to the record bound to code. Only the uploading session
// may edit. A code change frees the old code and rebuilds the QR image.
func (s *Service) Edit(ctx context.Context, code, sessionID string, req EditRequest) (*models.FileRecord, error) {
	rec, err := s.Resolve(ctx, code)
	if err != nil {
		return nil, err
	}
	if !rec.OwnedBy(sessionID) {
		return nil, ErrForbidden
	}

	if req.Password != nil {
		if *req.Password == "" {
			rec.ClearPassword()
		} else {
			hash, err := access.HashPassword(*req.Password)
			if err != nil {
				return nil, err
			}
			if err := rec.SetPasswordHash(hash); err != nil {
				return nil, err
			}
		}
	}

	if req.ExpiresIn != 0 {
		if rec.IsPermanent || req.ExpiresIn < 0 || req.ExpiresIn > maxExtension {
			return nil, ErrInvalidExpiry
		}
		rec.ExpiresAt = s.now().Add(req.ExpiresIn)
	}

	oldCode := rec.Code
	newCode := codes.Normalize(req.NewCode)
	switch {
	case req.RegenerateCode || (newCode != "" && newCode != oldCode):
		custom := newCode
		if req.RegenerateCode {
			custom = ""
		}
		_, err = s.allocator.AllocateOrClaim(ctx, custom, func(ctx context.Context, code string) error {
			rec.Code = code
			return s.repo.Update(ctx, rec)
		})
		if err != nil {
			rec.Code = oldCode
			return nil, err
		}
		if err := s.lifecycle.RegenerateQR(ctx, rec); err != nil {
			log.Warn().
				Err(err).
				Str("code", rec.Code).
				Msg("failed to regenerate qr code after code change")
		}
	default:
		if err := s.repo.Update(ctx, rec); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("code", rec.Code).
		Str("old_code", oldCode).
		Bool("protected", rec.IsProtected).
		Time("expires_at", rec.ExpiresAt).
		Msg("file updated")
	return rec, nil
}

// Delete soft deletes the record bound to code on behalf of its owner.
func (s *Service) Delete(ctx context.Context, code, sessionID string) error {
	rec, err := s.Resolve(ctx, code)
	if err != nil {
		return err
	}
	if !rec.OwnedBy(sessionID) {
		return ErrForbidden
	}
	_, err = s.lifecycle.Delete(ctx, rec)
	return err
}

// CheckCode reports whether code is free. Rows that still exist, deleted or
// not, keep their code until they are purged.
func (s *Service) CheckCode(ctx context.Context, code string) (bool, string, error) {
	code = codes.Normalize(code)
	if code == "" {
		return false, "", codes.ErrInvalidCode
	}
	taken, err := s.repo.CodeExists(ctx, code)
	if err != nil {
		return false, code, err
	}
	return !taken, code, nil
}

type PreviewSupport struct {
	LibreOfficeAvailable bool                `json:"libreoffice_available"`
	SupportedFormats     map[string][]string `json:"supported_formats"`
}

func (s *Service) PreviewSupport() PreviewSupport {
	return PreviewSupport{
		LibreOfficeAvailable: s.renderer.Available(),
		SupportedFormats: map[string][]string{
			"office": models.OfficeExtensions,
			"images": models.ImageExtensions,
			"text":   models.TextExtensions,
			"pdf":    {"pdf"},
		},
	}
}

// Stats returns the home page counters, cached for five minutes.
func (s *Service) Stats(ctx context.Context) (*models.FileStats, error) {
	if stats, ok := s.stats.Get(statsKey); ok {
		return stats, nil
	}
	stats, err := s.repo.Stats(ctx, s.now())
	if err != nil {
		return nil, err
	}
	s.stats.Add(statsKey, stats)
	return stats, nil
}

// Recent lists the visible files uploaded by a session, newest first. A
// non-empty query filters by code or filename.
func (s *Service) Recent(ctx context.Context, sessionID, query string, limit int) ([]*models.FileRecord, error) {
	if sessionID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = recentLimit
	}
	return s.repo.ListBySession(ctx, sessionID, strings.TrimSpace(query), limit, s.now())
}

// openArtifact maps a missing object to ErrArtifactMissing.
func (s *Service) openArtifact(ctx context.Context, rec *models.FileRecord, key string) (io.ReadCloser, error) {
	body, err := s.store.Open(ctx, key)
	if errors.Is(err, storage.ErrNotExist) {
		log.Error().
			Str("code", rec.Code).
			Str("file_id", rec.ID.String()).
			Str("key", key).
			Msg("artifact missing")
		return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, key)
	}
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (s *Service) putFile(ctx context.Context, path, key, contentType string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return s.store.Upload(ctx, f, key, contentType)
}

func contentTypeOf(rec *models.FileRecord) string {
	if rec.MimeType != "" {
		return rec.MimeType
	}
	return "application/octet-stream"
}

// cleanFilename keeps the base name of a client supplied path.
func cleanFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	if name == "." || name == "/" {
		return ""
	}
	if len(name) > maxFilename {
		ext := filepath.Ext(name)
		if len(ext) > 16 {
			ext = ""
		}
		name = strings.ToValidUTF8(name[:maxFilename-len(ext)], "") + ext
	}
	return name
}
