package files

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dropcode-go/internal/codes"
	"dropcode-go/internal/config"
	"dropcode-go/internal/models"
	"dropcode-go/internal/pdf"
	"dropcode-go/internal/storage"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

// memRepository is an in-memory Repository with failure injection.
type memRepository struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.FileRecord

	hardDeleteFail map[uuid.UUID]error
	batchErr       error
	createErr      error
	batches        int
}

func newMemRepository() *memRepository {
	return &memRepository{
		records:        make(map[uuid.UUID]*models.FileRecord),
		hardDeleteFail: make(map[uuid.UUID]error),
	}
}

func clone(rec *models.FileRecord) *models.FileRecord {
	c := *rec
	return &c
}

func (m *memRepository) codeTaken(code string, except uuid.UUID) bool {
	for id, rec := range m.records {
		if id != except && rec.Code == code {
			return true
		}
	}
	return false
}

func (m *memRepository) Create(_ context.Context, rec *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.codeTaken(rec.Code, rec.ID) {
		return fmt.Errorf("inserting file: %w", codes.ErrCodeConflict)
	}
	m.records[rec.ID] = clone(rec)
	return nil
}

func (m *memRepository) CodeExists(_ context.Context, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codeTaken(code, uuid.Nil), nil
}

func (m *memRepository) GetByCode(_ context.Context, code string) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if rec.Code == code {
			return clone(rec), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memRepository) GetByID(_ context.Context, id uuid.UUID) (*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(rec), nil
}

func (m *memRepository) with(id uuid.UUID, fn func(rec *models.FileRecord)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	fn(rec)
	return nil
}

func (m *memRepository) IncrementDownloadCount(_ context.Context, id uuid.UUID, at time.Time) error {
	return m.with(id, func(rec *models.FileRecord) {
		rec.DownloadCount++
		rec.LastDownloadedAt = &at
	})
}

func (m *memRepository) SetCompressedVariant(_ context.Context, id uuid.UUID, key string, size int64) error {
	return m.with(id, func(rec *models.FileRecord) {
		rec.CompressedKey, rec.CompressedSize = &key, &size
	})
}

func (m *memRepository) ClearCompressedVariant(_ context.Context, id uuid.UUID) error {
	return m.with(id, func(rec *models.FileRecord) {
		rec.CompressedKey, rec.CompressedSize = nil, nil
	})
}

func (m *memRepository) SetQRKey(_ context.Context, id uuid.UUID, key string) error {
	return m.with(id, func(rec *models.FileRecord) { rec.QRKey = &key })
}

func (m *memRepository) Update(_ context.Context, rec *models.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[rec.ID]
	if !ok || stored.IsDeleted {
		return ErrNotFound
	}
	if m.codeTaken(rec.Code, rec.ID) {
		return fmt.Errorf("updating file: %w", codes.ErrCodeConflict)
	}
	stored.Code = rec.Code
	stored.PasswordHash = rec.PasswordHash
	stored.IsProtected = rec.IsProtected
	stored.ExpiresAt = rec.ExpiresAt
	stored.QRKey = rec.QRKey
	return nil
}

func (m *memRepository) MarkDeleted(_ context.Context, id uuid.UUID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.IsDeleted || rec.IsPermanent {
		return false, nil
	}
	rec.IsDeleted = true
	rec.DeletedAt = &at
	return true, nil
}

func (m *memRepository) MarkExpiredDeleted(_ context.Context, now time.Time) ([]*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FileRecord
	for _, rec := range m.records {
		if !rec.IsDeleted && rec.IsExpired(now) {
			rec.IsDeleted = true
			rec.DeletedAt = &now
			out = append(out, clone(rec))
		}
	}
	return out, nil
}

func (m *memRepository) ListAll(_ context.Context) ([]*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.FileRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepository) HardDeleteBatch(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches++
	if m.batchErr != nil {
		return nil, m.batchErr
	}
	failed := make(map[uuid.UUID]error)
	for _, id := range ids {
		if err, ok := m.hardDeleteFail[id]; ok {
			failed[id] = err
			continue
		}
		delete(m.records, id)
	}
	return failed, nil
}

func (m *memRepository) ListBySession(_ context.Context, sessionID, query string, limit int, now time.Time) ([]*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FileRecord
	q := strings.ToLower(query)
	for _, rec := range m.records {
		if !rec.Visible(now) || rec.SessionID == nil || *rec.SessionID != sessionID {
			continue
		}
		if q != "" && !strings.Contains(strings.ToLower(rec.Code), q) && !strings.Contains(strings.ToLower(rec.Filename), q) {
			continue
		}
		out = append(out, clone(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memRepository) Stats(_ context.Context, now time.Time) (*models.FileStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := &models.FileStats{}
	for _, rec := range m.records {
		stats.TotalFiles++
		stats.TotalDownloads += rec.DownloadCount
		if rec.Visible(now) {
			stats.ActiveFiles++
			if rec.IsProtected {
				stats.ProtectedFiles++
			}
		}
	}
	return stats, nil
}

func (m *memRepository) ListPDFsForCompaction(_ context.Context, force bool) ([]*models.FileRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.FileRecord
	for _, rec := range m.records {
		if rec.IsDeleted || !rec.IsPDF() {
			continue
		}
		if rec.HasCompressedVariant() && !force {
			continue
		}
		out = append(out, clone(rec))
	}
	return out, nil
}

func (m *memRepository) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// put stores rec directly, bypassing the service.
func (m *memRepository) put(rec *models.FileRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = clone(rec)
}

// fakeCompactor writes an output of a fixed size.
type fakeCompactor struct {
	size  int64
	err   error
	calls atomic.Int32
}

func (f *fakeCompactor) ShouldCompact(path string, maxSize int64) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > maxSize
}

func (f *fakeCompactor) Compact(_ context.Context, path string, _ int, _ int64) (*pdf.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if f.size >= info.Size() {
		return &pdf.Result{Path: path, Size: info.Size()}, nil
	}
	out := strings.TrimSuffix(path, ".pdf") + "_compressed.pdf"
	if err := os.WriteFile(out, make([]byte, f.size), 0o644); err != nil {
		return nil, err
	}
	return &pdf.Result{Path: out, Size: f.size}, nil
}

// fakeRenderer writes a small PDF named after the source.
type fakeRenderer struct {
	available bool
	err       error
	delay     time.Duration
	calls     atomic.Int32
}

func (f *fakeRenderer) Available() bool { return f.available }

func (f *fakeRenderer) RenderToPDF(_ context.Context, src, outDir string) (string, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	if f.err != nil {
		return "", f.err
	}
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	out := filepath.Join(outDir, base+".pdf")
	return out, os.WriteFile(out, []byte("%PDF-1.4 rendered"), 0o644)
}

// flakyStore fails deletes of selected keys.
type flakyStore struct {
	storage.Provider
	failDelete map[string]bool
}

func (f *flakyStore) Delete(ctx context.Context, key string) error {
	if f.failDelete[key] {
		return errors.New("storage unavailable")
	}
	return f.Provider.Delete(ctx, key)
}

func testConfig() *config.Config {
	return &config.Config{
		Env:             "test",
		BaseURL:         "http://dropcode.test",
		UploadMaxSize:   25 << 20,
		UploadExpiresIn: 24 * time.Hour,
		SessionTTL:      time.Hour,
		Codes:           config.CodeConfig{Length: 6, Alphabet: "0123456789", MaxAttempts: 100},
		PDF:             config.PDFConfig{Threshold: 10 << 20, Quality: 75, GhostscriptBin: "gs", Timeout: time.Second},
		Preview:         config.PreviewConfig{Timeout: time.Second, TextLimit: 1 << 20},
		Cleanup: config.CleanupConfig{
			Interval:      time.Minute,
			PurgeInterval: time.Hour,
			BatchSize:     2,
			MissingQR:     string(MissingQRRegenerate),
			OrphanGrace:   time.Hour,
		},
	}
}

type testEnv struct {
	svc       *Service
	repo      *memRepository
	store     storage.Provider
	fs        afero.Fs
	compactor *fakeCompactor
	renderer  *fakeRenderer
	now       time.Time
}

func (e *testEnv) clock() time.Time { return e.now }

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	fs := afero.NewMemMapFs()
	store, err := storage.NewLocalStorage(fs, "/data")
	require.NoError(t, err)

	env := &testEnv{
		repo:      newMemRepository(),
		store:     store,
		fs:        fs,
		compactor: &fakeCompactor{size: 1 << 40},
		renderer:  &fakeRenderer{available: true},
		now:       time.Now(),
	}
	env.svc, err = NewService(cfg, env.repo, store,
		WithCompactor(env.compactor),
		WithRenderer(env.renderer),
		WithClock(func() time.Time { return env.clock() }),
	)
	require.NoError(t, err)
	return env
}

// seed stores a record with its primary object and QR image, created well
// outside the orphan grace period.
func (e *testEnv) seed(t *testing.T, code, filename string) *models.FileRecord {
	t.Helper()
	ctx := context.Background()

	created := e.now.Add(-2 * time.Hour)
	rec := models.NewFileRecord(filename, 4, "text/plain", "", created, 24*time.Hour)
	rec.Code = code
	rec.StorageKey = models.PrimaryKey(rec.ID, filename)
	require.NoError(t, e.store.Upload(ctx, strings.NewReader("data"), rec.StorageKey, rec.MimeType))

	qrKey := models.QRKeyFor(rec.ID)
	require.NoError(t, e.store.Upload(ctx, strings.NewReader("png"), qrKey, "image/png"))
	rec.QRKey = &qrKey

	e.repo.put(rec)
	return rec
}

func (e *testEnv) exists(t *testing.T, key string) bool {
	t.Helper()
	ok, err := e.store.Exists(context.Background(), key)
	require.NoError(t, err)
	return ok
}
