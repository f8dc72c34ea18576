package models

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PermanentLifetime is how far in the future a permanent record's expires_at is placed.
// The value is informational only; permanent records never expire.
const PermanentLifetime = 100 * 365 * 24 * time.Hour

var (
	ErrVariantNotSmaller = errors.New("compressed variant is not smaller than the original")
	ErrEmptyPasswordHash = errors.New("password hash is empty")
)

// State is the lifecycle state of a record at a given instant.
type State int

const (
	StateActive State = iota
	StateExpired
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateDeleted:
		return "deleted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FileRecord is one uploaded file and its derived artifacts.
type FileRecord struct {
	ID         uuid.UUID `db:"id" json:"id"`
	Code       string    `db:"code" json:"code"`
	Filename   string    `db:"filename" json:"filename"`
	SizeBytes  int64     `db:"size_bytes" json:"size_bytes"`
	MimeType   string    `db:"mime_type" json:"mime_type"`
	StorageKey string    `db:"storage_key" json:"-"`

	PasswordHash *string `db:"password_hash" json:"-"`
	IsProtected  bool    `db:"is_protected" json:"is_protected"`
	SessionID    *string `db:"session_id" json:"-"` // anonymous uploader session, nil for permanent files

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	ExpiresAt   time.Time  `db:"expires_at" json:"expires_at"`
	IsPermanent bool       `db:"is_permanent" json:"is_permanent"`
	IsDeleted   bool       `db:"is_deleted" json:"-"`
	DeletedAt   *time.Time `db:"deleted_at" json:"-"`

	DownloadCount    int64      `db:"download_count" json:"download_count"`
	LastDownloadedAt *time.Time `db:"last_downloaded_at" json:"last_downloaded_at,omitempty"`

	QRKey          *string `db:"qr_key" json:"-"`
	CompressedKey  *string `db:"compressed_key" json:"-"`
	CompressedSize *int64  `db:"compressed_size" json:"compressed_size,omitempty"`
}

// NewFileRecord builds a fresh, unprotected, non-permanent record. The code is
// assigned later by the allocator.
func NewFileRecord(filename string, size int64, mimeType, storageKey string, now time.Time, lifetime time.Duration) *FileRecord {
	return &FileRecord{
		ID:         uuid.New(),
		Filename:   filename,
		SizeBytes:  size,
		MimeType:   mimeType,
		StorageKey: storageKey,
		CreatedAt:  now,
		ExpiresAt:  now.Add(lifetime),
	}
}

// MakePermanent exempts the record from expiry and deletion.
func (f *FileRecord) MakePermanent(now time.Time) {
	f.IsPermanent = true
	f.ExpiresAt = now.Add(PermanentLifetime)
}

// SetPasswordHash protects the record. The hash must already be computed.
func (f *FileRecord) SetPasswordHash(hash string) error {
	if hash == "" {
		return ErrEmptyPasswordHash
	}
	f.PasswordHash = &hash
	f.IsProtected = true
	return nil
}

func (f *FileRecord) ClearPassword() {
	f.PasswordHash = nil
	f.IsProtected = false
}

// IsExpired is always false for permanent records.
func (f *FileRecord) IsExpired(now time.Time) bool {
	if f.IsPermanent {
		return false
	}
	return now.After(f.ExpiresAt)
}

func (f *FileRecord) State(now time.Time) State {
	switch {
	case f.IsDeleted:
		return StateDeleted
	case f.IsExpired(now):
		return StateExpired
	default:
		return StateActive
	}
}

// Visible reports whether read paths may serve the record.
func (f *FileRecord) Visible(now time.Time) bool {
	return f.State(now) == StateActive
}

// RemainingTime is zero once expired and meaningless for permanent records.
func (f *FileRecord) RemainingTime(now time.Time) time.Duration {
	if f.IsExpired(now) {
		return 0
	}
	return f.ExpiresAt.Sub(now)
}

// SetCompressedVariant records a compacted copy. Variants that are not
// strictly smaller than the original are rejected.
func (f *FileRecord) SetCompressedVariant(key string, size int64) error {
	if size >= f.SizeBytes {
		return fmt.Errorf("%w: %d >= %d", ErrVariantNotSmaller, size, f.SizeBytes)
	}
	f.CompressedKey = &key
	f.CompressedSize = &size
	return nil
}

func (f *FileRecord) HasCompressedVariant() bool {
	return f.CompressedKey != nil && f.CompressedSize != nil
}

// CompressionRatio is the percentage saved by the compressed variant.
func (f *FileRecord) CompressionRatio() float64 {
	if !f.HasCompressedVariant() || f.SizeBytes == 0 {
		return 0
	}
	return float64(f.SizeBytes-*f.CompressedSize) / float64(f.SizeBytes) * 100
}

// ServedKey and ServedSize describe the bytes retrieval paths should send.
func (f *FileRecord) ServedKey() string {
	if f.HasCompressedVariant() {
		return *f.CompressedKey
	}
	return f.StorageKey
}

func (f *FileRecord) ServedSize() int64 {
	if f.HasCompressedVariant() {
		return *f.CompressedSize
	}
	return f.SizeBytes
}

func (f *FileRecord) OwnedBy(sessionID string) bool {
	return sessionID != "" && f.SessionID != nil && *f.SessionID == sessionID
}

func (f *FileRecord) Extension() string {
	return ext(f.Filename)
}

func (f *FileRecord) IsPDF() bool {
	return f.Extension() == "pdf" || f.MimeType == "application/pdf"
}

func (f *FileRecord) FileType() FileType {
	return FileTypeOf(f.Filename)
}

func (f *FileRecord) PreviewKind() PreviewKind {
	return PreviewKindOf(f.Filename)
}

// Artifact key layout on the content store.
func PrimaryKey(id uuid.UUID, filename string) string {
	return "uploads/" + id.String() + strings.ToLower(path.Ext(filename))
}

func CompressedKeyFor(id uuid.UUID) string {
	return "compressed/" + id.String() + ".pdf"
}

func QRKeyFor(id uuid.UUID) string {
	return "qr/" + id.String() + ".png"
}

func PreviewKeyFor(id uuid.UUID) string {
	return "previews/" + id.String() + ".pdf"
}

// ArtifactKeys lists every key that may back the record. Keys that were
// never written are included so reclamation is exhaustive.
func (f *FileRecord) ArtifactKeys() []string {
	keys := []string{f.StorageKey}
	if f.CompressedKey != nil {
		keys = append(keys, *f.CompressedKey)
	}
	if f.QRKey != nil {
		keys = append(keys, *f.QRKey)
	}
	return append(keys, PreviewKeyFor(f.ID))
}

// FileStats are the aggregate counters shown on the home page.
type FileStats struct {
	TotalFiles     int64 `db:"total_files" json:"total_files"`
	TotalDownloads int64 `db:"total_downloads" json:"total_downloads"`
	ActiveFiles    int64 `db:"active_files" json:"active_files"`
	ProtectedFiles int64 `db:"protected_files" json:"protected_files"`
	FilesToday     int64 `db:"files_today" json:"files_today"`
}
