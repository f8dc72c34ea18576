package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds server configuration
type Config struct {
	Port            int           // Port to listen on
	Secret          string        // Secret key for session tokens
	Env             string        // Environment (development | production)
	BaseURL         string        // Base URL used in share links and QR images
	UploadMaxSize   int64         // Maximum upload size in bytes
	UploadExpiresIn time.Duration // Lifetime of a non-permanent upload
	SessionTTL      time.Duration // Lifetime of the anonymous session cookie
	RedisURL        string        // Optional, enables the shared session store and purge lock
	GeoIPPath       string        // Optional GeoLite2 database used to enrich download logs

	Codes   CodeConfig
	PDF     PDFConfig
	Preview PreviewConfig
	Cleanup CleanupConfig
	Storage StorageConfig
}

type CodeConfig struct {
	Length      int
	Alphabet    string
	MaxAttempts int
}

type PDFConfig struct {
	Threshold      int64  // Files above this size are compacted
	Quality        int    // 1-100
	GhostscriptBin string
	Timeout        time.Duration
}

type PreviewConfig struct {
	LibreOfficeBin string
	Timeout        time.Duration
	TextLimit      int64
}

type CleanupConfig struct {
	Interval      time.Duration // Expiry sweep
	PurgeInterval time.Duration // Purge sweep
	BatchSize     int
	MissingQR     string // "regenerate" or "purge"
	OrphanGrace   time.Duration
}

type StorageConfig struct {
	// Provider type ("local", "gcs" or "s3")
	Provider string `json:"provider"`

	// Local storage config
	LocalPath string `json:"local_path,omitempty"`

	// GCS config
	ProjectID  string `json:"project_id,omitempty"`
	BucketName string `json:"bucket_name,omitempty"`

	// S3 compatible config
	S3Endpoint  string `json:"s3_endpoint,omitempty"`
	S3AccessKey string `json:"-"`
	S3SecretKey string `json:"-"`
	S3Bucket    string `json:"s3_bucket,omitempty"`
	S3UseSSL    bool   `json:"s3_use_ssl,omitempty"`
}

func (c *Config) Log() {
	log.Info().
		Int("port", c.Port).
		Str("env", c.Env).
		Str("base_url", c.BaseURL).
		Int64("upload_max_size", c.UploadMaxSize).
		Dur("upload_expires_in", c.UploadExpiresIn).
		Int("code_length", c.Codes.Length).
		Int64("pdf_threshold", c.PDF.Threshold).
		Int("pdf_quality", c.PDF.Quality).
		Str("storage", c.Storage.Provider).
		Bool("redis", c.RedisURL != "").
		Msg("server configuration")
}

// NewConfig creates a server configuration from environment variables
func NewConfig() (*Config, error) {
	port, err := strconv.Atoi(os.Getenv("PORT"))
	if err != nil || port <= 0 {
		log.Error().Err(err).Msg("invalid PORT environment variable")
		return nil, fmt.Errorf("invalid PORT: %q", os.Getenv("PORT"))
	}

	cfg, err := NewMaintenanceConfig()
	if err != nil {
		return nil, err
	}
	cfg.Port = port

	if cfg.Secret == "" {
		log.Error().Msg("SECRET environment variable is required")
		return nil, fmt.Errorf("SECRET is required")
	}

	return cfg, nil
}

// NewMaintenanceConfig loads everything except the listener settings.
// It backs the maintenance CLI, which never binds a port or issues sessions.
func NewMaintenanceConfig() (*Config, error) {
	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "production"
	}

	baseURL := strings.TrimSuffix(os.Getenv("BASE_URL"), "/")
	if baseURL == "" {
		baseURL = "http://localhost"
	}

	uploadMaxSize, err := parseSize(getEnv("UPLOAD_MAX_SIZE", "25MB"))
	if err != nil {
		log.Error().Err(err).Msg("invalid UPLOAD_MAX_SIZE configuration")
		return nil, fmt.Errorf("invalid UPLOAD_MAX_SIZE: %w", err)
	}

	uploadExpiresIn, err := parseDuration(getEnv("UPLOAD_EXPIRES_IN", "24h"))
	if err != nil || uploadExpiresIn <= 0 {
		log.Error().Err(err).Msg("invalid UPLOAD_EXPIRES_IN environment variable")
		return nil, fmt.Errorf("invalid UPLOAD_EXPIRES_IN: %q", os.Getenv("UPLOAD_EXPIRES_IN"))
	}

	sessionTTL, err := parseDuration(getEnv("SESSION_TTL", "336h"))
	if err != nil || sessionTTL <= 0 {
		return nil, fmt.Errorf("invalid SESSION_TTL: %q", os.Getenv("SESSION_TTL"))
	}

	codes, err := loadCodeConfig()
	if err != nil {
		return nil, err
	}

	pdf, err := loadPDFConfig()
	if err != nil {
		return nil, err
	}

	preview, err := loadPreviewConfig()
	if err != nil {
		return nil, err
	}

	cleanup, err := loadCleanupConfig()
	if err != nil {
		return nil, err
	}

	storageProvider := os.Getenv("STORAGE_PROVIDER")
	if storageProvider == "" {
		storageProvider = "local"
	}

	storageConfig := StorageConfig{
		Provider:    storageProvider,
		LocalPath:   os.Getenv("UPLOAD_DIR"),
		ProjectID:   os.Getenv("GCS_PROJECT_ID"),
		BucketName:  os.Getenv("GCS_BUCKET_NAME"),
		S3Endpoint:  os.Getenv("S3_ENDPOINT"),
		S3AccessKey: os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey: os.Getenv("S3_SECRET_KEY"),
		S3Bucket:    os.Getenv("S3_BUCKET"),
		S3UseSSL:    os.Getenv("S3_USE_SSL") == "true",
	}

	if err := validateStorageConfig(storageConfig); err != nil {
		return nil, fmt.Errorf("invalid storage configuration: %w", err)
	}

	return &Config{
		Secret:          os.Getenv("SECRET"),
		Env:             env,
		BaseURL:         baseURL,
		UploadMaxSize:   uploadMaxSize,
		UploadExpiresIn: uploadExpiresIn,
		SessionTTL:      sessionTTL,
		RedisURL:        os.Getenv("REDIS_URL"),
		GeoIPPath:       os.Getenv("GEOIP_DB"),
		Codes:           codes,
		PDF:             pdf,
		Preview:         preview,
		Cleanup:         cleanup,
		Storage:         storageConfig,
	}, nil
}

func loadCodeConfig() (CodeConfig, error) {
	length, err := strconv.Atoi(getEnv("CODE_LENGTH", "6"))
	if err != nil || length < 3 || length > 10 {
		return CodeConfig{}, fmt.Errorf("invalid CODE_LENGTH: must be between 3 and 10")
	}

	alphabet := getEnv("CODE_ALPHABET", "0123456789")
	if len(alphabet) < 2 {
		return CodeConfig{}, fmt.Errorf("invalid CODE_ALPHABET: needs at least two characters")
	}

	attempts, err := strconv.Atoi(getEnv("CODE_MAX_ATTEMPTS", "100"))
	if err != nil || attempts <= 0 {
		return CodeConfig{}, fmt.Errorf("invalid CODE_MAX_ATTEMPTS: %q", os.Getenv("CODE_MAX_ATTEMPTS"))
	}

	return CodeConfig{
		Length:      length,
		Alphabet:    strings.ToUpper(alphabet),
		MaxAttempts: attempts,
	}, nil
}

func loadPDFConfig() (PDFConfig, error) {
	threshold, err := parseSize(getEnv("PDF_COMPACT_THRESHOLD", "10MB"))
	if err != nil {
		return PDFConfig{}, fmt.Errorf("invalid PDF_COMPACT_THRESHOLD: %w", err)
	}

	quality, err := strconv.Atoi(getEnv("PDF_COMPACT_QUALITY", "75"))
	if err != nil || quality < 1 || quality > 100 {
		return PDFConfig{}, fmt.Errorf("invalid PDF_COMPACT_QUALITY: must be between 1 and 100")
	}

	timeout, err := parseDuration(getEnv("EXTERNAL_TIMEOUT", "2m"))
	if err != nil || timeout <= 0 {
		return PDFConfig{}, fmt.Errorf("invalid EXTERNAL_TIMEOUT: %q", os.Getenv("EXTERNAL_TIMEOUT"))
	}

	return PDFConfig{
		Threshold:      threshold,
		Quality:        quality,
		GhostscriptBin: getEnv("GHOSTSCRIPT_BIN", "gs"),
		Timeout:        timeout,
	}, nil
}

func loadPreviewConfig() (PreviewConfig, error) {
	timeout, err := parseDuration(getEnv("EXTERNAL_TIMEOUT", "2m"))
	if err != nil || timeout <= 0 {
		return PreviewConfig{}, fmt.Errorf("invalid EXTERNAL_TIMEOUT: %q", os.Getenv("EXTERNAL_TIMEOUT"))
	}

	textLimit, err := parseSize(getEnv("PREVIEW_TEXT_LIMIT", "1MB"))
	if err != nil {
		return PreviewConfig{}, fmt.Errorf("invalid PREVIEW_TEXT_LIMIT: %w", err)
	}

	return PreviewConfig{
		LibreOfficeBin: getEnv("LIBREOFFICE_BIN", "soffice"),
		Timeout:        timeout,
		TextLimit:      textLimit,
	}, nil
}

func loadCleanupConfig() (CleanupConfig, error) {
	interval, err := parseDuration(getEnv("CLEANUP_INTERVAL", "1m"))
	if err != nil || interval <= 0 {
		return CleanupConfig{}, fmt.Errorf("invalid CLEANUP_INTERVAL: %q", os.Getenv("CLEANUP_INTERVAL"))
	}

	purgeInterval, err := parseDuration(getEnv("PURGE_INTERVAL", "6h"))
	if err != nil || purgeInterval <= 0 {
		return CleanupConfig{}, fmt.Errorf("invalid PURGE_INTERVAL: %q", os.Getenv("PURGE_INTERVAL"))
	}

	batchSize, err := strconv.Atoi(getEnv("PURGE_BATCH_SIZE", "100"))
	if err != nil || batchSize <= 0 {
		return CleanupConfig{}, fmt.Errorf("invalid PURGE_BATCH_SIZE: %q", os.Getenv("PURGE_BATCH_SIZE"))
	}

	missingQR := getEnv("PURGE_MISSING_QR", "regenerate")
	if missingQR != "regenerate" && missingQR != "purge" {
		return CleanupConfig{}, fmt.Errorf("invalid PURGE_MISSING_QR: %q", missingQR)
	}

	grace, err := parseDuration(getEnv("ORPHAN_GRACE", "1h"))
	if err != nil || grace < 0 {
		return CleanupConfig{}, fmt.Errorf("invalid ORPHAN_GRACE: %q", os.Getenv("ORPHAN_GRACE"))
	}

	return CleanupConfig{
		Interval:      interval,
		PurgeInterval: purgeInterval,
		BatchSize:     batchSize,
		MissingQR:     missingQR,
		OrphanGrace:   grace,
	}, nil
}

// validateStorageConfig ensures the storage configuration is valid
func validateStorageConfig(cfg StorageConfig) error {
	switch cfg.Provider {
	case "local":
		if cfg.LocalPath == "" {
			return fmt.Errorf("UPLOAD_DIR is required for local storage")
		}
	case "gcs":
		if cfg.ProjectID == "" {
			return fmt.Errorf("GCS_PROJECT_ID is required for GCS storage")
		}
		if cfg.BucketName == "" {
			return fmt.Errorf("GCS_BUCKET_NAME is required for GCS storage")
		}
	case "s3":
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
			return fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required for S3 storage")
		}
		if cfg.S3AccessKey == "" || cfg.S3SecretKey == "" {
			return fmt.Errorf("S3_ACCESS_KEY and S3_SECRET_KEY are required for S3 storage")
		}
	default:
		return fmt.Errorf("unsupported storage provider: %s", cfg.Provider)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseSize parses a size postfixed with "MB" for megabytes or "GB" for gigabytes, e.g. "100MB".
// If no postfix is provided, the value is assumed to be in megabytes.
func parseSize(size string) (int64, error) {
	size = strings.TrimSpace(strings.ToUpper(size))

	multiplier := int64(1024 * 1024)
	switch {
	case strings.HasSuffix(size, "GB"):
		multiplier = 1024 * 1024 * 1024
		size = strings.TrimSuffix(size, "GB")
	case strings.HasSuffix(size, "MB"):
		size = strings.TrimSuffix(size, "MB")
	case strings.HasSuffix(size, "KB"):
		multiplier = 1024
		size = strings.TrimSuffix(size, "KB")
	}

	value, err := strconv.ParseInt(size, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing size %q: %w", size, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive, got %d", value)
	}
	return value * multiplier, nil
}

// parseDuration accepts Go duration syntax; a bare number is read as hours.
func parseDuration(s string) (time.Duration, error) {
	if _, err := strconv.Atoi(s); err == nil {
		s += "h"
	}
	return time.ParseDuration(s)
}
