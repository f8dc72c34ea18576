package files

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"dropcode-go/internal/storage"

	"github.com/rs/zerolog/log"
)

// spoolToTemp copies r into a temp file so the external tools and the content
// sniffer can work on a real path. A positive limit rejects larger inputs.
func spoolToTemp(r io.Reader, ext string, limit int64) (string, int64, error) {
	f, err := os.CreateTemp("", "dropcode-*"+strings.ToLower(ext))
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	path := f.Name()

	src := r
	if limit > 0 {
		src = io.LimitReader(r, limit+1)
	}

	n, err := io.Copy(f, src)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		removeTemp(path)
		return "", 0, fmt.Errorf("writing temp file: %w", err)
	}
	if limit > 0 && n > limit {
		removeTemp(path)
		return "", 0, ErrFileTooLarge
	}
	if n == 0 {
		removeTemp(path)
		return "", 0, ErrEmptyFile
	}
	return path, n, nil
}

// fetchToTemp downloads an artifact into a temp file.
func fetchToTemp(ctx context.Context, store storage.Provider, key, ext string) (string, error) {
	body, err := store.Open(ctx, key)
	if err != nil {
		return "", err
	}
	defer body.Close()

	path, _, err := spoolToTemp(body, ext, 0)
	return path, err
}

func removeTemp(path string) {
	if path == "" {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().
			Err(err).
			Str("path", path).
			Msg("failed to remove temp file")
	}
}
