package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/afero"
)

var errInvalidKey = errors.New("invalid storage key")

// LocalStorageProvider stores objects as files below baseDir.
type LocalStorageProvider struct {
	fs      afero.Fs
	baseDir string
}

func NewLocalStorage(fs afero.Fs, baseDir string) (*LocalStorageProvider, error) {
	if err := fs.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}

	return &LocalStorageProvider{
		fs:      fs,
		baseDir: baseDir,
	}, nil
}

func (l *LocalStorageProvider) path(key string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(key))
	if key == "" || filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", errInvalidKey, key)
	}
	return filepath.Join(l.baseDir, clean), nil
}

func (l *LocalStorageProvider) Upload(ctx context.Context, r io.Reader, key, contentType string) error {
	fullPath, err := l.path(key)
	if err != nil {
		return err
	}
	if err := l.fs.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	// Write to a sibling temp file first so readers never see a partial object.
	tmp := fullPath + ".part"
	dst, err := l.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}

	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("failed to close file: %w", err)
	}

	if err := l.fs.Rename(tmp, fullPath); err != nil {
		_ = l.fs.Remove(tmp)
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

func (l *LocalStorageProvider) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := l.path(key)
	if err != nil {
		return nil, err
	}
	f, err := l.fs.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return f, nil
}

func (l *LocalStorageProvider) Stat(ctx context.Context, key string) (*FileInfo, error) {
	fullPath, err := l.path(key)
	if err != nil {
		return nil, err
	}
	info, err := l.fs.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrNotExist, key)
	}
	return &FileInfo{
		Key:          key,
		Size:         info.Size(),
		ModifiedTime: info.ModTime(),
	}, nil
}

func (l *LocalStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	_, err := l.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("error checking file existence: %w", err)
}

func (l *LocalStorageProvider) Delete(ctx context.Context, key string) error {
	fullPath, err := l.path(key)
	if err != nil {
		return err
	}
	if err := l.fs.Remove(fullPath); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotExist, key)
		}
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

func (l *LocalStorageProvider) ListFiles(ctx context.Context, prefix string) ([]FileInfo, error) {
	var files []FileInfo

	err := afero.Walk(l.fs, l.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || strings.HasSuffix(path, ".part") {
			return nil
		}

		relPath, err := filepath.Rel(l.baseDir, path)
		if err != nil {
			return fmt.Errorf("failed to get relative path: %w", err)
		}
		key := filepath.ToSlash(relPath)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}

		files = append(files, FileInfo{
			Key:          key,
			Size:         info.Size(),
			ModifiedTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("error walking directory: %w", err)
	}

	log.Debug().
		Str("prefix", prefix).
		Int("count", len(files)).
		Msg("files listed")

	return files, nil
}

func (l *LocalStorageProvider) Close() error {
	return nil
}
