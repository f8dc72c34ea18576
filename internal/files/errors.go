package files

import (
	"errors"
)

var (
	// ErrNotFound covers unknown codes as well as expired and deleted records.
	ErrNotFound = errors.New("file not found")
	// ErrArtifactMissing means the record exists but a backing object does not.
	ErrArtifactMissing = errors.New("artifact missing")
	// ErrExternalService wraps compaction and preview failures.
	ErrExternalService = errors.New("external service failure")
	ErrForbidden       = errors.New("file belongs to another session")
	ErrPurgeInProgress = errors.New("purge already in progress")
	ErrNoFile          = errors.New("no file provided")
	ErrEmptyFile       = errors.New("file is empty")
	ErrFileTooLarge    = errors.New("file exceeds maximum allowed size")
	ErrInvalidExpiry   = errors.New("invalid expiry")
	ErrInvalidInput    = errors.New("invalid input")
)
