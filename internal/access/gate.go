// Package access decides whether a session may read a password protected file.
package access

import (
	"context"
	"errors"
	"fmt"

	"dropcode-go/internal/models"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// ErrDenied is returned by callers that need an error for a Denied decision.
var ErrDenied = errors.New("access denied")

var ErrEmptyPassword = errors.New("password is empty")

type Decision int

const (
	Denied Decision = iota
	Authorized
)

func (d Decision) String() string {
	if d == Authorized {
		return "authorized"
	}
	return "denied"
}

// AuthorizedSet holds the records one session has already unlocked.
type AuthorizedSet interface {
	Contains(ctx context.Context, entry string) (bool, error)
	Add(ctx context.Context, entry string) error
}

// SessionStore hands out the AuthorizedSet of a session. A nil set means the
// session cannot remember anything and every request must carry the password.
type SessionStore interface {
	ForSession(sessionID string) AuthorizedSet
}

// Gate checks passwords against the stored bcrypt hash and remembers
// successful checks in the session's AuthorizedSet.
type Gate struct{}

func NewGate() *Gate {
	return &Gate{}
}

// Entry identifies a record inside an AuthorizedSet. The id is part of the
// entry so a reused code never inherits an earlier record's authorization.
func Entry(rec *models.FileRecord) string {
	return rec.Code + ":" + rec.ID.String()
}

// Authorize returns Authorized for unprotected records, for records the
// session already unlocked and for a matching password. Set failures are
// logged and never turn a correct password into a denial.
func (g *Gate) Authorize(ctx context.Context, rec *models.FileRecord, password string, set AuthorizedSet) (Decision, error) {
	if rec == nil {
		return Denied, errors.New("nil record")
	}
	if !rec.IsProtected {
		return Authorized, nil
	}

	entry := Entry(rec)
	if set != nil {
		ok, err := set.Contains(ctx, entry)
		if err != nil {
			log.Warn().
				Err(err).
				Str("code", rec.Code).
				Msg("failed to read session authorizations")
		} else if ok {
			return Authorized, nil
		}
	}

	if password == "" || rec.PasswordHash == nil {
		return Denied, nil
	}

	err := bcrypt.CompareHashAndPassword([]byte(*rec.PasswordHash), []byte(password))
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return Denied, nil
	}
	if err != nil {
		return Denied, fmt.Errorf("comparing password hash: %w", err)
	}

	if set != nil {
		if err := set.Add(ctx, entry); err != nil {
			log.Warn().
				Err(err).
				Str("code", rec.Code).
				Msg("failed to remember session authorization")
		}
	}
	return Authorized, nil
}

// HashPassword returns a salted bcrypt hash. The plaintext is never stored.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}
	return string(hash), nil
}
