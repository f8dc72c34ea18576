package codes

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

var (
	// ErrCodeConflict is returned when a code is already assigned to a record.
	ErrCodeConflict = errors.New("code already in use")
	// ErrCapacityExhausted is returned when no free code was found within the attempt cap.
	ErrCapacityExhausted = errors.New("code space exhausted")
	ErrInvalidCode       = errors.New("invalid code")
)

// ClaimFunc atomically binds a code to a record. It must return an error
// wrapping ErrCodeConflict when the code is already taken.
type ClaimFunc func(ctx context.Context, code string) error

// Allocator mints short codes by rejection sampling over a fixed alphabet.
type Allocator struct {
	alphabet    []byte
	length      int
	maxAttempts int
}

func NewAllocator(alphabet string, length, maxAttempts int) (*Allocator, error) {
	set := dedupe(strings.ToUpper(alphabet))
	if len(set) < 2 {
		return nil, fmt.Errorf("alphabet needs at least two distinct characters, got %q", alphabet)
	}
	if length <= 0 {
		return nil, fmt.Errorf("code length must be positive, got %d", length)
	}
	if maxAttempts <= 0 {
		return nil, fmt.Errorf("max attempts must be positive, got %d", maxAttempts)
	}
	return &Allocator{alphabet: set, length: length, maxAttempts: maxAttempts}, nil
}

// Generate returns a random candidate. It does not check uniqueness.
func (a *Allocator) Generate() (string, error) {
	result := make([]byte, a.length)
	limit := big.NewInt(int64(len(a.alphabet)))
	for i := range result {
		n, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("reading random source: %w", err)
		}
		result[i] = a.alphabet[n.Int64()]
	}
	return string(result), nil
}

// Allocate generates candidates and hands each to claim until one sticks.
// Conflicts are retried; any other claim error aborts immediately.
func (a *Allocator) Allocate(ctx context.Context, claim ClaimFunc) (string, error) {
	for attempt := 0; attempt < a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		code, err := a.Generate()
		if err != nil {
			return "", err
		}

		err = claim(ctx, code)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, ErrCodeConflict) {
			return "", err
		}
	}
	return "", fmt.Errorf("%w: no free code after %d attempts (space %d)", ErrCapacityExhausted, a.maxAttempts, a.Space())
}

// Claim binds a caller-supplied code. It is tried exactly once.
func (a *Allocator) Claim(ctx context.Context, custom string, claim ClaimFunc) (string, error) {
	code := Normalize(custom)
	if code == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidCode)
	}
	if err := claim(ctx, code); err != nil {
		return "", err
	}
	return code, nil
}

// AllocateOrClaim dispatches on whether a custom code was supplied.
func (a *Allocator) AllocateOrClaim(ctx context.Context, custom string, claim ClaimFunc) (string, error) {
	if strings.TrimSpace(custom) != "" {
		return a.Claim(ctx, custom, claim)
	}
	return a.Allocate(ctx, claim)
}

// Space is the number of distinct codes, saturating at math.MaxUint64.
func (a *Allocator) Space() uint64 {
	space := uint64(1)
	base := uint64(len(a.alphabet))
	for i := 0; i < a.length; i++ {
		if space > math.MaxUint64/base {
			return math.MaxUint64
		}
		space *= base
	}
	return space
}

func (a *Allocator) Length() int { return a.length }

// Normalize is applied to every code before lookup or storage.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func dedupe(s string) []byte {
	seen := make(map[byte]bool, len(s))
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if !seen[s[i]] {
			seen[s[i]] = true
			out = append(out, s[i])
		}
	}
	return out
}
