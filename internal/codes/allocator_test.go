package codes

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registry is a thread-safe stand-in for the unique index on files.code.
type registry struct {
	mu    sync.Mutex
	codes map[string]bool
}

func newRegistry() *registry {
	return &registry{codes: make(map[string]bool)}
}

func (r *registry) claim(_ context.Context, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.codes[code] {
		return fmt.Errorf("insert: %w", ErrCodeConflict)
	}
	r.codes[code] = true
	return nil
}

func (r *registry) release(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.codes, code)
}

func TestNewAllocator(t *testing.T) {
	_, err := NewAllocator("0", 6, 10)
	assert.Error(t, err)

	_, err = NewAllocator("00", 6, 10)
	assert.Error(t, err, "duplicate characters do not count")

	_, err = NewAllocator("01", 0, 10)
	assert.Error(t, err)

	_, err = NewAllocator("01", 4, 0)
	assert.Error(t, err)

	a, err := NewAllocator("0123456789", 6, 10)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000), a.Space())
}

func TestGenerate(t *testing.T) {
	a, err := NewAllocator("0123456789", 6, 10)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		code, err := a.Generate()
		require.NoError(t, err)
		assert.Len(t, code, 6)
		assert.Regexp(t, `^[0-9]{6}$`, code)
	}
}

func TestAllocate_ConcurrentUniqueness(t *testing.T) {
	a, err := NewAllocator("0123456789", 4, 1000)
	require.NoError(t, err)

	reg := newRegistry()
	const workers, perWorker = 16, 40

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[string]int)
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				code, err := a.Allocate(context.Background(), reg.claim)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				results[code]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, results, workers*perWorker)
	for code, n := range results {
		assert.Equal(t, 1, n, "code %s handed out %d times", code, n)
	}
}

func TestAllocate_CapacityExhausted(t *testing.T) {
	a, err := NewAllocator("01", 2, 200)
	require.NoError(t, err)
	require.Equal(t, uint64(4), a.Space())

	reg := newRegistry()
	seen := make(map[string]bool)
	for i := 0; i < 4; i++ {
		code, err := a.Allocate(context.Background(), reg.claim)
		require.NoError(t, err)
		seen[code] = true
	}
	assert.Len(t, seen, 4)

	_, err = a.Allocate(context.Background(), reg.claim)
	assert.ErrorIs(t, err, ErrCapacityExhausted)

	// A hard-deleted record frees its code.
	reg.release("10")
	code, err := a.Allocate(context.Background(), reg.claim)
	require.NoError(t, err)
	assert.Equal(t, "10", code)
}

func TestAllocate_AbortsOnStorageError(t *testing.T) {
	a, err := NewAllocator("0123456789", 6, 50)
	require.NoError(t, err)

	boom := errors.New("connection reset")
	calls := 0
	_, err = a.Allocate(context.Background(), func(context.Context, string) error {
		calls++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestAllocate_ContextCancelled(t *testing.T) {
	a, err := NewAllocator("0123456789", 6, 50)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = a.Allocate(ctx, newRegistry().claim)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClaim(t *testing.T) {
	a, err := NewAllocator("0123456789", 6, 10)
	require.NoError(t, err)
	reg := newRegistry()

	code, err := a.Claim(context.Background(), "  myfile ", reg.claim)
	require.NoError(t, err)
	assert.Equal(t, "MYFILE", code)

	_, err = a.Claim(context.Background(), "MyFile", reg.claim)
	assert.ErrorIs(t, err, ErrCodeConflict)

	_, err = a.Claim(context.Background(), "   ", reg.claim)
	assert.ErrorIs(t, err, ErrInvalidCode)
}

func TestAllocateOrClaim(t *testing.T) {
	a, err := NewAllocator("0123456789", 6, 10)
	require.NoError(t, err)
	reg := newRegistry()

	code, err := a.AllocateOrClaim(context.Background(), "", reg.claim)
	require.NoError(t, err)
	assert.Len(t, code, 6)

	code, err = a.AllocateOrClaim(context.Background(), "promo", reg.claim)
	require.NoError(t, err)
	assert.Equal(t, "PROMO", code)
}

func TestSpaceSaturates(t *testing.T) {
	a, err := NewAllocator("0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZ", 20, 1)
	require.NoError(t, err)
	assert.Equal(t, ^uint64(0), a.Space())
}
