package files

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"dropcode-go/internal/config"
	"dropcode-go/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func softDeleted(t *testing.T, env *testEnv, code string) *models.FileRecord {
	t.Helper()
	rec := env.seed(t, code, code+".txt")
	deletedAt := env.now.Add(-time.Hour)
	rec.IsDeleted = true
	rec.DeletedAt = &deletedAt
	env.repo.put(rec)
	return rec
}

func permanent(t *testing.T, env *testEnv, code string) *models.FileRecord {
	t.Helper()
	rec := env.seed(t, code, code+".txt")
	rec.MakePermanent(rec.CreatedAt)
	env.repo.put(rec)
	return rec
}

func TestLifecycle_DeleteIsTwoPhase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	rec := env.seed(t, "100001", "a.txt")

	flaky := &flakyStore{Provider: env.store, failDelete: map[string]bool{rec.StorageKey: true}}
	lc := NewLifecycle(env.repo, flaky, env.svc.qr, nil, testConfig().Cleanup)

	deleted, err := lc.Delete(ctx, rec)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.True(t, rec.IsDeleted)

	stored, err := env.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted, "a failed removal never undoes the state change")
	assert.True(t, env.exists(t, rec.StorageKey))
	assert.False(t, env.exists(t, *rec.QRKey), "other artifacts are still removed")
}

func TestLifecycle_DeleteNoops(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	lc := env.svc.Lifecycle()

	perm := permanent(t, env, "100002")
	deleted, err := lc.Delete(ctx, perm)
	require.NoError(t, err)
	assert.False(t, deleted)
	assert.True(t, env.exists(t, perm.StorageKey))

	gone := softDeleted(t, env, "100003")
	deleted, err = lc.Delete(ctx, gone)
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestLifecycle_ExpireSweep(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	fresh := env.seed(t, "200001", "fresh.txt")
	old := env.seed(t, "200002", "old.txt")
	old.ExpiresAt = env.now.Add(-time.Minute)
	env.repo.put(old)
	perm := permanent(t, env, "200003")
	perm.ExpiresAt = env.now.Add(-time.Minute)
	env.repo.put(perm)

	n, err := env.svc.Lifecycle().ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := env.repo.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted)
	assert.False(t, env.exists(t, old.StorageKey))

	for _, rec := range []*models.FileRecord{fresh, perm} {
		stored, err := env.repo.GetByID(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, stored.IsDeleted, rec.Code)
	}

	n, err = env.svc.Lifecycle().ExpireSweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurge_DryRunReportsWithoutDeleting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	deleted := softDeleted(t, env, "300001")
	permanent(t, env, "300002")

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{DryRun: true})
	require.NoError(t, err)

	require.Len(t, report.Candidates, 1)
	assert.Equal(t, deleted.ID, report.Candidates[0].ID)
	assert.Equal(t, ReasonDeleted, report.Candidates[0].Reason)
	assert.Zero(t, report.Deleted)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 2, env.repo.count())
	assert.True(t, env.exists(t, deleted.StorageKey))
}

func TestPurge_IsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	deleted := softDeleted(t, env, "300003")
	permanent(t, env, "300004")
	healthy := env.seed(t, "300005", "ok.txt")

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.Empty(t, report.Errors)
	assert.False(t, env.exists(t, deleted.StorageKey))
	assert.True(t, env.exists(t, healthy.StorageKey))

	free, _, err := env.svc.CheckCode(ctx, deleted.Code)
	require.NoError(t, err)
	assert.True(t, free, "hard delete frees the code")

	report, err = env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Empty(t, report.Candidates)
	assert.Equal(t, 2, env.repo.count())
}

func TestPurge_PrimaryMissing(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.seed(t, "400001", "lost.txt")
	require.NoError(t, env.store.Delete(ctx, rec.StorageKey))

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.Equal(t, ReasonPrimaryMissing, report.Candidates[0].Reason)
	assert.Equal(t, 1, report.Deleted)
	assert.False(t, env.exists(t, *rec.QRKey))
	assert.Zero(t, env.repo.count())
}

func TestPurge_RecentUploadsAreSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.seed(t, "400002", "inflight.txt")
	rec.CreatedAt = env.now.Add(-time.Minute)
	rec.QRKey = nil
	env.repo.put(rec)

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)
	assert.Empty(t, report.Repairs)
	assert.Equal(t, 1, env.repo.count())
}

func TestPurge_MissingQRPolicy(t *testing.T) {
	tests := []struct {
		name        string
		opts        PurgeOptions
		configured  string
		wantDeleted int
		wantRepair  int
	}{
		{name: "configured regenerate", configured: "regenerate", wantRepair: 1},
		{name: "configured purge", configured: "purge", wantDeleted: 1},
		{name: "override", configured: "regenerate", opts: PurgeOptions{MissingQR: MissingQRPurge}, wantDeleted: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, func(c *config.Config) { c.Cleanup.MissingQR = tt.configured })
			ctx := context.Background()

			rec := env.seed(t, "500001", "a.txt")
			require.NoError(t, env.store.Delete(ctx, *rec.QRKey))

			report, err := env.svc.Lifecycle().Purge(ctx, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDeleted, report.Deleted)
			assert.Equal(t, tt.wantRepair, report.Repaired)

			if tt.wantRepair > 0 {
				assert.True(t, env.exists(t, models.QRKeyFor(rec.ID)))
				assert.Equal(t, ReasonQRMissing, report.Repairs[0].Reason)
				assert.Equal(t, 1, env.repo.count())
			} else {
				assert.Equal(t, ReasonQRMissing, report.Candidates[0].Reason)
				assert.Zero(t, env.repo.count())
			}
		})
	}
}

func TestPurge_MissingCompressedVariantIsCleared(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec := env.seed(t, "500002", "big.pdf")
	rec.SizeBytes = 100
	require.NoError(t, rec.SetCompressedVariant(models.CompressedKeyFor(rec.ID), 10))
	env.repo.put(rec)

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repaired)
	assert.Zero(t, report.Deleted)

	stored, err := env.repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.False(t, stored.HasCompressedVariant())
}

func TestPurge_IncludePermanent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	perm := permanent(t, env, "600001")
	require.NoError(t, env.store.Delete(ctx, perm.StorageKey))

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{DryRun: true})
	require.NoError(t, err)
	assert.Empty(t, report.Candidates)

	report, err = env.svc.Lifecycle().Purge(ctx, PurgeOptions{DryRun: true, IncludePermanent: true})
	require.NoError(t, err)
	require.Len(t, report.Candidates, 1)
	assert.True(t, report.Candidates[0].IsPermanent)
}

func TestPurge_RowErrorsAreCollected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var recs []*models.FileRecord
	for _, code := range []string{"700001", "700002", "700003"} {
		recs = append(recs, softDeleted(t, env, code))
	}
	env.repo.hardDeleteFail[recs[1].ID] = errors.New("foreign key violation")

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Deleted)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, recs[1].ID, report.Errors[0].ID)
	assert.Equal(t, 2, env.repo.batches, "batch size of two splits three rows")
	assert.Equal(t, 1, env.repo.count())
}

func TestPurge_BatchFailureIsReportedPerRow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	softDeleted(t, env, "700004")
	softDeleted(t, env, "700005")
	env.repo.batchErr = errors.New("connection reset")

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Zero(t, report.Deleted)
	assert.Len(t, report.Errors, 2)
}

func TestPurge_Orphans(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.seed(t, "800001", "kept.txt")
	require.NoError(t, env.store.Upload(ctx, strings.NewReader("x"), "uploads/stray.bin", ""))
	require.NoError(t, env.store.Upload(ctx, strings.NewReader("x"), "previews/fresh.pdf", ""))
	old := env.now.Add(-3 * time.Hour)
	require.NoError(t, env.fs.Chtimes("/data/uploads/stray.bin", old, old))

	report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/stray.bin"}, report.Orphans)
	assert.True(t, env.exists(t, "uploads/stray.bin"))

	report, err = env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, report.OrphansRemoved)
	assert.False(t, env.exists(t, "uploads/stray.bin"))
	assert.True(t, env.exists(t, "previews/fresh.pdf"), "young objects are left alone")
}

func TestPurge_SingleFlight(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	locker := NewLocalLocker()
	lc := NewLifecycle(env.repo, env.store, env.svc.qr, locker, testConfig().Cleanup)

	unlock, err := locker.TryLock(ctx)
	require.NoError(t, err)

	_, err = lc.Purge(ctx, PurgeOptions{})
	assert.ErrorIs(t, err, ErrPurgeInProgress)

	unlock()
	_, err = lc.Purge(ctx, PurgeOptions{})
	assert.NoError(t, err)
}

func TestPurge_ConcurrentCallsDoNotDoubleDelete(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	for _, code := range []string{"900001", "900002", "900003", "900004"} {
		softDeleted(t, env, code)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		deleted int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := env.svc.Lifecycle().Purge(ctx, PurgeOptions{})
			if errors.Is(err, ErrPurgeInProgress) {
				return
			}
			if assert.NoError(t, err) {
				mu.Lock()
				deleted += report.Deleted
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 4, deleted)
	assert.Zero(t, env.repo.count())
}

func TestParseMissingQRPolicy(t *testing.T) {
	p, err := ParseMissingQRPolicy("")
	require.NoError(t, err)
	assert.Equal(t, MissingQRRegenerate, p)

	p, err = ParseMissingQRPolicy("purge")
	require.NoError(t, err)
	assert.Equal(t, MissingQRPurge, p)

	_, err = ParseMissingQRPolicy("ignore")
	assert.Error(t, err)
}

func TestCleanupWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	old := env.seed(t, "110001", "old.txt")
	old.ExpiresAt = env.now.Add(-time.Minute)
	env.repo.put(old)

	w := NewCleanupWorker(env.svc.Lifecycle(), time.Hour, time.Hour)
	w.Start(ctx)
	w.Stop()
	w.Stop()

	stored, err := env.repo.GetByID(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsDeleted, "start runs an expiry sweep immediately")
}
