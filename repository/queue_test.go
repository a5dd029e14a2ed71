package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"media-pipeline/constant"
	"media-pipeline/entities"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&entities.MediaAsset{},
		&entities.TranscodeJob{},
		&entities.Webhook{},
		&entities.ApiKey{},
	))

	return db
}

func backdateJob(t *testing.T, db *gorm.DB, jobId uuid.UUID, age time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-age)
	require.NoError(t, db.Exec("UPDATE transcode_jobs SET updated_at = ? WHERE id = ?", old, jobId).Error)
}

func TestEnqueueRejectsDuplicateActiveJob(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()
	assetId := uuid.New()

	_, err := queue.Enqueue(ctx, assetId, 0)
	require.NoError(t, err)

	_, err = queue.Enqueue(ctx, assetId, 0)
	assert.ErrorIs(t, err, ErrDuplicateJob)

	// A different asset is unaffected.
	_, err = queue.Enqueue(ctx, uuid.New(), 0)
	assert.NoError(t, err)
}

func TestConcurrentEnqueueSingleActiveJob(t *testing.T) {
	db := newTestDB(t)
	queue := NewJobQueue(db)
	ctx := context.Background()

	asset := &entities.MediaAsset{
		ID:         uuid.New(),
		OwnerID:    uuid.New(),
		Status:     constant.AssetStatusUploading,
		MediaKind:  constant.MediaKindFile,
		FileName:   "f",
		StorageKey: "k",
	}
	require.NoError(t, db.Create(asset).Error)

	const racers = 8
	var wg sync.WaitGroup
	errs := make([]error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = queue.Enqueue(ctx, asset.ID, 0)
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < racers; i++ {
		if errs[i] == nil {
			winners++
		} else {
			assert.ErrorIs(t, errs[i], ErrDuplicateJob)
		}
	}
	assert.Equal(t, 1, winners)

	var count int64
	require.NoError(t, db.Model(&entities.TranscodeJob{}).
		Where("media_asset_id = ?", asset.ID).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestEnqueueAllowedAfterTerminalJob(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()
	assetId := uuid.New()

	job, err := queue.Enqueue(ctx, assetId, 0)
	require.NoError(t, err)

	claimed, err := queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	require.NoError(t, queue.Complete(ctx, job.ID, "w1"))

	_, err = queue.Enqueue(ctx, assetId, 0)
	assert.NoError(t, err)
}

func TestClaimStampsWorkerAndAttempt(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)

	claimed, err := queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	assert.Equal(t, job.ID, claimed.ID)
	assert.Equal(t, constant.JobStatusProcessing, claimed.Status)
	require.NotNil(t, claimed.WorkerID)
	assert.Equal(t, "w1", *claimed.WorkerID)
	assert.Equal(t, 1, claimed.AttemptCount)
}

func TestClaimReturnsNilWhenEmpty(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))

	job, err := queue.Claim(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestClaimOrdering(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()

	low, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)
	highOld, err := queue.Enqueue(ctx, uuid.New(), 5)
	require.NoError(t, err)
	highNew, err := queue.Enqueue(ctx, uuid.New(), 5)
	require.NoError(t, err)

	// Jobs can land on the same sqlite timestamp; force a strict order.
	base := time.Now().UTC().Add(-time.Minute)
	for i, id := range []uuid.UUID{low.ID, highOld.ID, highNew.ID} {
		require.NoError(t, queue.(*jobQueue).db.
			Exec("UPDATE transcode_jobs SET created_at = ? WHERE id = ?", base.Add(time.Duration(i)*time.Second), id).Error)
	}

	first, err := queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, highOld.ID, first.ID)

	second, err := queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, highNew.ID, second.ID)

	third, err := queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, low.ID, third.ID)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()

	_, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make([]*entities.TranscodeJob, workers)
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = queue.Claim(ctx, uuid.NewString())
		}(i)
	}
	wg.Wait()

	winners := 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if results[i] != nil {
			winners++
		}
	}
	assert.Equal(t, 1, winners)
}

func TestHeartbeatRefreshesAndChecksOwnership(t *testing.T) {
	db := newTestDB(t)
	queue := NewJobQueue(db)
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)
	_, err = queue.Claim(ctx, "w1")
	require.NoError(t, err)

	backdateJob(t, db, job.ID, time.Hour)

	require.NoError(t, queue.Heartbeat(ctx, job.ID, "w1"))

	refreshed, err := queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().UTC(), refreshed.UpdatedAt, time.Minute)

	assert.ErrorIs(t, queue.Heartbeat(ctx, job.ID, "w2"), ErrNotOwner)
}

func TestCompleteAndFailRequireOwnership(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)
	_, err = queue.Claim(ctx, "w1")
	require.NoError(t, err)

	// Wrong worker never mutates the job.
	assert.ErrorIs(t, queue.Complete(ctx, job.ID, "w2"), ErrNotOwner)
	assert.ErrorIs(t, queue.Fail(ctx, job.ID, "w2", "boom"), ErrNotOwner)

	unchanged, err := queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusProcessing, unchanged.Status)
	require.NotNil(t, unchanged.WorkerID)
	assert.Equal(t, "w1", *unchanged.WorkerID)

	require.NoError(t, queue.Complete(ctx, job.ID, "w1"))

	done, err := queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, done.Status)

	// Terminal jobs reject further transitions.
	assert.ErrorIs(t, queue.Heartbeat(ctx, job.ID, "w1"), ErrNotOwner)
}

func TestFailRecordsReason(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)
	_, err = queue.Claim(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, queue.Fail(ctx, job.ID, "w1", "demux failed"))

	failed, err := queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, failed.Status)
	require.NotNil(t, failed.FailReason)
	assert.Equal(t, "demux failed", *failed.FailReason)
}

func TestReclaimStaleResetsAbandonedJob(t *testing.T) {
	db := newTestDB(t)
	queue := NewJobQueue(db)
	ctx := context.Background()

	job, err := queue.Enqueue(ctx, uuid.New(), 0)
	require.NoError(t, err)
	_, err = queue.Claim(ctx, "w1")
	require.NoError(t, err)

	// Fresh heartbeat: nothing to reclaim.
	reclaimed, failedAssets, err := queue.ReclaimStale(ctx, 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Zero(t, reclaimed)
	assert.Empty(t, failedAssets)

	backdateJob(t, db, job.ID, time.Hour)

	reclaimed, failedAssets, err = queue.ReclaimStale(ctx, 5*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reclaimed)
	assert.Empty(t, failedAssets)

	reset, err := queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusPending, reset.Status)
	assert.Nil(t, reset.WorkerID)
	assert.Equal(t, 1, reset.AttemptCount)

	// The original holder lost the job.
	assert.ErrorIs(t, queue.Heartbeat(ctx, job.ID, "w1"), ErrNotOwner)

	// Another worker picks it up and the attempt count moves on.
	next, err := queue.Claim(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, job.ID, next.ID)
	assert.Equal(t, 2, next.AttemptCount)
}

func TestReclaimStaleFailsExhaustedJob(t *testing.T) {
	db := newTestDB(t)
	queue := NewJobQueue(db)
	ctx := context.Background()
	assetId := uuid.New()

	job, err := queue.Enqueue(ctx, assetId, 0)
	require.NoError(t, err)

	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := queue.Claim(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, claimed)
		assert.Equal(t, attempt, claimed.AttemptCount)

		backdateJob(t, db, job.ID, time.Hour)

		reclaimed, failedAssets, err := queue.ReclaimStale(ctx, 5*time.Minute, 2)
		require.NoError(t, err)

		if attempt < 2 {
			assert.Equal(t, int64(1), reclaimed)
			assert.Empty(t, failedAssets)
		} else {
			assert.Zero(t, reclaimed)
			require.Len(t, failedAssets, 1)
			assert.Equal(t, assetId, failedAssets[0])
		}
	}

	failed, err := queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, failed.Status)
	assert.Nil(t, failed.WorkerID)
	require.NotNil(t, failed.FailReason)
	assert.Contains(t, *failed.FailReason, "max attempts")
}

func TestCounts(t *testing.T) {
	queue := NewJobQueue(newTestDB(t))
	ctx := context.Background()

	pending, processing, lastHeartbeat, err := queue.Counts(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, processing)
	assert.Nil(t, lastHeartbeat)

	for i := 0; i < 3; i++ {
		_, err := queue.Enqueue(ctx, uuid.New(), 0)
		require.NoError(t, err)
	}
	_, err = queue.Claim(ctx, "w1")
	require.NoError(t, err)

	pending, processing, lastHeartbeat, err = queue.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), pending)
	assert.Equal(t, int64(1), processing)
	require.NotNil(t, lastHeartbeat)
	assert.WithinDuration(t, time.Now().UTC(), *lastHeartbeat, time.Minute)
}
