package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"media-pipeline/constant"
	"media-pipeline/entities"
)

var (
	// ErrDuplicateJob is returned when an asset already has a non-terminal job.
	ErrDuplicateJob = errors.New("asset already has an active transcode job")
	// ErrNotOwner is returned when a worker mutates a job it no longer holds.
	// The worker should abandon the job silently.
	ErrNotOwner = errors.New("job is not held by this worker")
)

// JobQueue is the durable transcode job queue. All transitions are conditional
// updates keyed on job id plus current status (and holder, where relevant), so
// at most one caller can win any transition under concurrency.
type JobQueue interface {
	Enqueue(ctx context.Context, assetId uuid.UUID, priority int) (*entities.TranscodeJob, error)
	Claim(ctx context.Context, workerId string) (*entities.TranscodeJob, error)
	Heartbeat(ctx context.Context, jobId uuid.UUID, workerId string) error
	Complete(ctx context.Context, jobId uuid.UUID, workerId string) error
	Fail(ctx context.Context, jobId uuid.UUID, workerId string, reason string) error
	ReclaimStale(ctx context.Context, threshold time.Duration, maxAttempts int) (reclaimed int64, failedAssets []uuid.UUID, err error)
	Counts(ctx context.Context) (pending int64, processing int64, lastHeartbeat *time.Time, err error)
	FindJobById(ctx context.Context, id uuid.UUID) (*entities.TranscodeJob, error)
}

type jobQueue struct {
	db *gorm.DB
}

func NewJobQueue(db *gorm.DB) JobQueue {
	return &jobQueue{
		db: db,
	}
}

var activeJobStatuses = []constant.JobStatus{
	constant.JobStatusPending,
	constant.JobStatusProcessing,
}

func (q *jobQueue) Enqueue(ctx context.Context, assetId uuid.UUID, priority int) (*entities.TranscodeJob, error) {
	job := &entities.TranscodeJob{
		ID:           uuid.New(),
		MediaAssetID: assetId,
		Status:       constant.JobStatusPending,
		Priority:     priority,
	}

	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// A plain count-then-insert races under read committed: two enqueues
		// for the same asset can both count zero and both insert. The no-op
		// update takes a row lock on the asset for the rest of the
		// transaction, so concurrent enqueues serialize and the loser's count
		// sees the winner's job.
		if err := tx.Exec("UPDATE media_assets SET updated_at = updated_at WHERE id = ?", assetId).Error; err != nil {
			return err
		}

		var count int64
		if err := tx.Model(&entities.TranscodeJob{}).
			Where("media_asset_id = ? AND status IN ?", assetId, activeJobStatuses).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateJob
		}
		return tx.Create(job).Error
	})
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (q *jobQueue) Claim(ctx context.Context, workerId string) (*entities.TranscodeJob, error) {
	// Select a candidate, then race for it with a conditional update. A lost
	// race just means another worker got there first; pick the next candidate.
	for attempt := 0; attempt < 3; attempt++ {
		candidate := &entities.TranscodeJob{}
		err := q.db.WithContext(ctx).
			Where("status = ?", constant.JobStatusPending).
			Order("priority DESC").
			Order("created_at ASC").
			First(candidate).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		won, err := q.compareAndSwap(ctx, candidate.ID, constant.JobStatusPending, nil, map[string]interface{}{
			"status":        constant.JobStatusProcessing,
			"worker_id":     workerId,
			"attempt_count": gorm.Expr("attempt_count + 1"),
			"updated_at":    time.Now().UTC(),
		})
		if err != nil {
			return nil, err
		}
		if !won {
			continue
		}

		return q.FindJobById(ctx, candidate.ID)
	}

	return nil, nil
}

func (q *jobQueue) Heartbeat(ctx context.Context, jobId uuid.UUID, workerId string) error {
	won, err := q.compareAndSwap(ctx, jobId, constant.JobStatusProcessing, &workerId, map[string]interface{}{
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrNotOwner
	}
	return nil
}

func (q *jobQueue) Complete(ctx context.Context, jobId uuid.UUID, workerId string) error {
	won, err := q.compareAndSwap(ctx, jobId, constant.JobStatusProcessing, &workerId, map[string]interface{}{
		"status":     constant.JobStatusCompleted,
		"updated_at": time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrNotOwner
	}
	return nil
}

func (q *jobQueue) Fail(ctx context.Context, jobId uuid.UUID, workerId string, reason string) error {
	won, err := q.compareAndSwap(ctx, jobId, constant.JobStatusProcessing, &workerId, map[string]interface{}{
		"status":      constant.JobStatusFailed,
		"fail_reason": reason,
		"updated_at":  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if !won {
		return ErrNotOwner
	}
	return nil
}

func (q *jobQueue) ReclaimStale(ctx context.Context, threshold time.Duration, maxAttempts int) (int64, []uuid.UUID, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-threshold)

	var exhaustedJobs []*entities.TranscodeJob
	if err := q.db.WithContext(ctx).
		Where("status = ? AND updated_at < ? AND attempt_count >= ?", constant.JobStatusProcessing, cutoff, maxAttempts).
		Find(&exhaustedJobs).Error; err != nil {
		return 0, nil, err
	}

	var failedAssets []uuid.UUID
	for _, job := range exhaustedJobs {
		// Keyed on the stale cutoff too, so a heartbeat that lands between the
		// select and this update keeps the job alive.
		res := q.db.WithContext(ctx).Model(&entities.TranscodeJob{}).
			Where("id = ? AND status = ? AND updated_at < ?", job.ID, constant.JobStatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":      constant.JobStatusFailed,
				"worker_id":   nil,
				"fail_reason": "exceeded max attempts after stale reclaim",
				"updated_at":  now,
			})
		if res.Error != nil {
			return 0, nil, res.Error
		}
		if res.RowsAffected == 1 {
			failedAssets = append(failedAssets, job.MediaAssetID)
		}
	}

	reset := q.db.WithContext(ctx).Model(&entities.TranscodeJob{}).
		Where("status = ? AND updated_at < ? AND attempt_count < ?", constant.JobStatusProcessing, cutoff, maxAttempts).
		Updates(map[string]interface{}{
			"status":     constant.JobStatusPending,
			"worker_id":  nil,
			"updated_at": now,
		})
	if reset.Error != nil {
		return 0, nil, reset.Error
	}

	return reset.RowsAffected, failedAssets, nil
}

func (q *jobQueue) Counts(ctx context.Context) (int64, int64, *time.Time, error) {
	var pending, processing int64
	if err := q.db.WithContext(ctx).Model(&entities.TranscodeJob{}).
		Where("status = ?", constant.JobStatusPending).
		Count(&pending).Error; err != nil {
		return 0, 0, nil, err
	}
	if err := q.db.WithContext(ctx).Model(&entities.TranscodeJob{}).
		Where("status = ?", constant.JobStatusProcessing).
		Count(&processing).Error; err != nil {
		return 0, 0, nil, err
	}

	latest := &entities.TranscodeJob{}
	err := q.db.WithContext(ctx).
		Where("status = ?", constant.JobStatusProcessing).
		Order("updated_at DESC").
		First(latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pending, processing, nil, nil
	}
	if err != nil {
		return 0, 0, nil, err
	}

	return pending, processing, &latest.UpdatedAt, nil
}

func (q *jobQueue) FindJobById(ctx context.Context, id uuid.UUID) (*entities.TranscodeJob, error) {
	job := &entities.TranscodeJob{}
	err := q.db.WithContext(ctx).First(job, "id = ?", id).Error
	if err != nil {
		return nil, err
	}
	return job, nil
}

// compareAndSwap performs a conditional update keyed on job id and expected
// status, and on the expected holder when one is given. Returns false when the
// row was not in the expected state, meaning the caller lost the transition.
func (q *jobQueue) compareAndSwap(ctx context.Context, id uuid.UUID, expected constant.JobStatus, workerId *string, updates map[string]interface{}) (bool, error) {
	tx := q.db.WithContext(ctx).Model(&entities.TranscodeJob{}).
		Where("id = ? AND status = ?", id, expected)
	if workerId != nil {
		tx = tx.Where("worker_id = ?", *workerId)
	}

	res := tx.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}
