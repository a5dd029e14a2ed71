package entities

import (
	"time"

	"github.com/google/uuid"
	"media-pipeline/constant"
)

type TranscodeJob struct {
	ID           uuid.UUID          `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	MediaAssetID uuid.UUID          `json:"media_asset_id" gorm:"type:uuid;not null;index:idx_transcode_jobs_asset"`
	Status       constant.JobStatus `json:"status" gorm:"type:varchar(20);not null;default:'PENDING';index:idx_transcode_jobs_status"`
	Priority     int                `json:"priority" gorm:"type:integer;not null;default:0"`
	WorkerID     *string            `json:"worker_id" gorm:"type:varchar(100)"`
	AttemptCount int                `json:"attempt_count" gorm:"type:integer;not null;default:0"`
	FailReason   *string            `json:"fail_reason" gorm:"type:text"`
	CreatedAt    time.Time          `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt    time.Time          `json:"updated_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (TranscodeJob) TableName() string {
	return "transcode_jobs"
}
