package entities

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"media-pipeline/constant"
)

type MediaAsset struct {
	ID          uuid.UUID            `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OwnerID     uuid.UUID            `json:"owner_id" gorm:"type:uuid;not null;index:idx_media_assets_owner"`
	Status      constant.AssetStatus `json:"status" gorm:"type:varchar(20);not null;default:'UPLOADING';index:idx_media_assets_status"`
	MediaKind   constant.MediaKind   `json:"media_kind" gorm:"type:varchar(10);not null"`
	FileName    string               `json:"file_name" gorm:"type:varchar(255);not null"`
	ContentType string               `json:"content_type" gorm:"type:varchar(100)"`
	SizeBytes   int64                `json:"size_bytes" gorm:"type:bigint;not null;default:0"`

	// Object storage keys for the original upload and derived renditions.
	StorageKey   string  `json:"storage_key" gorm:"type:varchar(500);not null"`
	PlaybackKey  *string `json:"playback_key" gorm:"type:varchar(500)"`
	ThumbnailKey *string `json:"thumbnail_key" gorm:"type:varchar(500)"`

	DurationSeconds *float64 `json:"duration_seconds" gorm:"type:double precision"`

	TranscriptionStatus constant.TranscriptionStatus `json:"transcription_status" gorm:"type:varchar(20);not null;default:'PENDING'"`
	TranscriptText      *string                      `json:"transcript_text" gorm:"type:text"`
	CaptionTrack        *string                      `json:"caption_track" gorm:"type:text"`
	TranscriptSegments  datatypes.JSON               `json:"transcript_segments" gorm:"type:jsonb"`
	DetectedLanguage    *string                      `json:"detected_language" gorm:"type:varchar(10)"`

	Metadata  datatypes.JSON `json:"metadata" gorm:"type:jsonb"`
	CreatedAt time.Time      `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (MediaAsset) TableName() string {
	return "media_assets"
}
