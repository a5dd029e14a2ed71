package dto

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"media-pipeline/constant"
)

// EventMessage is the outbox envelope published for every lifecycle event.
// The dispatcher consumes it and performs the signed HTTP deliveries.
type EventMessage struct {
	OwnerID   uuid.UUID          `json:"ownerId"`
	Event     constant.EventType `json:"event"`
	Data      json.RawMessage    `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

// DeliveryPayload is the body POSTed to a webhook target.
type DeliveryPayload struct {
	Event     constant.EventType `json:"event"`
	Data      json.RawMessage    `json:"data"`
	Timestamp time.Time          `json:"timestamp"`
}

type IntakeRequest struct {
	FileName    string         `json:"fileName" binding:"required"`
	ContentType string         `json:"contentType"`
	MediaKind   string         `json:"mediaKind" binding:"required"`
	SizeBytes   int64          `json:"sizeBytes" binding:"required"`
	Metadata    map[string]any `json:"metadata"`
}

type CompleteUploadRequest struct {
	Priority int `json:"priority"`
}

type CompleteUploadResponse struct {
	JobID  uuid.UUID `json:"jobId"`
	Status string    `json:"status"`
}

type IntakeResponse struct {
	MediaID   uuid.UUID `json:"mediaId"`
	UploadURL string    `json:"uploadUrl"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type MediaResponse struct {
	ID                  uuid.UUID      `json:"id"`
	Status              string         `json:"status"`
	MediaKind           string         `json:"mediaKind"`
	FileName            string         `json:"fileName"`
	SizeBytes           int64          `json:"sizeBytes"`
	DurationSeconds     *float64       `json:"durationSeconds,omitempty"`
	PlaybackURL         string         `json:"playbackUrl,omitempty"`
	ThumbnailURL        string         `json:"thumbnailUrl,omitempty"`
	TranscriptionStatus string         `json:"transcriptionStatus"`
	TranscriptText      *string        `json:"transcriptText,omitempty"`
	CaptionTrack        *string        `json:"captionTrack,omitempty"`
	DetectedLanguage    *string        `json:"detectedLanguage,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	CreatedAt           time.Time      `json:"createdAt"`
}

type CreateWebhookRequest struct {
	URL    string   `json:"url" binding:"required"`
	Events []string `json:"events" binding:"required"`
}

type WebhookResponse struct {
	ID              uuid.UUID  `json:"id"`
	URL             string     `json:"url"`
	Events          []string   `json:"events"`
	Secret          string     `json:"secret,omitempty"` // returned once, at creation
	Active          bool       `json:"active"`
	FailureCount    int        `json:"failureCount"`
	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
}

type CreateApiKeyRequest struct {
	Name               string     `json:"name" binding:"required"`
	Scopes             []string   `json:"scopes" binding:"required"`
	RateLimitPerMinute int        `json:"rateLimitPerMinute"`
	ExpiresAt          *time.Time `json:"expiresAt"`
}

type ApiKeyResponse struct {
	ID                 uuid.UUID  `json:"id"`
	Name               string     `json:"name"`
	Key                string     `json:"key,omitempty"` // plaintext, returned once at creation
	KeyPrefix          string     `json:"keyPrefix"`
	Scopes             []string   `json:"scopes"`
	RateLimitPerMinute int        `json:"rateLimitPerMinute"`
	Active             bool       `json:"active"`
	ExpiresAt          *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt         *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
}

type HealthResponse struct {
	Status         string     `json:"status"`
	PendingJobs    int64      `json:"pendingJobs"`
	ProcessingJobs int64      `json:"processingJobs"`
	IsActive       bool       `json:"isActive"`
	LastSeen       *time.Time `json:"lastSeen,omitempty"`
}
