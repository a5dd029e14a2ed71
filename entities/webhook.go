package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"media-pipeline/constant"
)

type Webhook struct {
	ID              uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OwnerID         uuid.UUID      `json:"owner_id" gorm:"type:uuid;not null;index:idx_webhooks_owner"`
	URL             string         `json:"url" gorm:"type:varchar(500);not null"`
	Secret          string         `json:"-" gorm:"type:varchar(100);not null"`
	Events          datatypes.JSON `json:"events" gorm:"type:jsonb;not null"`
	Active          bool           `json:"active" gorm:"not null;default:true"`
	FailureCount    int            `json:"failure_count" gorm:"type:integer;not null;default:0"`
	LastTriggeredAt *time.Time     `json:"last_triggered_at" gorm:"type:timestamptz"`
	CreatedAt       time.Time      `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (Webhook) TableName() string {
	return "webhooks"
}

// SubscribedTo reports whether the webhook's event set contains the given event.
func (w *Webhook) SubscribedTo(event constant.EventType) bool {
	var events []constant.EventType
	if err := json.Unmarshal(w.Events, &events); err != nil {
		return false
	}
	for _, e := range events {
		if e == event {
			return true
		}
	}
	return false
}
