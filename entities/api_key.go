package entities

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"media-pipeline/constant"
)

type ApiKey struct {
	ID                 uuid.UUID      `json:"id" gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	OwnerID            uuid.UUID      `json:"owner_id" gorm:"type:uuid;not null;index:idx_api_keys_owner"`
	Name               string         `json:"name" gorm:"type:varchar(100);not null"`
	KeyPrefix          string         `json:"key_prefix" gorm:"type:varchar(20);not null"`
	KeyHash            string         `json:"-" gorm:"type:varchar(64);not null;uniqueIndex:idx_api_keys_hash"`
	Scopes             datatypes.JSON `json:"scopes" gorm:"type:jsonb;not null"`
	RateLimitPerMinute int            `json:"rate_limit_per_minute" gorm:"type:integer;not null;default:60"`
	Active             bool           `json:"active" gorm:"not null;default:true"`
	ExpiresAt          *time.Time     `json:"expires_at" gorm:"type:timestamptz"`
	LastUsedAt         *time.Time     `json:"last_used_at" gorm:"type:timestamptz"`
	CreatedAt          time.Time      `json:"created_at" gorm:"type:timestamptz;not null;default:CURRENT_TIMESTAMP"`
}

func (ApiKey) TableName() string {
	return "api_keys"
}

// HasScope reports whether the key grants the given permission.
func (k *ApiKey) HasScope(p constant.Permission) bool {
	for _, s := range k.ScopeList() {
		if s == p {
			return true
		}
	}
	return false
}

func (k *ApiKey) ScopeList() []constant.Permission {
	var scopes []constant.Permission
	if err := json.Unmarshal(k.Scopes, &scopes); err != nil {
		return nil
	}
	return scopes
}
