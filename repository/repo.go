package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"media-pipeline/constant"
	"media-pipeline/entities"
)

// ErrStatusConflict is returned when a conditional asset status update finds
// the row in an unexpected state. Asset status only ever moves forward.
var ErrStatusConflict = errors.New("asset status conflict")

type Repository interface {
	GetDB() *gorm.DB

	CreateMediaAsset(ctx context.Context, asset *entities.MediaAsset) error
	FindMediaAssetById(ctx context.Context, id uuid.UUID) (*entities.MediaAsset, error)
	UpdateMediaAssetStatus(ctx context.Context, id uuid.UUID, from, to constant.AssetStatus) error
	UpdateMediaAssetFields(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error
	SumOwnerStorageBytes(ctx context.Context, ownerId uuid.UUID) (int64, error)

	CreateWebhook(ctx context.Context, webhook *entities.Webhook) error
	FindWebhookById(ctx context.Context, id uuid.UUID, ownerId uuid.UUID) (*entities.Webhook, error)
	ListWebhooksByOwner(ctx context.Context, ownerId uuid.UUID) ([]*entities.Webhook, error)
	ListActiveWebhooksByOwner(ctx context.Context, ownerId uuid.UUID) ([]*entities.Webhook, error)
	DeleteWebhook(ctx context.Context, id uuid.UUID, ownerId uuid.UUID) error
	RecordWebhookSuccess(ctx context.Context, id uuid.UUID) error
	RecordWebhookFailure(ctx context.Context, id uuid.UUID, disableThreshold int) error

	CreateApiKey(ctx context.Context, key *entities.ApiKey) error
	FindApiKeyByHash(ctx context.Context, hash string) (*entities.ApiKey, error)
	ListApiKeysByOwner(ctx context.Context, ownerId uuid.UUID) ([]*entities.ApiKey, error)
	DeactivateApiKey(ctx context.Context, id uuid.UUID, ownerId uuid.UUID) error
	TouchApiKey(ctx context.Context, id uuid.UUID) error
}

type repo struct {
	db *gorm.DB
}

func NewRepo(db *sql.DB) Repository {
	gormDB, _ := gorm.Open(postgres.New(postgres.Config{
		Conn: db}),
		&gorm.Config{
			Logger: logger.Default.LogMode(logger.Warn),
		},
	)
	return NewRepoWithGorm(gormDB)
}

func NewRepoWithGorm(db *gorm.DB) Repository {
	return &repo{
		db: db,
	}
}

func (r *repo) GetDB() *gorm.DB {
	return r.db
}

func (r *repo) CreateMediaAsset(ctx context.Context, asset *entities.MediaAsset) error {
	if asset.ID == uuid.Nil {
		asset.ID = uuid.New()
	}
	return r.GetDB().WithContext(ctx).Create(asset).Error
}

func (r *repo) FindMediaAssetById(ctx context.Context, id uuid.UUID) (*entities.MediaAsset, error) {
	asset := &entities.MediaAsset{}
	err := r.GetDB().WithContext(ctx).First(asset, "id = ?", id).Error
	if err != nil {
		return nil, err
	}

	return asset, nil
}

func (r *repo) UpdateMediaAssetStatus(ctx context.Context, id uuid.UUID, from, to constant.AssetStatus) error {
	res := r.GetDB().WithContext(ctx).Model(&entities.MediaAsset{}).
		Where("id = ? AND status = ?", id, from).
		Update("status", to)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStatusConflict
	}
	return nil
}

func (r *repo) UpdateMediaAssetFields(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	return r.GetDB().WithContext(ctx).Model(&entities.MediaAsset{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) SumOwnerStorageBytes(ctx context.Context, ownerId uuid.UUID) (int64, error) {
	var total sql.NullInt64
	err := r.GetDB().WithContext(ctx).Model(&entities.MediaAsset{}).
		Where("owner_id = ?", ownerId).
		Select("SUM(size_bytes)").
		Scan(&total).Error
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (r *repo) CreateWebhook(ctx context.Context, webhook *entities.Webhook) error {
	if webhook.ID == uuid.Nil {
		webhook.ID = uuid.New()
	}
	return r.GetDB().WithContext(ctx).Create(webhook).Error
}

func (r *repo) FindWebhookById(ctx context.Context, id uuid.UUID, ownerId uuid.UUID) (*entities.Webhook, error) {
	webhook := &entities.Webhook{}
	err := r.GetDB().WithContext(ctx).First(webhook, "id = ? AND owner_id = ?", id, ownerId).Error
	if err != nil {
		return nil, err
	}
	return webhook, nil
}

func (r *repo) ListWebhooksByOwner(ctx context.Context, ownerId uuid.UUID) ([]*entities.Webhook, error) {
	var webhooks []*entities.Webhook
	err := r.GetDB().WithContext(ctx).Where("owner_id = ?", ownerId).Order("created_at ASC").Find(&webhooks).Error
	if err != nil {
		return nil, err
	}
	return webhooks, nil
}

func (r *repo) ListActiveWebhooksByOwner(ctx context.Context, ownerId uuid.UUID) ([]*entities.Webhook, error) {
	var webhooks []*entities.Webhook
	err := r.GetDB().WithContext(ctx).Where("owner_id = ? AND active = ?", ownerId, true).Find(&webhooks).Error
	if err != nil {
		return nil, err
	}
	return webhooks, nil
}

func (r *repo) DeleteWebhook(ctx context.Context, id uuid.UUID, ownerId uuid.UUID) error {
	return r.GetDB().WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerId).Delete(&entities.Webhook{}).Error
}

func (r *repo) RecordWebhookSuccess(ctx context.Context, id uuid.UUID) error {
	updates := map[string]interface{}{
		"failure_count":     0,
		"last_triggered_at": time.Now().UTC(),
	}
	return r.GetDB().WithContext(ctx).Model(&entities.Webhook{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) RecordWebhookFailure(ctx context.Context, id uuid.UUID, disableThreshold int) error {
	updates := map[string]interface{}{
		"failure_count": gorm.Expr("failure_count + 1"),
		"active":        gorm.Expr("CASE WHEN failure_count + 1 >= ? THEN ? ELSE active END", disableThreshold, false),
	}
	return r.GetDB().WithContext(ctx).Model(&entities.Webhook{}).Where("id = ?", id).Updates(updates).Error
}

func (r *repo) CreateApiKey(ctx context.Context, key *entities.ApiKey) error {
	if key.ID == uuid.Nil {
		key.ID = uuid.New()
	}
	return r.GetDB().WithContext(ctx).Create(key).Error
}

func (r *repo) FindApiKeyByHash(ctx context.Context, hash string) (*entities.ApiKey, error) {
	key := &entities.ApiKey{}
	err := r.GetDB().WithContext(ctx).First(key, "key_hash = ?", hash).Error
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (r *repo) ListApiKeysByOwner(ctx context.Context, ownerId uuid.UUID) ([]*entities.ApiKey, error) {
	var keys []*entities.ApiKey
	err := r.GetDB().WithContext(ctx).Where("owner_id = ?", ownerId).Order("created_at ASC").Find(&keys).Error
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *repo) DeactivateApiKey(ctx context.Context, id uuid.UUID, ownerId uuid.UUID) error {
	return r.GetDB().WithContext(ctx).Model(&entities.ApiKey{}).
		Where("id = ? AND owner_id = ?", id, ownerId).
		Update("active", false).Error
}

func (r *repo) TouchApiKey(ctx context.Context, id uuid.UUID) error {
	return r.GetDB().WithContext(ctx).Model(&entities.ApiKey{}).
		Where("id = ?", id).
		Update("last_used_at", time.Now().UTC()).Error
}
