package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"media-pipeline/config"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/repository"
	"media-pipeline/service"
)

const (
	uploadURLExpiry   = 15 * time.Minute
	playbackURLExpiry = time.Hour
)

type ServiceDependencies struct {
	Deliverer service.Deliverer
}

// DeliveryHandler consumes one event envelope from the outbox and performs
// the webhook deliveries for it.
func DeliveryHandler(ctx context.Context, msg amqp.Delivery, deps ServiceDependencies) error {
	var event dto.EventMessage
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to unmarshal event message")
		return err
	}

	return deps.Deliverer.Deliver(ctx, event)
}

type Handler struct {
	repo      repository.Repository
	queue     repository.JobQueue
	storage   service.Storage
	events    service.EventDispatcher
	health    *service.HealthService
	deliverer service.Deliverer
	cfg       *config.Config
}

func NewHandler(
	repo repository.Repository,
	queue repository.JobQueue,
	storage service.Storage,
	events service.EventDispatcher,
	health *service.HealthService,
	deliverer service.Deliverer,
	cfg *config.Config,
) *Handler {
	return &Handler{
		repo:      repo,
		queue:     queue,
		storage:   storage,
		events:    events,
		health:    health,
		deliverer: deliverer,
		cfg:       cfg,
	}
}

func (h *Handler) RegisterRoutes(r *gin.Engine, auth *service.Authenticator) {
	r.GET("/health", h.Health)

	v1 := r.Group("/api/v1", Authenticate(auth))

	v1.POST("/media", RequireScope(constant.PermissionWrite), h.CreateMedia)
	v1.POST("/media/:id/complete", RequireScope(constant.PermissionWrite), h.CompleteUpload)
	v1.GET("/media/:id", RequireScope(constant.PermissionRead), h.GetMedia)
	v1.DELETE("/media/:id", RequireScope(constant.PermissionDelete), h.DeleteMedia)

	v1.POST("/webhooks", RequireScope(constant.PermissionWrite), h.CreateWebhook)
	v1.GET("/webhooks", RequireScope(constant.PermissionRead), h.ListWebhooks)
	v1.DELETE("/webhooks/:id", RequireScope(constant.PermissionWrite), h.DeleteWebhook)
	v1.POST("/webhooks/:id/test", RequireScope(constant.PermissionWrite), h.TestWebhook)

	v1.POST("/keys", RequireScope(constant.PermissionWrite), h.CreateApiKey)
	v1.GET("/keys", RequireScope(constant.PermissionRead), h.ListApiKeys)
	v1.DELETE("/keys/:id", RequireScope(constant.PermissionWrite), h.RevokeApiKey)
}

func (h *Handler) Health(c *gin.Context) {
	resp, err := h.health.Check(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "health check failed"})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// CreateMedia is the intake entry point: it validates the request, enforces
// the owner's storage quota, creates the asset record and returns a presigned
// upload URL. No job exists until the upload is completed.
func (h *Handler) CreateMedia(c *gin.Context) {
	identity := identityFrom(c)

	var req dto.IntakeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid intake request"})
		return
	}

	kind := constant.MediaKind(req.MediaKind)
	if !kind.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported media kind"})
		return
	}
	if req.SizeBytes <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sizeBytes must be positive"})
		return
	}

	used, err := h.repo.SumOwnerStorageBytes(c.Request.Context(), identity.OwnerID)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to compute owner storage usage")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intake failed"})
		return
	}
	if used+req.SizeBytes > h.cfg.Quota.StorageBytesPerOwner {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "storage quota exceeded"})
		return
	}

	assetId := uuid.New()
	metadata, err := json.Marshal(req.Metadata)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid metadata"})
		return
	}

	asset := &entities.MediaAsset{
		ID:                  assetId,
		OwnerID:             identity.OwnerID,
		Status:              constant.AssetStatusUploading,
		MediaKind:           kind,
		FileName:            req.FileName,
		ContentType:         req.ContentType,
		SizeBytes:           req.SizeBytes,
		StorageKey:          path.Join("media", identity.OwnerID.String(), assetId.String(), "original", req.FileName),
		TranscriptionStatus: constant.TranscriptionStatusPending,
		Metadata:            metadata,
	}

	if err := h.repo.CreateMediaAsset(c.Request.Context(), asset); err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to create media asset")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intake failed"})
		return
	}

	uploadURL, err := h.storage.PresignedPut(c.Request.Context(), asset.StorageKey, uploadURLExpiry)
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to presign upload url")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "intake failed"})
		return
	}

	c.JSON(http.StatusCreated, dto.IntakeResponse{
		MediaID:   asset.ID,
		UploadURL: uploadURL,
		ExpiresAt: time.Now().UTC().Add(uploadURLExpiry),
	})
}

// CompleteUpload turns a finished upload into pipeline work: it enqueues the
// transcode job and announces the asset.
func (h *Handler) CompleteUpload(c *gin.Context) {
	identity := identityFrom(c)

	asset, ok := h.ownedAsset(c, identity.OwnerID)
	if !ok {
		return
	}

	if asset.Status != constant.AssetStatusUploading {
		c.JSON(http.StatusConflict, gin.H{"error": "upload already completed"})
		return
	}

	var req dto.CompleteUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	job, err := h.queue.Enqueue(c.Request.Context(), asset.ID, req.Priority)
	if errors.Is(err, repository.ErrDuplicateJob) {
		c.JSON(http.StatusConflict, gin.H{"error": "asset already has an active job"})
		return
	}
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to enqueue transcode job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "enqueue failed"})
		return
	}

	h.dispatch(c.Request.Context(), identity.OwnerID, constant.EventMediaUploaded, map[string]any{
		"mediaId":   asset.ID,
		"mediaKind": asset.MediaKind,
		"fileName":  asset.FileName,
	})

	c.JSON(http.StatusAccepted, dto.CompleteUploadResponse{
		JobID:  job.ID,
		Status: string(job.Status),
	})
}

func (h *Handler) GetMedia(c *gin.Context) {
	identity := identityFrom(c)

	asset, ok := h.ownedAsset(c, identity.OwnerID)
	if !ok {
		return
	}

	resp := dto.MediaResponse{
		ID:                  asset.ID,
		Status:              string(asset.Status),
		MediaKind:           string(asset.MediaKind),
		FileName:            asset.FileName,
		SizeBytes:           asset.SizeBytes,
		DurationSeconds:     asset.DurationSeconds,
		TranscriptionStatus: string(asset.TranscriptionStatus),
		TranscriptText:      asset.TranscriptText,
		CaptionTrack:        asset.CaptionTrack,
		DetectedLanguage:    asset.DetectedLanguage,
		CreatedAt:           asset.CreatedAt,
	}

	if len(asset.Metadata) > 0 {
		if err := json.Unmarshal(asset.Metadata, &resp.Metadata); err != nil {
			zerolog.Ctx(c.Request.Context()).Warn().Err(err).Msg("failed to decode asset metadata")
		}
	}

	if asset.Status == constant.AssetStatusReady {
		if asset.PlaybackKey != nil {
			if u, err := h.storage.PresignedGet(c.Request.Context(), *asset.PlaybackKey, playbackURLExpiry); err == nil {
				resp.PlaybackURL = u
			}
		}
		if asset.ThumbnailKey != nil {
			if u, err := h.storage.PresignedGet(c.Request.Context(), *asset.ThumbnailKey, playbackURLExpiry); err == nil {
				resp.ThumbnailURL = u
			}
		}
	}

	c.JSON(http.StatusOK, resp)
}

// DeleteMedia observes an external deletion. Removing the row and the stored
// bytes belongs to the owning collaborator layer; the pipeline only announces
// the event.
func (h *Handler) DeleteMedia(c *gin.Context) {
	identity := identityFrom(c)

	asset, ok := h.ownedAsset(c, identity.OwnerID)
	if !ok {
		return
	}

	h.dispatch(c.Request.Context(), identity.OwnerID, constant.EventMediaDeleted, map[string]any{
		"mediaId":   asset.ID,
		"mediaKind": asset.MediaKind,
		"fileName":  asset.FileName,
	})

	c.JSON(http.StatusAccepted, gin.H{"status": "deletion observed"})
}

func (h *Handler) CreateWebhook(c *gin.Context) {
	identity := identityFrom(c)

	var req dto.CreateWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook request"})
		return
	}

	target, err := url.Parse(req.URL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook url"})
		return
	}
	if len(req.Events) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one event is required"})
		return
	}
	for _, e := range req.Events {
		if !constant.EventType(e).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown event type: " + e})
			return
		}
	}

	secret, err := service.GenerateWebhookSecret()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook creation failed"})
		return
	}

	events, _ := json.Marshal(req.Events)
	webhook := &entities.Webhook{
		ID:      uuid.New(),
		OwnerID: identity.OwnerID,
		URL:     req.URL,
		Secret:  secret,
		Events:  events,
		Active:  true,
	}

	if err := h.repo.CreateWebhook(c.Request.Context(), webhook); err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to create webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "webhook creation failed"})
		return
	}

	resp := webhookResponse(webhook)
	resp.Secret = secret // shown once
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListWebhooks(c *gin.Context) {
	identity := identityFrom(c)

	webhooks, err := h.repo.ListWebhooksByOwner(c.Request.Context(), identity.OwnerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list webhooks"})
		return
	}

	resp := make([]dto.WebhookResponse, 0, len(webhooks))
	for _, w := range webhooks {
		resp = append(resp, webhookResponse(w))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) DeleteWebhook(c *gin.Context) {
	identity := identityFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	if err := h.repo.DeleteWebhook(c.Request.Context(), id, identity.OwnerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete webhook"})
		return
	}
	c.Status(http.StatusNoContent)
}

// TestWebhook performs one synchronous signed delivery so owners can verify
// their receiver before real traffic arrives.
func (h *Handler) TestWebhook(c *gin.Context) {
	identity := identityFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid webhook id"})
		return
	}

	webhook, err := h.repo.FindWebhookById(c.Request.Context(), id, identity.OwnerID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "webhook not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load webhook"})
		return
	}

	sample, _ := json.Marshal(map[string]any{"test": true})
	delivered := h.deliverer.DeliverOne(c.Request.Context(), webhook, dto.EventMessage{
		OwnerID:   identity.OwnerID,
		Event:     constant.EventMediaReady,
		Data:      sample,
		Timestamp: time.Now().UTC(),
	})

	c.JSON(http.StatusOK, gin.H{"delivered": delivered})
}

func (h *Handler) CreateApiKey(c *gin.Context) {
	identity := identityFrom(c)

	var req dto.CreateApiKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid api key request"})
		return
	}

	if len(req.Scopes) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "at least one scope is required"})
		return
	}
	for _, s := range req.Scopes {
		if !constant.Permission(s).Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown scope: " + s})
			return
		}
	}

	plaintext, prefix, hash, err := service.GenerateKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key generation failed"})
		return
	}

	rateLimit := req.RateLimitPerMinute
	if rateLimit <= 0 {
		rateLimit = 60
	}

	scopes, _ := json.Marshal(req.Scopes)
	key := &entities.ApiKey{
		ID:                 uuid.New(),
		OwnerID:            identity.OwnerID,
		Name:               req.Name,
		KeyPrefix:          prefix,
		KeyHash:            hash,
		Scopes:             scopes,
		RateLimitPerMinute: rateLimit,
		Active:             true,
		ExpiresAt:          req.ExpiresAt,
	}

	if err := h.repo.CreateApiKey(c.Request.Context(), key); err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to create api key")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "key creation failed"})
		return
	}

	resp := apiKeyResponse(key)
	resp.Key = plaintext // shown once
	c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListApiKeys(c *gin.Context) {
	identity := identityFrom(c)

	keys, err := h.repo.ListApiKeysByOwner(c.Request.Context(), identity.OwnerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list api keys"})
		return
	}

	resp := make([]dto.ApiKeyResponse, 0, len(keys))
	for _, k := range keys {
		resp = append(resp, apiKeyResponse(k))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RevokeApiKey(c *gin.Context) {
	identity := identityFrom(c)

	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid key id"})
		return
	}

	if err := h.repo.DeactivateApiKey(c.Request.Context(), id, identity.OwnerID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke api key"})
		return
	}
	c.Status(http.StatusNoContent)
}

// ownedAsset loads the path asset and enforces ownership. Foreign assets look
// identical to missing ones.
func (h *Handler) ownedAsset(c *gin.Context, ownerId uuid.UUID) (*entities.MediaAsset, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid media id"})
		return nil, false
	}

	asset, err := h.repo.FindMediaAssetById(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
		return nil, false
	}
	if err != nil {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Msg("failed to load media asset")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return nil, false
	}
	if asset.OwnerID != ownerId {
		c.JSON(http.StatusNotFound, gin.H{"error": "media not found"})
		return nil, false
	}

	return asset, true
}

func (h *Handler) dispatch(ctx context.Context, ownerId uuid.UUID, event constant.EventType, data any) {
	if err := h.events.Dispatch(ctx, ownerId, event, data); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", string(event)).Msg("event dispatch failed")
	}
}

func webhookResponse(w *entities.Webhook) dto.WebhookResponse {
	var events []string
	_ = json.Unmarshal(w.Events, &events)
	return dto.WebhookResponse{
		ID:              w.ID,
		URL:             w.URL,
		Events:          events,
		Active:          w.Active,
		FailureCount:    w.FailureCount,
		LastTriggeredAt: w.LastTriggeredAt,
	}
}

func apiKeyResponse(k *entities.ApiKey) dto.ApiKeyResponse {
	var scopes []string
	_ = json.Unmarshal(k.Scopes, &scopes)
	return dto.ApiKeyResponse{
		ID:                 k.ID,
		Name:               k.Name,
		KeyPrefix:          k.KeyPrefix,
		Scopes:             scopes,
		RateLimitPerMinute: k.RateLimitPerMinute,
		Active:             k.Active,
		ExpiresAt:          k.ExpiresAt,
		LastUsedAt:         k.LastUsedAt,
		CreatedAt:          k.CreatedAt,
	}
}
