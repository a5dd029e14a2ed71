package service

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-pipeline/config"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/repository"
)

const (
	SignatureHeader = "X-Webhook-Signature"
	EventHeader     = "X-Webhook-Event"
)

// Publisher writes event envelopes to the delivery outbox. Publishing is the
// only webhook work done on the job-completion path; actual HTTP delivery
// happens in the dispatcher consumer.
type Publisher interface {
	Publish(ctx context.Context, msg dto.EventMessage) error
}

// EventDispatcher is the publish-side API used by the worker and handlers.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ownerId uuid.UUID, event constant.EventType, data any) error
}

type events struct {
	publisher Publisher
}

func NewEventDispatcher(publisher Publisher) EventDispatcher {
	return &events{
		publisher: publisher,
	}
}

func (e *events) Dispatch(ctx context.Context, ownerId uuid.UUID, event constant.EventType, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	msg := dto.EventMessage{
		OwnerID:   ownerId,
		Event:     event,
		Data:      raw,
		Timestamp: time.Now().UTC(),
	}

	if err := e.publisher.Publish(ctx, msg); err != nil {
		// A webhook outage must never fail the pipeline; record and move on.
		zerolog.Ctx(ctx).Error().Err(err).Str("event", string(event)).Msg("failed to publish event")
		return err
	}

	return nil
}

// Deliverer performs the signed HTTP deliveries for one event envelope.
type Deliverer interface {
	Deliver(ctx context.Context, msg dto.EventMessage) error
	DeliverOne(ctx context.Context, webhook *entities.Webhook, msg dto.EventMessage) bool
}

type deliverer struct {
	repo   repository.Repository
	cfg    config.Webhook
	client *http.Client
}

func NewDeliverer(repo repository.Repository, cfg config.Webhook) Deliverer {
	return &deliverer{
		repo: repo,
		cfg:  cfg,
		client: &http.Client{
			Timeout: cfg.DeliveryTimeout,
		},
	}
}

func (d *deliverer) Deliver(ctx context.Context, msg dto.EventMessage) error {
	webhooks, err := d.repo.ListActiveWebhooksByOwner(ctx, msg.OwnerID)
	if err != nil {
		return err
	}

	for _, webhook := range webhooks {
		if !webhook.SubscribedTo(msg.Event) {
			continue
		}
		d.DeliverOne(ctx, webhook, msg)
	}

	return nil
}

// DeliverOne posts the signed payload to a single webhook and records the
// outcome on its failure counter. Returns whether the target accepted it.
func (d *deliverer) DeliverOne(ctx context.Context, webhook *entities.Webhook, msg dto.EventMessage) bool {
	payload := dto.DeliveryPayload{
		Event:     msg.Event,
		Data:      msg.Data,
		Timestamp: msg.Timestamp,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to encode delivery payload")
		return false
	}

	delivered := d.attempt(ctx, webhook.URL, webhook.Secret, string(msg.Event), body)
	if delivered {
		if err := d.repo.RecordWebhookSuccess(ctx, webhook.ID); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("webhook_id", webhook.ID.String()).Msg("failed to record webhook success")
		}
	} else {
		if err := d.repo.RecordWebhookFailure(ctx, webhook.ID, d.cfg.DisableThreshold); err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("webhook_id", webhook.ID.String()).Msg("failed to record webhook failure")
		}
	}

	return delivered
}

func (d *deliverer) attempt(ctx context.Context, url, secret, event string, body []byte) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("url", url).Msg("failed to build webhook request")
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(secret, body))
	req.Header.Set(EventHeader, event)

	resp, err := d.client.Do(req)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("url", url).Msg("webhook delivery failed")
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		zerolog.Ctx(ctx).Warn().Int("status", resp.StatusCode).Str("url", url).Msg("webhook delivery rejected")
		return false
	}

	return true
}

// Sign computes the hex HMAC-SHA256 of the body keyed by the webhook secret.
// Receivers recompute it to verify authenticity.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// GenerateWebhookSecret returns a new shared secret. It is shown once, at
// webhook creation.
func GenerateWebhookSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}
