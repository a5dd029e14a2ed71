package service

import (
	"context"
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"media-pipeline/config"
	"media-pipeline/constant"
	"media-pipeline/dto"
	"media-pipeline/entities"
	"media-pipeline/repository"
)

func testWebhookConfig() config.Webhook {
	return config.Webhook{
		DisableThreshold: 3,
		DeliveryTimeout:  5 * time.Second,
	}
}

func createWebhook(t *testing.T, repo repository.Repository, owner uuid.UUID, url string, events ...constant.EventType) *entities.Webhook {
	t.Helper()
	raw, err := json.Marshal(events)
	require.NoError(t, err)

	webhook := &entities.Webhook{
		OwnerID: owner,
		URL:     url,
		Secret:  "whsec_topsecret",
		Events:  raw,
		Active:  true,
	}
	require.NoError(t, repo.CreateWebhook(context.Background(), webhook))
	return webhook
}

func testEventMessage(owner uuid.UUID, event constant.EventType) dto.EventMessage {
	return dto.EventMessage{
		OwnerID:   owner,
		Event:     event,
		Data:      json.RawMessage(`{"id":"abc"}`),
		Timestamp: time.Now().UTC(),
	}
}

func TestDeliverOneSignsPayload(t *testing.T) {
	repo, _ := newTestRepo(t)
	owner := uuid.New()

	var gotEvent string
	var gotSignature string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotEvent = r.Header.Get(EventHeader)
		gotSignature = r.Header.Get(SignatureHeader)
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	webhook := createWebhook(t, repo, owner, server.URL, constant.EventMediaReady)
	d := NewDeliverer(repo, testWebhookConfig())

	msg := testEventMessage(owner, constant.EventMediaReady)
	assert.True(t, d.DeliverOne(context.Background(), webhook, msg))

	assert.Equal(t, "media.ready", gotEvent)

	// The receiver can recompute the signature from secret and raw body.
	want := Sign(webhook.Secret, gotBody)
	assert.True(t, hmac.Equal([]byte(want), []byte(gotSignature)))

	var payload dto.DeliveryPayload
	require.NoError(t, json.Unmarshal(gotBody, &payload))
	assert.Equal(t, constant.EventMediaReady, payload.Event)

	reloaded, err := repo.FindWebhookById(context.Background(), webhook.ID, owner)
	require.NoError(t, err)
	assert.Zero(t, reloaded.FailureCount)
	assert.NotNil(t, reloaded.LastTriggeredAt)
}

func TestDeliverOneDisablesAfterRepeatedFailures(t *testing.T) {
	repo, _ := newTestRepo(t)
	owner := uuid.New()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := testWebhookConfig()
	webhook := createWebhook(t, repo, owner, server.URL, constant.EventMediaReady)
	d := NewDeliverer(repo, cfg)
	msg := testEventMessage(owner, constant.EventMediaReady)

	for i := 1; i <= cfg.DisableThreshold; i++ {
		assert.False(t, d.DeliverOne(context.Background(), webhook, msg))

		reloaded, err := repo.FindWebhookById(context.Background(), webhook.ID, owner)
		require.NoError(t, err)
		assert.Equal(t, i, reloaded.FailureCount)
		assert.Equal(t, i >= cfg.DisableThreshold, !reloaded.Active)
	}
}

func TestDeliverOneSuccessResetsFailureCount(t *testing.T) {
	repo, _ := newTestRepo(t)
	owner := uuid.New()

	var fail atomic.Bool
	fail.Store(true)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := createWebhook(t, repo, owner, server.URL, constant.EventMediaReady)
	d := NewDeliverer(repo, testWebhookConfig())
	msg := testEventMessage(owner, constant.EventMediaReady)

	d.DeliverOne(context.Background(), webhook, msg)
	d.DeliverOne(context.Background(), webhook, msg)

	fail.Store(false)
	assert.True(t, d.DeliverOne(context.Background(), webhook, msg))

	reloaded, err := repo.FindWebhookById(context.Background(), webhook.ID, owner)
	require.NoError(t, err)
	assert.Zero(t, reloaded.FailureCount)
	assert.True(t, reloaded.Active)
}

func TestDeliverFiltersBySubscriptionAndOwner(t *testing.T) {
	repo, _ := newTestRepo(t)
	owner := uuid.New()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	createWebhook(t, repo, owner, server.URL, constant.EventMediaReady)
	createWebhook(t, repo, owner, server.URL, constant.EventMediaFailed)
	createWebhook(t, repo, uuid.New(), server.URL, constant.EventMediaReady)

	d := NewDeliverer(repo, testWebhookConfig())
	require.NoError(t, d.Deliver(context.Background(), testEventMessage(owner, constant.EventMediaReady)))

	// Only the owner's media.ready subscriber is hit.
	assert.Equal(t, int64(1), hits.Load())
}

func TestDeliverSkipsInactiveWebhooks(t *testing.T) {
	repo, db := newTestRepo(t)
	owner := uuid.New()

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	webhook := createWebhook(t, repo, owner, server.URL, constant.EventMediaReady)
	require.NoError(t, db.Model(webhook).Update("active", false).Error)

	d := NewDeliverer(repo, testWebhookConfig())
	require.NoError(t, d.Deliver(context.Background(), testEventMessage(owner, constant.EventMediaReady)))
	assert.Zero(t, hits.Load())
}

func TestGenerateWebhookSecret(t *testing.T) {
	first, err := GenerateWebhookSecret()
	require.NoError(t, err)
	second, err := GenerateWebhookSecret()
	require.NoError(t, err)

	assert.Regexp(t, "^whsec_[0-9a-f]{64}$", first)
	assert.NotEqual(t, first, second)
}

type recordingPublisher struct {
	messages []dto.EventMessage
	err      error
}

func (p *recordingPublisher) Publish(ctx context.Context, msg dto.EventMessage) error {
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msg)
	return nil
}

func TestDispatchBuildsEnvelope(t *testing.T) {
	publisher := &recordingPublisher{}
	dispatcher := NewEventDispatcher(publisher)
	owner := uuid.New()

	err := dispatcher.Dispatch(context.Background(), owner, constant.EventMediaReady, map[string]string{"id": "abc"})
	require.NoError(t, err)

	require.Len(t, publisher.messages, 1)
	msg := publisher.messages[0]
	assert.Equal(t, owner, msg.OwnerID)
	assert.Equal(t, constant.EventMediaReady, msg.Event)
	assert.JSONEq(t, `{"id":"abc"}`, string(msg.Data))
	assert.WithinDuration(t, time.Now().UTC(), msg.Timestamp, time.Minute)
}
