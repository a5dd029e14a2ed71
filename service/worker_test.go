package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"media-pipeline/config"
	"media-pipeline/constant"
	"media-pipeline/entities"
	"media-pipeline/repository"
)

type fakeStorage struct {
	mu          sync.Mutex
	downloadErr error
	downloads   []string
	uploads     []string
}

func (s *fakeStorage) Download(ctx context.Context, objectName, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloadErr != nil {
		return s.downloadErr
	}
	s.downloads = append(s.downloads, objectName)
	if err := os.MkdirAll(filepath.Dir(filePath), os.ModePerm); err != nil {
		return err
	}
	return os.WriteFile(filePath, []byte("content"), 0o644)
}

func (s *fakeStorage) Upload(ctx context.Context, filePath, objectName, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, objectName)
	return nil
}

func (s *fakeStorage) UploadDirectory(ctx context.Context, localDir, remotePrefix string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploads = append(s.uploads, remotePrefix)
	return nil
}

func (s *fakeStorage) Remove(ctx context.Context, objectName string) error { return nil }

func (s *fakeStorage) PresignedPut(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	return "https://storage.test/put/" + objectName, nil
}

func (s *fakeStorage) PresignedGet(ctx context.Context, objectName string, expiry time.Duration) (string, error) {
	return "https://storage.test/get/" + objectName, nil
}

type stubTranscriber struct {
	result *TranscriptionResult
	err    error
}

func (t *stubTranscriber) Transcribe(ctx context.Context, mediaPath string) (*TranscriptionResult, error) {
	return t.result, t.err
}

type dispatchedEvent struct {
	owner uuid.UUID
	event constant.EventType
}

type recordingDispatcher struct {
	mu     sync.Mutex
	events []dispatchedEvent
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, ownerId uuid.UUID, event constant.EventType, data any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.events = append(d.events, dispatchedEvent{owner: ownerId, event: event})
	return nil
}

func (d *recordingDispatcher) count(event constant.EventType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, e := range d.events {
		if e.event == event {
			n++
		}
	}
	return n
}

type workerFixture struct {
	db          *gorm.DB
	repo        repository.Repository
	queue       repository.JobQueue
	storage     *fakeStorage
	transcriber *stubTranscriber
	dispatcher  *recordingDispatcher
	cfg         *config.Config
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	db := newTestDB(t)
	return &workerFixture{
		db:          db,
		repo:        repository.NewRepoWithGorm(db),
		queue:       repository.NewJobQueue(db),
		storage:     &fakeStorage{},
		transcriber: &stubTranscriber{},
		dispatcher:  &recordingDispatcher{},
		cfg: &config.Config{
			Pipeline: config.Pipeline{
				PollInterval:      10 * time.Millisecond,
				HeartbeatInterval: time.Minute,
				StaleThreshold:    5 * time.Minute,
				ReclaimInterval:   time.Minute,
				MaxAttempts:       3,
			},
		},
	}
}

func (f *workerFixture) coordinator(workerId string) *Coordinator {
	return NewCoordinator(workerId, f.queue, f.repo, f.storage, f.transcriber, f.dispatcher, f.cfg)
}

func (f *workerFixture) createAsset(t *testing.T, kind constant.MediaKind) *entities.MediaAsset {
	t.Helper()
	asset := &entities.MediaAsset{
		OwnerID:    uuid.New(),
		Status:     constant.AssetStatusUploading,
		MediaKind:  kind,
		FileName:   "upload.bin",
		SizeBytes:  7,
		StorageKey: "media/owner/asset/original/upload.bin",
	}
	require.NoError(t, f.repo.CreateMediaAsset(context.Background(), asset))
	return asset
}

func (f *workerFixture) backdateJob(t *testing.T, jobId uuid.UUID, age time.Duration) {
	t.Helper()
	old := time.Now().UTC().Add(-age)
	require.NoError(t, f.db.Exec("UPDATE transcode_jobs SET updated_at = ? WHERE id = ?", old, jobId).Error)
}

func TestRunOnceWithEmptyQueue(t *testing.T) {
	f := newWorkerFixture(t)

	claimed, err := f.coordinator("w1").RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Empty(t, f.dispatcher.events)
}

func TestRunOnceCompletesFileAsset(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	asset := f.createAsset(t, constant.MediaKindFile)
	job, err := f.queue.Enqueue(ctx, asset.ID, 0)
	require.NoError(t, err)

	claimed, err := f.coordinator("w1").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	reloaded, err := f.repo.FindMediaAssetById(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.AssetStatusReady, reloaded.Status)
	assert.Equal(t, constant.TranscriptionStatusSkipped, reloaded.TranscriptionStatus)

	doneJob, err := f.queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, doneJob.Status)

	assert.Equal(t, []string{asset.StorageKey}, f.storage.downloads)
	assert.Equal(t, 1, f.dispatcher.count(constant.EventMediaProcessing))
	assert.Equal(t, 1, f.dispatcher.count(constant.EventMediaReady))
	assert.Zero(t, f.dispatcher.count(constant.EventMediaFailed))
}

func TestRunOnceFailsJobWhenDownloadFails(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	f.storage.downloadErr = errors.New("object not found")
	asset := f.createAsset(t, constant.MediaKindFile)
	job, err := f.queue.Enqueue(ctx, asset.ID, 0)
	require.NoError(t, err)

	claimed, err := f.coordinator("w1").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	reloaded, err := f.repo.FindMediaAssetById(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.AssetStatusFailed, reloaded.Status)

	failedJob, err := f.queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, failedJob.Status)
	require.NotNil(t, failedJob.FailReason)
	assert.Contains(t, *failedJob.FailReason, "object not found")

	assert.Equal(t, 1, f.dispatcher.count(constant.EventMediaFailed))
	assert.Zero(t, f.dispatcher.count(constant.EventMediaReady))
}

func TestReclaimedJobFinishesOnSecondWorker(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	asset := f.createAsset(t, constant.MediaKindFile)
	job, err := f.queue.Enqueue(ctx, asset.ID, 0)
	require.NoError(t, err)

	// First worker claims, moves the asset forward, then dies without
	// completing or heartbeating.
	claimedJob, err := f.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, claimedJob)
	require.NoError(t, f.repo.UpdateMediaAssetStatus(ctx, asset.ID, constant.AssetStatusUploading, constant.AssetStatusProcessing))

	f.backdateJob(t, job.ID, 10*time.Minute)

	reclaimer := NewReclaimer(f.queue, f.repo, f.dispatcher, f.cfg.Pipeline)
	require.NoError(t, reclaimer.RunOnce(ctx))

	pendingAgain, err := f.queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusPending, pendingAgain.Status)

	claimed, err := f.coordinator("w2").RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, claimed)

	reloaded, err := f.repo.FindMediaAssetById(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.AssetStatusReady, reloaded.Status)

	doneJob, err := f.queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusCompleted, doneJob.Status)
	assert.Equal(t, 2, doneJob.AttemptCount)

	// The asset was already processing when the second worker picked it up, so
	// it must not re-emit the processing event; ready fires exactly once.
	assert.Zero(t, f.dispatcher.count(constant.EventMediaProcessing))
	assert.Equal(t, 1, f.dispatcher.count(constant.EventMediaReady))
}

func TestReclaimerFailsExhaustedJob(t *testing.T) {
	f := newWorkerFixture(t)
	f.cfg.Pipeline.MaxAttempts = 1
	ctx := context.Background()

	asset := f.createAsset(t, constant.MediaKindFile)
	job, err := f.queue.Enqueue(ctx, asset.ID, 0)
	require.NoError(t, err)

	_, err = f.queue.Claim(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, f.repo.UpdateMediaAssetStatus(ctx, asset.ID, constant.AssetStatusUploading, constant.AssetStatusProcessing))
	f.backdateJob(t, job.ID, 10*time.Minute)

	reclaimer := NewReclaimer(f.queue, f.repo, f.dispatcher, f.cfg.Pipeline)
	require.NoError(t, reclaimer.RunOnce(ctx))

	failedJob, err := f.queue.FindJobById(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.JobStatusFailed, failedJob.Status)

	reloaded, err := f.repo.FindMediaAssetById(ctx, asset.ID)
	require.NoError(t, err)
	assert.Equal(t, constant.AssetStatusFailed, reloaded.Status)

	assert.Equal(t, 1, f.dispatcher.count(constant.EventMediaFailed))
}

func TestTranscriptionFailureDoesNotFailJob(t *testing.T) {
	f := newWorkerFixture(t)
	ctx := context.Background()

	// Audio processing would normally probe duration with ffprobe; exercise the
	// transcription folding directly instead.
	updates := map[string]interface{}{}
	c := f.coordinator("w1")

	f.transcriber.err = errors.New("engine unavailable")
	c.transcribe(ctx, "/tmp/in.mp3", updates)
	assert.Equal(t, constant.TranscriptionStatusFailed, updates["transcription_status"])

	f.transcriber.err = nil
	f.transcriber.result = nil
	updates = map[string]interface{}{}
	c.transcribe(ctx, "/tmp/in.mp3", updates)
	assert.Equal(t, constant.TranscriptionStatusSkipped, updates["transcription_status"])

	f.transcriber.result = &TranscriptionResult{
		Text:         "hello",
		CaptionTrack: "WEBVTT\n\n",
		Segments:     []TranscriptSegment{{Start: 0, End: 1, Text: "hello"}},
		Language:     "en",
	}
	updates = map[string]interface{}{}
	c.transcribe(ctx, "/tmp/in.mp3", updates)
	assert.Equal(t, constant.TranscriptionStatusCompleted, updates["transcription_status"])
	assert.Equal(t, "hello", updates["transcript_text"])
	assert.Equal(t, "en", updates["detected_language"])
	assert.NotEmpty(t, updates["transcript_segments"])
}
