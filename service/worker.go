package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"media-pipeline/config"
	"media-pipeline/constant"
	"media-pipeline/entities"
	"media-pipeline/repository"
)

// ErrTranscodeFailed marks unrecoverable processing failures. The job and the
// asset both end up failed.
var ErrTranscodeFailed = errors.New("transcode failed")

// Coordinator drives the claim -> execute -> report loop for one worker
// identity. Multiple coordinators (in one process or across processes) only
// coordinate through the queue's conditional updates.
type Coordinator struct {
	workerId    string
	queue       repository.JobQueue
	repo        repository.Repository
	storage     Storage
	transcriber Transcriber
	events      EventDispatcher
	cfg         *config.Config
}

func NewCoordinator(
	workerId string,
	queue repository.JobQueue,
	repo repository.Repository,
	storage Storage,
	transcriber Transcriber,
	events EventDispatcher,
	cfg *config.Config,
) *Coordinator {
	return &Coordinator{
		workerId:    workerId,
		queue:       queue,
		repo:        repo,
		storage:     storage,
		transcriber: transcriber,
		events:      events,
		cfg:         cfg,
	}
}

// Run polls the queue until the context is cancelled. One job in flight at a
// time; throughput scales by running more workers.
func (c *Coordinator) Run(ctx context.Context) {
	zerolog.Ctx(ctx).Info().Str("worker_id", c.workerId).Msg("worker started")

	for {
		claimed, err := c.RunOnce(ctx)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("worker_id", c.workerId).Msg("worker iteration failed")
		}

		if claimed {
			continue
		}

		select {
		case <-ctx.Done():
			zerolog.Ctx(ctx).Info().Str("worker_id", c.workerId).Msg("worker stopped")
			return
		case <-time.After(c.cfg.Pipeline.PollInterval):
		}
	}
}

// RunOnce attempts a single claim and, on success, processes the job to a
// terminal state. Returns whether a job was claimed.
func (c *Coordinator) RunOnce(ctx context.Context) (bool, error) {
	if ctx.Err() != nil {
		return false, nil
	}

	job, err := c.queue.Claim(ctx, c.workerId)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}

	c.process(ctx, job)
	return true, nil
}

func (c *Coordinator) process(ctx context.Context, job *entities.TranscodeJob) {
	logger := zerolog.Ctx(ctx).With().
		Str("worker_id", c.workerId).
		Str("job_id", job.ID.String()).
		Str("asset_id", job.MediaAssetID.String()).
		Logger()
	ctx = logger.WithContext(ctx)
	logger.Info().Int("attempt", job.AttemptCount).Msg("processing job")

	asset, err := c.repo.FindMediaAssetById(ctx, job.MediaAssetID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to load media asset")
		c.reportFailure(ctx, job, nil, "media asset not found")
		return
	}

	// First claim moves the asset forward; a reclaimed job finds it already
	// processing and must not emit the event again.
	err = c.repo.UpdateMediaAssetStatus(ctx, asset.ID, constant.AssetStatusUploading, constant.AssetStatusProcessing)
	if err == nil {
		c.dispatchLifecycle(ctx, asset, constant.EventMediaProcessing)
	} else if !errors.Is(err, repository.ErrStatusConflict) {
		logger.Error().Err(err).Msg("failed to move asset to processing")
		c.reportFailure(ctx, job, asset, "asset status update failed")
		return
	}

	// Heartbeats run for the duration of processing; losing ownership cancels
	// the work so an abandoned job stops consuming the worker.
	procCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.heartbeatLoop(procCtx, job.ID, cancel)
	}()

	updates, err := c.execute(procCtx, asset)
	lostOwnership := procCtx.Err() != nil && ctx.Err() == nil
	cancel()
	<-hbDone

	if err != nil {
		if lostOwnership {
			// Reclaimed mid-flight: abandon silently, another worker owns it now.
			logger.Warn().Msg("job reclaimed while processing, abandoning")
			return
		}
		logger.Error().Err(err).Msg("job processing failed")
		c.reportFailure(ctx, job, asset, err.Error())
		return
	}

	if err := c.repo.UpdateMediaAssetFields(ctx, asset.ID, updates); err != nil {
		logger.Error().Err(err).Msg("failed to store derived asset fields")
		c.reportFailure(ctx, job, asset, "failed to store derived fields")
		return
	}
	if err := c.repo.UpdateMediaAssetStatus(ctx, asset.ID, constant.AssetStatusProcessing, constant.AssetStatusReady); err != nil {
		logger.Error().Err(err).Msg("failed to move asset to ready")
	}

	if err := c.queue.Complete(ctx, job.ID, c.workerId); err != nil {
		if errors.Is(err, repository.ErrNotOwner) {
			logger.Warn().Msg("job no longer held at completion, abandoning")
			return
		}
		logger.Error().Err(err).Msg("failed to complete job")
		return
	}

	c.dispatchLifecycle(ctx, asset, constant.EventMediaReady)
	logger.Info().Msg("job completed")
}

// execute performs the per-kind processing and returns the derived asset
// fields. Any returned error is fatal to the job; transcription problems are
// absorbed into the transcription status instead.
func (c *Coordinator) execute(ctx context.Context, asset *entities.MediaAsset) (map[string]interface{}, error) {
	tempDir := filepath.Join("temp", asset.ID.String())
	defer os.RemoveAll(tempDir)

	inputDir := filepath.Join(tempDir, "input")
	outputDir := filepath.Join(tempDir, "output")
	if err := os.MkdirAll(inputDir, os.ModePerm); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(outputDir, os.ModePerm); err != nil {
		return nil, err
	}

	inputFilepath := filepath.Join(inputDir, asset.FileName)
	zerolog.Ctx(ctx).Info().Str("storage_key", asset.StorageKey).Msg("downloading source file")
	if err := c.storage.Download(ctx, asset.StorageKey, inputFilepath); err != nil {
		return nil, fmt.Errorf("download source: %w", err)
	}

	updates := map[string]interface{}{}

	switch asset.MediaKind {
	case constant.MediaKindVideo:
		if err := c.processVideo(ctx, asset, inputFilepath, outputDir, updates); err != nil {
			return nil, err
		}
		c.transcribe(ctx, inputFilepath, updates)
	case constant.MediaKindAudio:
		duration, err := probeDuration(ctx, inputFilepath)
		if err != nil {
			return nil, errors.Join(ErrTranscodeFailed, err)
		}
		updates["duration_seconds"] = duration
		c.transcribe(ctx, inputFilepath, updates)
	default:
		// Images and plain files pass through untouched.
		updates["transcription_status"] = constant.TranscriptionStatusSkipped
	}

	return updates, nil
}

func (c *Coordinator) processVideo(ctx context.Context, asset *entities.MediaAsset, inputFilepath, outputDir string, updates map[string]interface{}) error {
	zerolog.Ctx(ctx).Info().Msg("transcoding video")
	if err := transcodeToHLS(ctx, inputFilepath, outputDir); err != nil {
		return errors.Join(ErrTranscodeFailed, err)
	}
	if err := createMasterPlaylist(outputDir); err != nil {
		return errors.Join(ErrTranscodeFailed, err)
	}

	thumbnailPath := filepath.Join(outputDir, "thumbnail.jpg")
	if err := extractThumbnail(ctx, inputFilepath, thumbnailPath); err != nil {
		return errors.Join(ErrTranscodeFailed, err)
	}

	duration, err := probeDuration(ctx, inputFilepath)
	if err != nil {
		return errors.Join(ErrTranscodeFailed, err)
	}

	remotePrefix := path.Join(assetPrefix(asset), "hls")
	zerolog.Ctx(ctx).Info().Str("prefix", remotePrefix).Msg("uploading renditions")
	if err := c.storage.UploadDirectory(ctx, outputDir, remotePrefix); err != nil {
		return fmt.Errorf("upload renditions: %w", err)
	}

	updates["playback_key"] = path.Join(remotePrefix, "master.m3u8")
	updates["thumbnail_key"] = path.Join(remotePrefix, "thumbnail.jpg")
	updates["duration_seconds"] = duration
	return nil
}

// transcribe runs the transcription engine and folds the outcome into the
// derived fields. Never fatal: engine errors downgrade the transcription
// status and the job still succeeds.
func (c *Coordinator) transcribe(ctx context.Context, inputFilepath string, updates map[string]interface{}) {
	result, err := c.transcriber.Transcribe(ctx, inputFilepath)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("transcription failed")
		updates["transcription_status"] = constant.TranscriptionStatusFailed
		return
	}
	if result == nil {
		updates["transcription_status"] = constant.TranscriptionStatusSkipped
		return
	}

	segments, err := json.Marshal(result.Segments)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("failed to encode transcript segments")
		updates["transcription_status"] = constant.TranscriptionStatusFailed
		return
	}

	updates["transcription_status"] = constant.TranscriptionStatusCompleted
	updates["transcript_text"] = result.Text
	updates["caption_track"] = result.CaptionTrack
	updates["transcript_segments"] = segments
	updates["detected_language"] = result.Language
}

func (c *Coordinator) heartbeatLoop(ctx context.Context, jobId uuid.UUID, cancel context.CancelFunc) {
	ticker := time.NewTicker(c.cfg.Pipeline.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.queue.Heartbeat(ctx, jobId, c.workerId); err != nil {
				if errors.Is(err, repository.ErrNotOwner) {
					zerolog.Ctx(ctx).Warn().Str("job_id", jobId.String()).Msg("lost job ownership")
					cancel()
					return
				}
				zerolog.Ctx(ctx).Warn().Err(err).Str("job_id", jobId.String()).Msg("heartbeat failed")
			}
		}
	}
}

func (c *Coordinator) reportFailure(ctx context.Context, job *entities.TranscodeJob, asset *entities.MediaAsset, reason string) {
	if err := c.queue.Fail(ctx, job.ID, c.workerId, reason); err != nil {
		if errors.Is(err, repository.ErrNotOwner) {
			zerolog.Ctx(ctx).Warn().Msg("job no longer held at failure report, abandoning")
			return
		}
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to mark job failed")
	}

	if asset == nil {
		return
	}

	if err := c.repo.UpdateMediaAssetStatus(ctx, asset.ID, constant.AssetStatusProcessing, constant.AssetStatusFailed); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
		zerolog.Ctx(ctx).Error().Err(err).Msg("failed to move asset to failed")
	}
	c.dispatchLifecycle(ctx, asset, constant.EventMediaFailed)
}

func (c *Coordinator) dispatchLifecycle(ctx context.Context, asset *entities.MediaAsset, event constant.EventType) {
	data := map[string]any{
		"mediaId":   asset.ID,
		"mediaKind": asset.MediaKind,
		"fileName":  asset.FileName,
	}
	if err := c.events.Dispatch(ctx, asset.OwnerID, event, data); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("event", string(event)).Msg("event dispatch failed")
	}
}

func assetPrefix(asset *entities.MediaAsset) string {
	return path.Join("media", asset.OwnerID.String(), asset.ID.String())
}

// Reclaimer periodically returns abandoned jobs to the queue and fails the
// ones that exhausted their attempts.
type Reclaimer struct {
	queue  repository.JobQueue
	repo   repository.Repository
	events EventDispatcher
	cfg    config.Pipeline
}

func NewReclaimer(queue repository.JobQueue, repo repository.Repository, events EventDispatcher, cfg config.Pipeline) *Reclaimer {
	return &Reclaimer{
		queue:  queue,
		repo:   repo,
		events: events,
		cfg:    cfg,
	}
}

func (r *Reclaimer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				zerolog.Ctx(ctx).Error().Err(err).Msg("stale job reclaim failed")
			}
		}
	}
}

func (r *Reclaimer) RunOnce(ctx context.Context) error {
	reclaimed, failedAssets, err := r.queue.ReclaimStale(ctx, r.cfg.StaleThreshold, r.cfg.MaxAttempts)
	if err != nil {
		return err
	}

	if reclaimed > 0 || len(failedAssets) > 0 {
		zerolog.Ctx(ctx).Info().
			Int64("reclaimed", reclaimed).
			Int("failed", len(failedAssets)).
			Msg("reclaimed stale jobs")
	}

	for _, assetId := range failedAssets {
		asset, err := r.repo.FindMediaAssetById(ctx, assetId)
		if err != nil {
			zerolog.Ctx(ctx).Error().Err(err).Str("asset_id", assetId.String()).Msg("failed to load asset for exhausted job")
			continue
		}
		if err := r.repo.UpdateMediaAssetStatus(ctx, asset.ID, constant.AssetStatusProcessing, constant.AssetStatusFailed); err != nil && !errors.Is(err, repository.ErrStatusConflict) {
			zerolog.Ctx(ctx).Error().Err(err).Str("asset_id", assetId.String()).Msg("failed to move asset to failed")
		}
		data := map[string]any{
			"mediaId":   asset.ID,
			"mediaKind": asset.MediaKind,
			"fileName":  asset.FileName,
			"reason":    "exceeded max attempts after stale reclaim",
		}
		if err := r.events.Dispatch(ctx, asset.OwnerID, constant.EventMediaFailed, data); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("event dispatch failed")
		}
	}

	return nil
}
