package service

import (
	"context"
	"time"

	"media-pipeline/dto"
	"media-pipeline/repository"
)

const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"

	// A worker heartbeat within this window counts as pipeline activity.
	workerActivityWindow = 5 * time.Minute

	unhealthyPendingThreshold = 10
	degradedPendingThreshold  = 5
)

// HealthService derives a tri-state health signal from queue depth and worker
// recency. Read-only; it never feeds back into scheduling.
type HealthService struct {
	queue repository.JobQueue
}

func NewHealthService(queue repository.JobQueue) *HealthService {
	return &HealthService{
		queue: queue,
	}
}

func (s *HealthService) Check(ctx context.Context) (*dto.HealthResponse, error) {
	pending, processing, lastHeartbeat, err := s.queue.Counts(ctx)
	if err != nil {
		return nil, err
	}

	isActive := lastHeartbeat != nil && time.Since(*lastHeartbeat) < workerActivityWindow

	return &dto.HealthResponse{
		Status:         deriveHealthStatus(pending, isActive),
		PendingJobs:    pending,
		ProcessingJobs: processing,
		IsActive:       isActive,
		LastSeen:       lastHeartbeat,
	}, nil
}

func deriveHealthStatus(pendingJobs int64, isActive bool) string {
	switch {
	case pendingJobs > unhealthyPendingThreshold && !isActive:
		return HealthStatusUnhealthy
	case pendingJobs > degradedPendingThreshold:
		return HealthStatusDegraded
	default:
		return HealthStatusHealthy
	}
}
