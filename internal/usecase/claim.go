package usecase

import (
	"errors"
	"fmt"
	"time"

	"github.com/fairyhunter13/distbuild/internal/domain"
)

// maxClaimAttempts bounds the claim retry loop so a burst of racing workers
// cannot spin on the same contended head of the queue forever.
const maxClaimAttempts = 10

// ClaimService hands queued jobs to workers at most once each.
type ClaimService struct {
	Consumers domain.ConsumerRepository
	Jobs      domain.JobRepository
}

// NewClaimService constructs a ClaimService.
func NewClaimService(c domain.ConsumerRepository, j domain.JobRepository) ClaimService {
	return ClaimService{Consumers: c, Jobs: j}
}

// ClaimNext atomically moves the oldest eligible queued job to running and
// assigns it to workerID. It returns (nil, nil) when no job is eligible: the
// queue is empty, or the head job's owner is disabled or at its concurrency
// cap. A claim lost to another worker retries up to maxClaimAttempts times.
func (s ClaimService) ClaimNext(ctx domain.Context, workerID string) (*domain.Job, error) {
	if workerID == "" {
		return nil, fmt.Errorf("%w: worker id required", domain.ErrInvalidArgument)
	}
	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		head, err := s.Jobs.OldestQueued(ctx)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		ok, err := s.ownerMayRun(ctx, head.ConsumerID)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Head of the queue is blocked on its owner's quota; leave it
			// queued rather than skipping ahead, so ordering stays FIFO.
			return nil, nil
		}

		claimed, err := s.Jobs.Claim(ctx, head.ID, workerID, time.Now().UTC())
		if errors.Is(err, domain.ErrNotFound) {
			// Another worker won the race for this job; try the next head.
			continue
		}
		if err != nil {
			return nil, err
		}
		return &claimed, nil
	}
	return nil, nil
}

func (s ClaimService) ownerMayRun(ctx domain.Context, consumerID string) (bool, error) {
	c, err := s.Consumers.Get(ctx, consumerID)
	if err != nil {
		return false, err
	}
	if !c.Active {
		return false, nil
	}
	running, err := s.Jobs.CountRunning(ctx, consumerID)
	if err != nil {
		return false, err
	}
	return running < c.MaxConcurrentJobs, nil
}
