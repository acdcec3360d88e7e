// Package federated implements the multi-contributor extensions: bounded
// slot allocation, the aggregation trigger fired by the final submission,
// and the aggregator's finalize/fail callbacks.
package federated

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"gorm.io/gorm"

	"github.com/trainchain/backend/aggregation"
	"github.com/trainchain/backend/background"
	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/repository"
)

// Sharder partitions a fully-staffed job's dataset across its slots.
type Sharder interface {
	ShardDataset(ctx context.Context, jobID uint64) error
}

// Invalidator drops the cached open-job listing; see coordinator.Invalidator.
type Invalidator interface {
	InvalidateOpenJobs(ctx context.Context) error
}

// Service coordinates the federated job lifecycle on top of the
// repository's transactional slot operations.
type Service struct {
	repo     *repository.Repository
	sharder  Sharder
	notifier aggregation.Notifier
	runner   *background.Runner
	cache    Invalidator // nil when caching is disabled
}

// NewService creates a federated service. cache may be nil.
func NewService(repo *repository.Repository, sharder Sharder, notifier aggregation.Notifier, runner *background.Runner, cache Invalidator) *Service {
	return &Service{
		repo:     repo,
		sharder:  sharder,
		notifier: notifier,
		runner:   runner,
		cache:    cache,
	}
}

// AcceptSlot admits a contributor to a federated job. When the allocation
// fills the roster the job flips to in_progress inside the same transaction
// and sharding is dispatched in the background. An index collision with a
// concurrent acceptance is retried once with a freshly computed slot index.
func (s *Service) AcceptSlot(ctx context.Context, jobID uint64, contributorAddress string) (*config.ContributorSlot, error) {
	contributorAddress = strings.ToLower(contributorAddress)

	slot, full, err := s.repo.AllocateSlot(jobID, contributorAddress)
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		slot, full, err = s.repo.AllocateSlot(jobID, contributorAddress)
	}
	if err != nil {
		return nil, err
	}

	log.Printf("Job %d: slot %d allocated to %s", jobID, slot.SlotIndex, contributorAddress)

	if full {
		log.Printf("Job %d: roster full, dispatching dataset sharding", jobID)
		s.invalidate(ctx)
		s.runner.Go(fmt.Sprintf("shard dataset for job %d", jobID), func(ctx context.Context) error {
			return s.sharder.ShardDataset(ctx, jobID)
		})
	}
	return slot, nil
}

// SubmitAdapter records a contributor's trained adapter. The final
// submission flips the job to aggregating exactly once; only that caller
// dispatches the aggregator notification. An unreachable aggregator is
// logged and swallowed — the job stays parked in aggregating where the
// recovery monitor can find it — while any other notification failure is a
// real background error.
func (s *Service) SubmitAdapter(ctx context.Context, jobID uint64, contributorAddress, adapterCid string) error {
	contributorAddress = strings.ToLower(contributorAddress)

	allIn, err := s.repo.SubmitAdapter(jobID, contributorAddress, adapterCid)
	if err != nil {
		return err
	}

	if allIn {
		log.Printf("Job %d: all adapters submitted, notifying aggregation service", jobID)
		s.runner.Go(fmt.Sprintf("notify aggregator for job %d", jobID), func(ctx context.Context) error {
			if err := s.notifier.StartAggregation(ctx, jobID); err != nil {
				if errors.Is(err, aggregation.ErrUnreachable) {
					log.Printf("Warning: aggregator unreachable for job %d, job stays in aggregating: %v", jobID, err)
					return nil
				}
				return err
			}
			return nil
		})
	}
	return nil
}

// Finalize is the aggregator's success callback: stores the merged adapter
// and completes the job. Guarded on aggregating, so duplicate or late
// callbacks are rejected instead of overwriting a settled job.
func (s *Service) Finalize(jobID uint64, mergedCid, settlementTx, aggregationLog string) error {
	if err := s.repo.FinalizeAggregation(jobID, mergedCid, settlementTx, aggregationLog); err != nil {
		return err
	}
	log.Printf("Job %d: aggregation finalized, merged adapter %s", jobID, mergedCid)
	return nil
}

// Fail is the aggregator's failure callback: marks the job failed and keeps
// the reason. Guarded on aggregating.
func (s *Service) Fail(jobID uint64, reason string) error {
	if err := s.repo.FailAggregation(jobID, reason); err != nil {
		return err
	}
	log.Printf("Job %d: aggregation failed: %s", jobID, reason)
	return nil
}

func (s *Service) invalidate(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateOpenJobs(ctx); err != nil {
		log.Printf("Failed to invalidate open-jobs cache: %v", err)
	}
}
