// Package coordinator sequences the two-phase commit between the job ledger
// and the on-chain settlement the user signs out-of-band: prepare a
// placeholder row, let the caller settle, then confirm or abort under a
// status guard. The same pattern covers contributor acceptance.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/trainchain/backend/background"
	"github.com/trainchain/backend/chain"
	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/repository"
	"github.com/trainchain/backend/state"
)

// ErrContributorBusy means the contributor already has a reserved or
// in-progress job and cannot take another.
var ErrContributorBusy = errors.New("contributor already has an active job")

// ErrInvalidMaxContributors means the requested roster size is outside the
// supported range.
var ErrInvalidMaxContributors = errors.New("maxContributors must be between 2 and 10")

// Invalidator drops the cached open-job listing after a transition that
// changes it. Failures are logged, never surfaced: the cache entry expires
// on its own TTL anyway.
type Invalidator interface {
	InvalidateOpenJobs(ctx context.Context) error
}

// Coordinator implements the job-creation and contributor-acceptance
// protocols on top of the repository's guarded writes.
type Coordinator struct {
	repo       *repository.Repository
	settlement chain.Settlement // nil when mirroring is disabled
	runner     *background.Runner
	cache      Invalidator // nil when caching is disabled
}

// New creates a coordinator. settlement and cache may be nil.
func New(repo *repository.Repository, settlement chain.Settlement, runner *background.Runner, cache Invalidator) *Coordinator {
	return &Coordinator{
		repo:       repo,
		settlement: settlement,
		runner:     runner,
		cache:      cache,
	}
}

// --- Job creation protocol ---

// CreateImageJob persists the prepare-phase placeholder for an
// image-processing job. The dataset must already be published; the
// placeholder row references it.
func (c *Coordinator) CreateImageJob(job *config.Job, detail *config.ImageProcessingDetail) error {
	job.RequesterAddress = strings.ToLower(job.RequesterAddress)
	return c.repo.CreateImageJob(job, detail)
}

// CreateLlmJob persists the prepare-phase placeholder for a federated
// llm-finetune job.
func (c *Coordinator) CreateLlmJob(job *config.Job, detail *config.LlmFinetuneDetail) error {
	if detail.MaxContributors < 2 || detail.MaxContributors > 10 {
		return fmt.Errorf("%w, got %d", ErrInvalidMaxContributors, detail.MaxContributors)
	}
	job.RequesterAddress = strings.ToLower(job.RequesterAddress)
	return c.repo.CreateLlmJob(job, detail)
}

// ConfirmJob promotes a settled job to pending (unconfirmed -> pending).
func (c *Coordinator) ConfirmJob(ctx context.Context, jobID uint64) error {
	if err := c.repo.TransitionStatus(jobID, state.Unconfirmed, state.Pending); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// AbortJob deletes an abandoned unconfirmed job and its detail row.
func (c *Coordinator) AbortJob(jobID uint64) error {
	return c.repo.DeleteUnconfirmedJob(jobID)
}

// RetryInfo holds everything a requester needs to re-attempt settlement of
// a still-unconfirmed job without re-uploading the dataset.
type RetryInfo struct {
	Job         *config.Job
	ImageDetail *config.ImageProcessingDetail // set for image_processing jobs
	LlmDetail   *config.LlmFinetuneDetail     // set for llm_finetune jobs
}

// GetRetryInfo reconstructs the settlement parameters of an unconfirmed job.
func (c *Coordinator) GetRetryInfo(jobID uint64) (*RetryInfo, error) {
	job, err := c.repo.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job.Status != string(state.Unconfirmed) {
		return nil, repository.ErrNotFound
	}

	info := &RetryInfo{Job: job}
	switch job.JobType {
	case state.JobTypeImageProcessing:
		info.ImageDetail, err = c.repo.GetImageDetail(jobID)
	case state.JobTypeLlmFinetune:
		info.LlmDetail, err = c.repo.GetLlmDetail(jobID)
	default:
		return nil, fmt.Errorf("unknown job type %q", job.JobType)
	}
	if err != nil {
		return nil, err
	}
	return info, nil
}

// --- Contributor acceptance protocol (single-contributor jobs) ---

// InitiateAcceptance reserves a pending job for a contributor
// (pending -> contributor_unconfirmed). The cross-job "no other active job"
// check is a best-effort read; the guarded write on the job row is what
// prevents two contributors winning the same job.
func (c *Coordinator) InitiateAcceptance(ctx context.Context, jobID uint64, contributorAddress string) error {
	contributorAddress = strings.ToLower(contributorAddress)

	busy, err := c.repo.ContributorHasActiveJob(contributorAddress)
	if err != nil {
		return err
	}
	if busy {
		return ErrContributorBusy
	}

	if err := c.repo.SetContributor(jobID, contributorAddress); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// ConfirmAcceptance promotes a reserved job to in_progress once the
// contributor has settled on chain (contributor_unconfirmed -> in_progress).
func (c *Coordinator) ConfirmAcceptance(jobID uint64, contributorAddress string) error {
	return c.repo.ConfirmContributor(jobID, strings.ToLower(contributorAddress))
}

// RevertAcceptance releases a reservation the contributor abandoned
// (contributor_unconfirmed -> pending, contributor cleared).
func (c *Coordinator) RevertAcceptance(ctx context.Context, jobID uint64) error {
	if err := c.repo.ClearContributor(jobID); err != nil {
		return err
	}
	c.invalidate(ctx)
	return nil
}

// --- Completion (single-contributor jobs) ---

// CompleteSingleJob records the trained model and completes the job
// (in_progress -> completed), then mirrors the completion on chain as a
// detached background call. A failed mirror leaves the committed row alone
// and is only visible in the logs.
func (c *Coordinator) CompleteSingleJob(jobID uint64, modelCid string) error {
	if err := c.repo.CompleteJob(jobID, modelCid); err != nil {
		return err
	}

	if c.settlement != nil {
		c.runner.Go(fmt.Sprintf("mirror completeJob %d", jobID), func(ctx context.Context) error {
			_, err := c.settlement.CompleteJob(ctx, jobID, modelCid)
			return err
		})
	}
	return nil
}

func (c *Coordinator) invalidate(ctx context.Context) {
	if c.cache == nil {
		return
	}
	if err := c.cache.InvalidateOpenJobs(ctx); err != nil {
		log.Printf("Failed to invalidate open-jobs cache: %v", err)
	}
}
