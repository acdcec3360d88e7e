package repository

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/state"
)

// Domain errors. Guard failures are expected outcomes of concurrent use and
// are returned as these sentinels, never as raw database errors.
var (
	// ErrNotFound means the job does not exist or is not in the status the
	// operation requires. The two cases are deliberately indistinguishable:
	// a guarded write that affects zero rows cannot tell them apart.
	ErrNotFound = errors.New("job not found or not in expected state")
	// ErrSlotNotFound means no slot exists for the given job and contributor,
	// or the slot is not in the status the operation requires.
	ErrSlotNotFound = errors.New("slot not found or not in expected state")
	// ErrRosterFull means the federated job already has max_contributors slots.
	ErrRosterFull = errors.New("contributor roster is full")
	// ErrAlreadySlotted means the contributor already holds a slot on this job.
	ErrAlreadySlotted = errors.New("contributor already holds a slot for this job")
)

// Repository handles database operations. Every state transition executes
// its predecessor check and its write as one guarded statement (or one
// transaction), which is what makes concurrent callers safe without locks.
type Repository struct {
	db *gorm.DB
}

// NewRepository creates a new repository instance
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// --- Job creation (two-phase commit prepare step) ---

// CreateImageJob inserts a Job and its image-processing detail in one
// transaction, with status unconfirmed.
func (r *Repository) CreateImageJob(job *config.Job, detail *config.ImageProcessingDetail) error {
	job.JobType = state.JobTypeImageProcessing
	job.Status = string(state.Unconfirmed)
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		detail.JobID = job.ID
		if err := tx.Create(detail).Error; err != nil {
			return fmt.Errorf("failed to create image processing detail: %w", err)
		}
		return nil
	})
}

// CreateLlmJob inserts a Job and its llm-finetune detail in one transaction,
// with status unconfirmed.
func (r *Repository) CreateLlmJob(job *config.Job, detail *config.LlmFinetuneDetail) error {
	job.JobType = state.JobTypeLlmFinetune
	job.Status = string(state.Unconfirmed)
	return r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("failed to create job: %w", err)
		}
		detail.JobID = job.ID
		detail.DatasetCid = job.DatasetCid
		if err := tx.Create(detail).Error; err != nil {
			return fmt.Errorf("failed to create llm finetune detail: %w", err)
		}
		return nil
	})
}

// --- Reads ---

// GetJob retrieves a job by ID.
func (r *Repository) GetJob(id uint64) (*config.Job, error) {
	var job config.Job
	if err := r.db.Where("id = ?", id).First(&job).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// GetImageDetail retrieves the image-processing detail row for a job.
func (r *Repository) GetImageDetail(jobID uint64) (*config.ImageProcessingDetail, error) {
	var detail config.ImageProcessingDetail
	if err := r.db.Where("job_id = ?", jobID).First(&detail).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image processing detail: %w", err)
	}
	return &detail, nil
}

// GetLlmDetail retrieves the llm-finetune detail row for a job.
func (r *Repository) GetLlmDetail(jobID uint64) (*config.LlmFinetuneDetail, error) {
	var detail config.LlmFinetuneDetail
	if err := r.db.Where("job_id = ?", jobID).First(&detail).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get llm finetune detail: %w", err)
	}
	return &detail, nil
}

// ListOpenJobs lists all jobs open for contributors.
func (r *Repository) ListOpenJobs() ([]config.Job, error) {
	var jobs []config.Job
	err := r.db.Where("status = ?", string(state.Pending)).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list open jobs: %w", err)
	}
	return jobs, nil
}

// ListJobsByRequester lists all jobs posted by a requester.
func (r *Repository) ListJobsByRequester(requesterAddress string) ([]config.Job, error) {
	var jobs []config.Job
	err := r.db.Where("requester_address = ?", requesterAddress).
		Order("created_at DESC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by requester: %w", err)
	}
	return jobs, nil
}

// GetActiveJobByContributor returns the contributor's in-progress
// single-contributor job, or ErrNotFound.
func (r *Repository) GetActiveJobByContributor(contributorAddress string) (*config.Job, error) {
	var job config.Job
	err := r.db.Where("contributor_address = ? AND status = ?", contributorAddress, string(state.InProgress)).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job by contributor: %w", err)
	}
	return &job, nil
}

// ContributorHasActiveJob reports whether the contributor is already
// reserved on or working a single-contributor job. Best-effort read used
// before acceptance; the guarded write on the job row is what actually
// prevents double-assignment of any one job.
func (r *Repository) ContributorHasActiveJob(contributorAddress string) (bool, error) {
	var count int64
	err := r.db.Model(&config.Job{}).
		Where("contributor_address = ? AND status IN ?", contributorAddress,
			[]string{string(state.ContributorUnconfirmed), string(state.InProgress)}).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to count active jobs for contributor: %w", err)
	}
	return count > 0, nil
}

// --- Guarded transitions ---

// TransitionStatus moves a job from one status to another in a single
// conditional write. Returns ErrNotFound when the job does not exist or is
// no longer in the expected status, so a second caller loses cleanly.
func (r *Repository) TransitionStatus(id uint64, from, to state.Status) error {
	if !state.Valid(from) || !state.Valid(to) {
		return fmt.Errorf("unknown status in transition %s -> %s", from, to)
	}
	if !state.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	res := r.db.Model(&config.Job{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]interface{}{
			"status":     string(to),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to transition job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUnconfirmedJob removes a still-unconfirmed job and its detail row.
// The delete itself carries the status guard.
func (r *Repository) DeleteUnconfirmedJob(id uint64) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND status = ?", id, string(state.Unconfirmed)).
			Delete(&config.Job{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete job %d: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Where("job_id = ?", id).Delete(&config.ImageProcessingDetail{}).Error; err != nil {
			return fmt.Errorf("failed to delete image processing detail: %w", err)
		}
		if err := tx.Where("job_id = ?", id).Delete(&config.LlmFinetuneDetail{}).Error; err != nil {
			return fmt.Errorf("failed to delete llm finetune detail: %w", err)
		}
		return nil
	})
}

// SetContributor reserves a pending single-contributor job for a
// contributor (pending -> contributor_unconfirmed).
func (r *Repository) SetContributor(id uint64, contributorAddress string) error {
	res := r.db.Model(&config.Job{}).
		Where("id = ? AND status = ? AND job_type = ?", id, string(state.Pending), state.JobTypeImageProcessing).
		Updates(map[string]interface{}{
			"contributor_address": contributorAddress,
			"status":              string(state.ContributorUnconfirmed),
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set contributor on job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ConfirmContributor promotes a reserved job to in_progress
// (contributor_unconfirmed -> in_progress), only for the contributor that
// holds the reservation.
func (r *Repository) ConfirmContributor(id uint64, contributorAddress string) error {
	res := r.db.Model(&config.Job{}).
		Where("id = ? AND status = ? AND contributor_address = ?",
			id, string(state.ContributorUnconfirmed), contributorAddress).
		Updates(map[string]interface{}{
			"status":     string(state.InProgress),
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to confirm contributor on job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearContributor reverts a reserved job back to pending
// (contributor_unconfirmed -> pending) and clears the contributor.
func (r *Repository) ClearContributor(id uint64) error {
	res := r.db.Model(&config.Job{}).
		Where("id = ? AND status = ?", id, string(state.ContributorUnconfirmed)).
		Updates(map[string]interface{}{
			"contributor_address": "",
			"status":              string(state.Pending),
			"updated_at":          time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to clear contributor on job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CompleteJob marks a single-contributor job completed
// (in_progress -> completed) and records the trained model CID.
func (r *Repository) CompleteJob(id uint64, modelCid string) error {
	res := r.db.Model(&config.Job{}).
		Where("id = ? AND status = ?", id, string(state.InProgress)).
		Updates(map[string]interface{}{
			"status":            string(state.Completed),
			"trained_model_cid": modelCid,
			"updated_at":        time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to complete job %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Federated slots ---

// AllocateSlot admits a contributor to a federated job. The capacity read,
// duplicate check, slot insert, and (for the final slot) the job transition
// to in_progress all run in one transaction. Returns the new slot and
// whether this allocation filled the roster.
//
// The capacity check runs before the status guard: a contributor knocking
// on a roster that just filled (and so flipped the job out of pending) gets
// ErrRosterFull naming the limits, not a generic not-found.
//
// The unique indexes on (job_id, slot_index) and (job_id, contributor)
// back this up: a concurrent allocation that computed the same index
// surfaces as gorm.ErrDuplicatedKey, and callers retry the whole unit.
func (r *Repository) AllocateSlot(jobID uint64, contributorAddress string) (*config.ContributorSlot, bool, error) {
	var slot *config.ContributorSlot
	full := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var job config.Job
		err := tx.Where("id = ? AND job_type = ?", jobID, state.JobTypeLlmFinetune).First(&job).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get job %d: %w", jobID, err)
		}

		var detail config.LlmFinetuneDetail
		if err := tx.Where("job_id = ?", jobID).First(&detail).Error; err != nil {
			return fmt.Errorf("failed to get llm finetune detail: %w", err)
		}

		var dup int64
		if err := tx.Model(&config.ContributorSlot{}).
			Where("job_id = ? AND contributor_address = ?", jobID, contributorAddress).
			Count(&dup).Error; err != nil {
			return fmt.Errorf("failed to check for existing slot: %w", err)
		}
		if dup > 0 {
			return ErrAlreadySlotted
		}

		var filled int64
		if err := tx.Model(&config.ContributorSlot{}).
			Where("job_id = ?", jobID).
			Count(&filled).Error; err != nil {
			return fmt.Errorf("failed to count slots: %w", err)
		}
		if int(filled) >= detail.MaxContributors {
			return fmt.Errorf("%w: job %d already has %d of %d contributors",
				ErrRosterFull, jobID, filled, detail.MaxContributors)
		}
		if job.Status != string(state.Pending) {
			return ErrNotFound
		}

		slot = &config.ContributorSlot{
			JobID:              jobID,
			SlotIndex:          int(filled),
			ContributorAddress: contributorAddress,
			SlotStatus:         state.SlotAccepted,
		}
		if err := tx.Create(slot).Error; err != nil {
			return err
		}

		if int(filled)+1 == detail.MaxContributors {
			res := tx.Model(&config.Job{}).
				Where("id = ? AND status = ?", jobID, string(state.Pending)).
				Updates(map[string]interface{}{
					"status":     string(state.InProgress),
					"updated_at": time.Now(),
				})
			if res.Error != nil {
				return fmt.Errorf("failed to transition job %d to in_progress: %w", jobID, res.Error)
			}
			if res.RowsAffected == 0 {
				return ErrNotFound
			}
			full = true
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return slot, full, nil
}

// GetSlots returns all slots of a job ordered by slot index.
func (r *Repository) GetSlots(jobID uint64) ([]config.ContributorSlot, error) {
	var slots []config.ContributorSlot
	err := r.db.Where("job_id = ?", jobID).
		Order("slot_index ASC").
		Find(&slots).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	return slots, nil
}

// GetSlot returns the slot a contributor holds on a job.
func (r *Repository) GetSlot(jobID uint64, contributorAddress string) (*config.ContributorSlot, error) {
	var slot config.ContributorSlot
	err := r.db.Where("job_id = ? AND contributor_address = ?", jobID, contributorAddress).
		First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot: %w", err)
	}
	return &slot, nil
}

// GetActiveSlotByContributor returns the contributor's slot on their most
// recent non-terminal federated job, or ErrSlotNotFound.
func (r *Repository) GetActiveSlotByContributor(contributorAddress string) (*config.ContributorSlot, error) {
	var slot config.ContributorSlot
	err := r.db.
		Joins("JOIN jobs ON jobs.id = llm_contributor_slots.job_id").
		Where("llm_contributor_slots.contributor_address = ? AND jobs.status IN ?",
			contributorAddress,
			[]string{string(state.Pending), string(state.InProgress), string(state.Aggregating)}).
		Order("llm_contributor_slots.created_at DESC").
		First(&slot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSlotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get slot by contributor: %w", err)
	}
	return &slot, nil
}

// SetShard records a shard CID and row count on one slot.
func (r *Repository) SetShard(jobID uint64, slotIndex int, shardCid string, shardSize int) error {
	res := r.db.Model(&config.ContributorSlot{}).
		Where("job_id = ? AND slot_index = ?", jobID, slotIndex).
		Updates(map[string]interface{}{
			"shard_cid":  shardCid,
			"shard_size": shardSize,
			"updated_at": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to set shard on slot %d/%d: %w", jobID, slotIndex, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrSlotNotFound
	}
	return nil
}

// SubmitAdapter records a contributor's trained adapter against their slot
// (accepted -> submitted) and, when this was the last outstanding slot,
// flips the job to aggregating inside the same transaction. The returned
// flag is true for exactly one caller per roster: the job-row guard makes
// the flip a compare-and-swap, so concurrent final submissions cannot both
// observe it.
func (r *Repository) SubmitAdapter(jobID uint64, contributorAddress, adapterCid string) (bool, error) {
	allIn := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&config.ContributorSlot{}).
			Where("job_id = ? AND contributor_address = ? AND slot_status = ?",
				jobID, contributorAddress, state.SlotAccepted).
			Updates(map[string]interface{}{
				"slot_status": state.SlotSubmitted,
				"adapter_cid": adapterCid,
				"updated_at":  time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to submit adapter: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrSlotNotFound
		}

		var detail config.LlmFinetuneDetail
		if err := tx.Where("job_id = ?", jobID).First(&detail).Error; err != nil {
			return fmt.Errorf("failed to get llm finetune detail: %w", err)
		}

		var submitted int64
		if err := tx.Model(&config.ContributorSlot{}).
			Where("job_id = ? AND slot_status = ?", jobID, state.SlotSubmitted).
			Count(&submitted).Error; err != nil {
			return fmt.Errorf("failed to count submitted slots: %w", err)
		}

		if int(submitted) == detail.MaxContributors {
			flip := tx.Model(&config.Job{}).
				Where("id = ? AND status = ?", jobID, string(state.InProgress)).
				Updates(map[string]interface{}{
					"status":     string(state.Aggregating),
					"updated_at": time.Now(),
				})
			if flip.Error != nil {
				return fmt.Errorf("failed to transition job %d to aggregating: %w", jobID, flip.Error)
			}
			allIn = flip.RowsAffected == 1
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return allIn, nil
}

// FinalizeAggregation stores the merged result and completes the job
// (aggregating -> completed). Guarded, so a duplicate or late callback is a
// no-op reported as ErrNotFound instead of an overwrite.
func (r *Repository) FinalizeAggregation(jobID uint64, mergedCid, settlementTx, aggregationLog string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&config.Job{}).
			Where("id = ? AND status = ?", jobID, string(state.Aggregating)).
			Updates(map[string]interface{}{
				"status":            string(state.Completed),
				"trained_model_cid": mergedCid,
				"updated_at":        time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to finalize job %d: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&config.LlmFinetuneDetail{}).
			Where("job_id = ?", jobID).
			Updates(map[string]interface{}{
				"merged_adapter_cid": mergedCid,
				"settlement_tx":      settlementTx,
				"aggregation_log":    aggregationLog,
			}).Error; err != nil {
			return fmt.Errorf("failed to store aggregation result: %w", err)
		}
		return nil
	})
}

// FailAggregation marks an aggregating job failed and stores the reason.
func (r *Repository) FailAggregation(jobID uint64, reason string) error {
	return r.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&config.Job{}).
			Where("id = ? AND status = ?", jobID, string(state.Aggregating)).
			Updates(map[string]interface{}{
				"status":     string(state.Failed),
				"updated_at": time.Now(),
			})
		if res.Error != nil {
			return fmt.Errorf("failed to mark job %d failed: %w", jobID, res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		if err := tx.Model(&config.LlmFinetuneDetail{}).
			Where("job_id = ?", jobID).
			Update("aggregation_log", reason).Error; err != nil {
			return fmt.Errorf("failed to store failure reason: %w", err)
		}
		return nil
	})
}

// ListUnshardedJobs lists federated jobs whose roster filled but whose
// dataset sharding never finished: in_progress with at least one slot still
// missing its shard CID. Used by the recovery monitor to re-run sharding,
// which skips the slots that already carry a shard.
func (r *Repository) ListUnshardedJobs(olderThan time.Duration) ([]config.Job, error) {
	var jobs []config.Job
	cutoff := time.Now().Add(-olderThan)
	err := r.db.
		Distinct("jobs.*").
		Joins("JOIN llm_contributor_slots ON llm_contributor_slots.job_id = jobs.id").
		Where("jobs.status = ? AND llm_contributor_slots.shard_cid = '' AND jobs.updated_at < ?",
			string(state.InProgress), cutoff).
		Order("jobs.updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list unsharded jobs: %w", err)
	}
	return jobs, nil
}

// ListStuckAggregations lists jobs that have been parked in aggregating for
// longer than the given age. Used by the recovery monitor to re-notify the
// aggregation service.
func (r *Repository) ListStuckAggregations(olderThan time.Duration) ([]config.Job, error) {
	var jobs []config.Job
	cutoff := time.Now().Add(-olderThan)
	err := r.db.Where("status = ? AND updated_at < ?", string(state.Aggregating), cutoff).
		Order("updated_at ASC").
		Find(&jobs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list stuck aggregations: %w", err)
	}
	return jobs, nil
}
