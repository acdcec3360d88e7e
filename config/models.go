package config

import (
	"time"
)

// Job represents a posted training job in the database. One row per task,
// for both job kinds. The kind-specific parameters live in
// ImageProcessingDetail / LlmFinetuneDetail.
type Job struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	JobType            string `gorm:"index"` // image_processing | llm_finetune
	RequesterAddress   string `gorm:"index"`
	ContributorAddress string `gorm:"index"` // single-contributor jobs only
	Status             string `gorm:"index"`
	Reward             float64
	FolderName         string
	DatasetCid         string // content address of the dataset archive
	MetadataCid        string // content address of the dataset metadata JSON
	TrainedModelCid    string // set when the job completes
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName overrides the table name
func (Job) TableName() string {
	return "jobs"
}

// ImageProcessingDetail holds the training parameters of an image_processing
// job. Created in the same transaction as its Job.
type ImageProcessingDetail struct {
	JobID        uint64 `gorm:"primaryKey"`
	Model        string
	Epochs       int
	ImageSize    int
	ExportFormat string
	NumClasses   int
	Classes      string `gorm:"type:text"` // JSON array of class names
	CreatedAt    time.Time
}

// TableName overrides the table name
func (ImageProcessingDetail) TableName() string {
	return "image_processing_jobs"
}

// LlmFinetuneDetail holds the parameters of a federated llm_finetune job.
// Created in the same transaction as its Job.
type LlmFinetuneDetail struct {
	JobID            uint64 `gorm:"primaryKey"`
	ModelName        string
	MaxContributors  int // 2..10
	Epochs           int
	LearningRate     float64
	LoraRank         int
	LoraAlpha        int
	SeqLength        int
	DatasetCid       string
	MergedAdapterCid string // set by the finalize callback
	SettlementTx     string // on-chain completion tx reported by the aggregator
	AggregationLog   string `gorm:"type:text"`
	CreatedAt        time.Time
}

// TableName overrides the table name
func (LlmFinetuneDetail) TableName() string {
	return "llm_finetune_jobs"
}

// ContributorSlot is one accepted contributor position on a federated job.
// Slot indexes are dense [0, filled). The unique indexes back the
// count-then-insert allocation: a concurrent allocation that computes the
// same index fails on insert instead of corrupting the roster.
type ContributorSlot struct {
	ID                 uint64 `gorm:"primaryKey;autoIncrement"`
	JobID              uint64 `gorm:"uniqueIndex:idx_slot_job_index;uniqueIndex:idx_slot_job_contributor"`
	SlotIndex          int    `gorm:"uniqueIndex:idx_slot_job_index"`
	ContributorAddress string `gorm:"uniqueIndex:idx_slot_job_contributor"`
	SlotStatus         string `gorm:"index"` // accepted | submitted
	ShardCid           string // filled by the sharder
	ShardSize          int    // rows in this slot's shard
	AdapterCid         string // filled on submission
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// TableName overrides the table name
func (ContributorSlot) TableName() string {
	return "llm_contributor_slots"
}
