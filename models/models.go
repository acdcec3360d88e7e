package models

import (
	"time"

	"github.com/trainchain/backend/config"
)

// JobResponse is the wire representation of a job. Dataset CID keeps the
// folder_cid field name the clients already speak.
type JobResponse struct {
	ID                 uint64    `json:"id"`
	JobType            string    `json:"job_type"`
	RequesterAddress   string    `json:"requester_address"`
	ContributorAddress string    `json:"contributor_address,omitempty"`
	Status             string    `json:"status"`
	Reward             float64   `json:"reward"`
	FolderName         string    `json:"folder_name"`
	DatasetCid         string    `json:"folder_cid"`
	MetadataCid        string    `json:"metadata_cid"`
	TrainedModelCid    string    `json:"trained_model_cid,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// ToJobResponse converts a database Job to its API representation.
func ToJobResponse(job *config.Job) *JobResponse {
	return &JobResponse{
		ID:                 job.ID,
		JobType:            job.JobType,
		RequesterAddress:   job.RequesterAddress,
		ContributorAddress: job.ContributorAddress,
		Status:             job.Status,
		Reward:             job.Reward,
		FolderName:         job.FolderName,
		DatasetCid:         job.DatasetCid,
		MetadataCid:        job.MetadataCid,
		TrainedModelCid:    job.TrainedModelCid,
		CreatedAt:          job.CreatedAt,
	}
}

// ToJobResponses converts a list of jobs.
func ToJobResponses(jobs []config.Job) []*JobResponse {
	out := make([]*JobResponse, 0, len(jobs))
	for i := range jobs {
		out = append(out, ToJobResponse(&jobs[i]))
	}
	return out
}

// ImageJobDetailResponse joins a job with its image-processing parameters.
type ImageJobDetailResponse struct {
	*JobResponse
	Model        string `json:"model"`
	Epochs       int    `json:"epochs"`
	ImageSize    int    `json:"imgsz"`
	ExportFormat string `json:"export_format"`
	NumClasses   int    `json:"num_classes"`
	Classes      string `json:"classes"`
}

// LlmParams is the wire form of the llm-finetune hyperparameters.
type LlmParams struct {
	ModelName       string  `json:"model_name"`
	MaxContributors int     `json:"max_contributors"`
	Epochs          int     `json:"epochs"`
	LearningRate    float64 `json:"learning_rate"`
	LoraRank        int     `json:"lora_rank"`
	LoraAlpha       int     `json:"lora_alpha"`
	SeqLength       int     `json:"seq_length"`
}

// ToLlmParams converts a detail row to its wire form.
func ToLlmParams(d *config.LlmFinetuneDetail) *LlmParams {
	return &LlmParams{
		ModelName:       d.ModelName,
		MaxContributors: d.MaxContributors,
		Epochs:          d.Epochs,
		LearningRate:    d.LearningRate,
		LoraRank:        d.LoraRank,
		LoraAlpha:       d.LoraAlpha,
		SeqLength:       d.SeqLength,
	}
}

// SlotResponse is the wire representation of a contributor slot. The
// aggregation service reads these to collect adapters.
type SlotResponse struct {
	JobID              uint64 `json:"job_id"`
	SlotIndex          int    `json:"slot_index"`
	ContributorAddress string `json:"contributor_address"`
	SlotStatus         string `json:"slot_status"`
	ShardCid           string `json:"shard_cid,omitempty"`
	ShardSize          int    `json:"shard_size"`
	AdapterCid         string `json:"adapter_cid,omitempty"`
}

// ToSlotResponse converts a slot row.
func ToSlotResponse(slot *config.ContributorSlot) *SlotResponse {
	return &SlotResponse{
		JobID:              slot.JobID,
		SlotIndex:          slot.SlotIndex,
		ContributorAddress: slot.ContributorAddress,
		SlotStatus:         slot.SlotStatus,
		ShardCid:           slot.ShardCid,
		ShardSize:          slot.ShardSize,
		AdapterCid:         slot.AdapterCid,
	}
}

// MySlotResponse is a slot joined with its job and hyperparameters, the
// payload the desktop training app polls for.
type MySlotResponse struct {
	*SlotResponse
	*LlmParams
	JobStatus string  `json:"job_status"`
	Reward    float64 `json:"reward"`
}

// RetryInfoResponse carries everything needed to re-attempt settlement of a
// still-unconfirmed job without re-uploading its dataset.
type RetryInfoResponse struct {
	Job             *JobResponse            `json:"job"`
	ImageProcessing *ImageJobDetailResponse `json:"image_processing,omitempty"`
	LlmFinetune     *LlmParams              `json:"llm_finetune,omitempty"`
}

// DatasetMetadata is the JSON document published next to a dataset archive.
type DatasetMetadata struct {
	FolderName string   `json:"folderName"`
	FolderCid  string   `json:"folderCid"`
	FileNames  []string `json:"fileNames"`
}

// --- Request payloads ---

// ApplyRequest initiates or confirms single-contributor acceptance.
type ApplyRequest struct {
	JobID              uint64 `json:"jobId" binding:"required"`
	ContributorAddress string `json:"contributorAddress" binding:"required"`
}

// RevertRequest releases a contributor reservation.
type RevertRequest struct {
	JobID uint64 `json:"jobId" binding:"required"`
}

// AcceptSlotRequest admits a contributor to a federated job.
type AcceptSlotRequest struct {
	JobID              uint64 `json:"jobId" binding:"required"`
	ContributorAddress string `json:"contributorAddress" binding:"required"`
}

// SubmitAdapterRequest records a contributor's uploaded adapter.
type SubmitAdapterRequest struct {
	JobID              uint64 `json:"jobId" binding:"required"`
	ContributorAddress string `json:"contributorAddress" binding:"required"`
	AdapterCid         string `json:"adapterCid" binding:"required"`
}

// FinalizeRequest is the aggregation service's success callback payload.
type FinalizeRequest struct {
	MergedAdapterCid string `json:"mergedAdapterCid" binding:"required"`
	TxHash           string `json:"txHash"`
	AggregationLog   string `json:"aggregationLog"`
}

// AggregationFailedRequest is the aggregation service's failure callback.
type AggregationFailedRequest struct {
	Error string `json:"error" binding:"required"`
}
