package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/models"
	"github.com/trainchain/backend/repository"
)

// CreateLlmJob handles POST /jobs/llm/upload: publishes the dataset and
// persists the unconfirmed placeholder for a federated finetune job.
func (h *Handler) CreateLlmJob(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid multipart form", "details": err.Error()})
		return
	}
	files := form.File["files"]
	if len(files) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No files uploaded"})
		return
	}

	folderName := c.PostForm("folderName")
	modelName := c.PostForm("modelName")
	requesterAddress := c.PostForm("requesterAddress")
	if folderName == "" || modelName == "" || requesterAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "folderName, modelName and requesterAddress are required"})
		return
	}

	maxContributors, err1 := strconv.Atoi(c.PostForm("maxContributors"))
	epochs, err2 := strconv.Atoi(c.PostForm("epochs"))
	learningRate, err3 := strconv.ParseFloat(c.PostForm("learningRate"), 64)
	loraRank, err4 := strconv.Atoi(c.PostForm("loraRank"))
	loraAlpha, err5 := strconv.Atoi(c.PostForm("loraAlpha"))
	seqLength, err6 := strconv.Atoi(c.PostForm("seqLength"))
	reward, err7 := strconv.ParseFloat(c.PostForm("reward"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil || err6 != nil || err7 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Numeric training parameters are malformed"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	datasetCid, metadataCid, err := h.publishDataset(ctx, folderName, files)
	if err != nil {
		log.Printf("Failed to publish llm dataset: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish dataset"})
		return
	}

	job := &config.Job{
		RequesterAddress: requesterAddress,
		Reward:           reward,
		FolderName:       folderName,
		DatasetCid:       datasetCid,
		MetadataCid:      metadataCid,
	}
	detail := &config.LlmFinetuneDetail{
		ModelName:       modelName,
		MaxContributors: maxContributors,
		Epochs:          epochs,
		LearningRate:    learningRate,
		LoraRank:        loraRank,
		LoraAlpha:       loraAlpha,
		SeqLength:       seqLength,
	}

	if err := h.coord.CreateLlmJob(job, detail); err != nil {
		h.writeDomainError(c, err)
		return
	}

	log.Printf("Llm job %d created as unconfirmed (max contributors: %d)", job.ID, maxContributors)
	c.JSON(http.StatusCreated, gin.H{
		"message": "Job uploaded successfully, confirm after settlement",
		"job":     models.ToJobResponse(job),
	})
}

// AcceptSlot handles POST /jobs/llm/accept-slot. The final acceptance flips
// the job to in_progress and kicks off dataset sharding in the background.
func (h *Handler) AcceptSlot(c *gin.Context) {
	var req models.AcceptSlotRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID and contributor address are required"})
		return
	}

	slot, err := h.fed.AcceptSlot(c.Request.Context(), req.JobID, req.ContributorAddress)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "Slot accepted",
		"slot":    models.ToSlotResponse(slot),
	})
}

// GetMySlot handles GET /jobs/llm/my-slot?contributorAddress=. The desktop
// training app polls this to discover its assignment.
func (h *Handler) GetMySlot(c *gin.Context) {
	contributorAddress := strings.ToLower(c.Query("contributorAddress"))
	if contributorAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Contributor address is required"})
		return
	}

	slot, err := h.repo.GetActiveSlotByContributor(contributorAddress)
	if errors.Is(err, repository.ErrSlotNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "No federated slot assigned to this contributor"})
		return
	}
	if err != nil {
		log.Printf("Failed to get slot for contributor %s: %v", contributorAddress, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get slot"})
		return
	}

	job, err := h.repo.GetJob(slot.JobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	detail, err := h.repo.GetLlmDetail(slot.JobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.MySlotResponse{
		SlotResponse: models.ToSlotResponse(slot),
		LlmParams:    models.ToLlmParams(detail),
		JobStatus:    job.Status,
		Reward:       job.Reward,
	})
}

// GetShard handles GET /jobs/llm/get-shard/:jobId?contributorAddress= and
// streams the contributor's shard archive.
func (h *Handler) GetShard(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}
	contributorAddress := strings.ToLower(c.Query("contributorAddress"))
	if contributorAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Contributor address is required"})
		return
	}

	slot, err := h.repo.GetSlot(jobID, contributorAddress)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	if slot.ShardCid == "" {
		c.JSON(http.StatusNotFound, gin.H{"message": "Shard not ready yet"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	data, err := h.store.Fetch(ctx, slot.ShardCid)
	if err != nil {
		log.Printf("Failed to fetch shard %s: %v", slot.ShardCid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch shard"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="job_%d_shard_%d.zip"`, jobID, slot.SlotIndex))
	c.Data(http.StatusOK, "application/zip", data)
}

// UploadAdapter handles POST /jobs/llm/upload-adapter: publishes a trained
// adapter archive as-is and returns its content address. Submission is a
// separate call so the upload can be retried without touching job state.
func (h *Handler) UploadAdapter(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "File is required"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Printf("Failed to read adapter upload: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to read upload"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	cid, err := h.store.Publish(ctx, data, header.Filename)
	if err != nil {
		log.Printf("Failed to publish adapter: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish adapter"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"adapterCid": cid})
}

// SubmitAdapter handles POST /jobs/llm/submit-adapter. The final submission
// flips the job to aggregating and notifies the aggregation service.
func (h *Handler) SubmitAdapter(c *gin.Context) {
	var req models.SubmitAdapterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID, contributor address and adapter CID are required"})
		return
	}

	if err := h.fed.SubmitAdapter(c.Request.Context(), req.JobID, req.ContributorAddress, req.AdapterCid); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Adapter submitted"})
}

// GetSlots handles GET /jobs/llm/slots/:jobId, the aggregation service's
// read of the full roster.
func (h *Handler) GetSlots(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	slots, err := h.repo.GetSlots(jobID)
	if err != nil {
		log.Printf("Failed to list slots for job %d: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list slots"})
		return
	}

	out := make([]*models.SlotResponse, 0, len(slots))
	for i := range slots {
		out = append(out, models.ToSlotResponse(&slots[i]))
	}
	c.JSON(http.StatusOK, out)
}

// FinalizeAggregation handles POST /jobs/llm/finalize/:jobId, the
// aggregation service's success callback.
func (h *Handler) FinalizeAggregation(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req models.FinalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mergedAdapterCid is required"})
		return
	}

	if err := h.fed.Finalize(jobID, req.MergedAdapterCid, req.TxHash, req.AggregationLog); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Aggregation finalized"})
}

// AggregationFailed handles POST /jobs/llm/aggregation-failed/:jobId, the
// aggregation service's failure callback.
func (h *Handler) AggregationFailed(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	var req models.AggregationFailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "error is required"})
		return
	}

	if err := h.fed.Fail(jobID, req.Error); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Aggregation failure recorded"})
}
