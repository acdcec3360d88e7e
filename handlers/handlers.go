package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/trainchain/backend/cache"
	"github.com/trainchain/backend/config"
	"github.com/trainchain/backend/coordinator"
	"github.com/trainchain/backend/federated"
	"github.com/trainchain/backend/models"
	"github.com/trainchain/backend/repository"
	"github.com/trainchain/backend/sharder"
	"github.com/trainchain/backend/storage"
)

const openJobsTTL = 30 * time.Second

// Handler handles HTTP requests
type Handler struct {
	repo  *repository.Repository
	coord *coordinator.Coordinator
	fed   *federated.Service
	store *storage.Store
	cache cache.Cache // nil when caching is disabled
}

// NewHandler creates a new handler instance. cache may be nil.
func NewHandler(repo *repository.Repository, coord *coordinator.Coordinator, fed *federated.Service, store *storage.Store, c cache.Cache) *Handler {
	return &Handler{
		repo:  repo,
		coord: coord,
		fed:   fed,
		store: store,
		cache: c,
	}
}

// Health handles GET /health
func (h *Handler) Health(c *gin.Context) {
	status := gin.H{"status": "healthy"}
	if h.cache != nil {
		if err := h.cache.Ping(c.Request.Context()); err != nil {
			status["cache"] = "unreachable"
		} else {
			status["cache"] = "ok"
		}
	}
	c.JSON(http.StatusOK, status)
}

// CreateImageJob handles POST /jobs/image_processing/upload.
// Publishes the dataset first, then persists the unconfirmed placeholder
// (the prepare phase of job creation).
func (h *Handler) CreateImageJob(c *gin.Context) {
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
	model := c.PostForm("model")
	exportFormat := c.PostForm("exportFormat")
	classes := c.PostForm("classes")
	requesterAddress := c.PostForm("requesterAddress")
	if folderName == "" || model == "" || exportFormat == "" || classes == "" || requesterAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "folderName, model, exportFormat, classes and requesterAddress are required"})
		return
	}

	epochs, err1 := strconv.Atoi(c.PostForm("epochs"))
	imgsz, err2 := strconv.Atoi(c.PostForm("imgsz"))
	numClasses, err3 := strconv.Atoi(c.PostForm("numClasses"))
	reward, err4 := strconv.ParseFloat(c.PostForm("reward"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "epochs, imgsz and numClasses must be integers and reward a number"})
		return
	}

	reqID := uuid.New().String()[:8]
	log.Printf("[%s] Creating image processing job %q for %s (%d files)", reqID, folderName, requesterAddress, len(files))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	datasetCid, metadataCid, err := h.publishDataset(ctx, folderName, files)
	if err != nil {
		log.Printf("[%s] Failed to publish dataset: %v", reqID, err)
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
	detail := &config.ImageProcessingDetail{
		Model:        model,
		Epochs:       epochs,
		ImageSize:    imgsz,
		ExportFormat: exportFormat,
		NumClasses:   numClasses,
		Classes:      classes,
	}

	if err := h.coord.CreateImageJob(job, detail); err != nil {
		log.Printf("[%s] Failed to create job: %v", reqID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	log.Printf("[%s] Job %d created as unconfirmed", reqID, job.ID)
	c.JSON(http.StatusCreated, gin.H{
		"message": "Job uploaded successfully, confirm after settlement",
		"job":     models.ToJobResponse(job),
	})
}

// ConfirmJob handles POST /jobs/confirm/:jobId (unconfirmed -> pending,
// after the requester's settlement transaction succeeded).
func (h *Handler) ConfirmJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.coord.ConfirmJob(c.Request.Context(), jobID); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job confirmed"})
}

// DeleteUnconfirmedJob handles DELETE /jobs/unconfirmed/:jobId (the abort
// arm of job creation, when settlement was rejected or abandoned).
func (h *Handler) DeleteUnconfirmedJob(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	if err := h.coord.AbortJob(jobID); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Unconfirmed job deleted"})
}

// GetRetryInfo handles GET /jobs/retry-info/:jobId
func (h *Handler) GetRetryInfo(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	info, err := h.coord.GetRetryInfo(jobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	resp := &models.RetryInfoResponse{Job: models.ToJobResponse(info.Job)}
	if info.ImageDetail != nil {
		resp.ImageProcessing = &models.ImageJobDetailResponse{
			JobResponse:  resp.Job,
			Model:        info.ImageDetail.Model,
			Epochs:       info.ImageDetail.Epochs,
			ImageSize:    info.ImageDetail.ImageSize,
			ExportFormat: info.ImageDetail.ExportFormat,
			NumClasses:   info.ImageDetail.NumClasses,
			Classes:      info.ImageDetail.Classes,
		}
	}
	if info.LlmDetail != nil {
		resp.LlmFinetune = models.ToLlmParams(info.LlmDetail)
	}
	c.JSON(http.StatusOK, resp)
}

// GetOpenJobs handles GET /jobs/get-jobs
func (h *Handler) GetOpenJobs(c *gin.Context) {
	ctx := c.Request.Context()

	if h.cache != nil {
		if jobs, hit, err := h.cache.GetOpenJobs(ctx); err == nil && hit {
			c.JSON(http.StatusOK, models.ToJobResponses(jobs))
			return
		}
	}

	jobs, err := h.repo.ListOpenJobs()
	if err != nil {
		log.Printf("Failed to list open jobs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}

	if h.cache != nil {
		if err := h.cache.SetOpenJobs(ctx, jobs, openJobsTTL); err != nil {
			log.Printf("Failed to cache open jobs: %v", err)
		}
	}
	c.JSON(http.StatusOK, models.ToJobResponses(jobs))
}

// GetMyRequests handles GET /jobs/my-requests?requesterAddress=
func (h *Handler) GetMyRequests(c *gin.Context) {
	requesterAddress := c.Query("requesterAddress")
	if requesterAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Requester address is required"})
		return
	}

	jobs, err := h.repo.ListJobsByRequester(requesterAddress)
	if err != nil {
		log.Printf("Failed to list jobs for requester %s: %v", requesterAddress, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list jobs"})
		return
	}
	c.JSON(http.StatusOK, models.ToJobResponses(jobs))
}

// GetImageJobDetails handles GET /jobs/image_processing/get-job/:jobId
func (h *Handler) GetImageJobDetails(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.repo.GetJob(jobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	detail, err := h.repo.GetImageDetail(jobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, &models.ImageJobDetailResponse{
		JobResponse:  models.ToJobResponse(job),
		Model:        detail.Model,
		Epochs:       detail.Epochs,
		ImageSize:    detail.ImageSize,
		ExportFormat: detail.ExportFormat,
		NumClasses:   detail.NumClasses,
		Classes:      detail.Classes,
	})
}

// GetDataset handles GET /jobs/get-dataset/:jobId
func (h *Handler) GetDataset(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.repo.GetJob(jobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	data, err := h.store.Fetch(ctx, job.DatasetCid)
	if err != nil {
		log.Printf("Failed to fetch dataset %s: %v", job.DatasetCid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch dataset"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="dataset_%d.zip"`, jobID))
	c.Data(http.StatusOK, "application/zip", data)
}

// GetModel handles GET /jobs/get-model/:jobId
func (h *Handler) GetModel(c *gin.Context) {
	jobID, ok := h.jobID(c)
	if !ok {
		return
	}

	job, err := h.repo.GetJob(jobID)
	if err != nil {
		h.writeDomainError(c, err)
		return
	}
	if job.TrainedModelCid == "" {
		c.JSON(http.StatusNotFound, gin.H{"message": "Model not found"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	data, err := h.store.Fetch(ctx, job.TrainedModelCid)
	if err != nil {
		log.Printf("Failed to fetch model %s: %v", job.TrainedModelCid, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch model"})
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="model_%d.zip"`, jobID))
	c.Data(http.StatusOK, "application/zip", data)
}

// UploadModel handles POST /jobs/model/upload: publishes the trained model
// and completes the job, mirroring the completion on chain in the
// background.
func (h *Handler) UploadModel(c *gin.Context) {
	jobID, err := strconv.ParseUint(c.PostForm("jobId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID is required"})
		return
	}

	form, err := c.MultipartForm()
	if err != nil || len(form.File["files"]) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Files are required"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	folderName := fmt.Sprintf("trained_model_%d", jobID)
	archive, _, err := zipFiles(form.File["files"])
	if err != nil {
		log.Printf("Failed to archive model upload for job %d: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to archive files"})
		return
	}

	modelCid, err := h.store.Publish(ctx, archive, folderName+".zip")
	if err != nil {
		log.Printf("Failed to publish model for job %d: %v", jobID, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to publish model"})
		return
	}

	if err := h.coord.CompleteSingleJob(jobID, modelCid); err != nil {
		h.writeDomainError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":           "Trained model uploaded and job completed",
		"trained_model_cid": modelCid,
	})
}

// --- Contributor acceptance (single-contributor jobs) ---

// ApplyForJob handles POST /jobs/contributor/apply
// (pending -> contributor_unconfirmed).
func (h *Handler) ApplyForJob(c *gin.Context) {
	var req models.ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID and contributor address are required"})
		return
	}

	if err := h.coord.InitiateAcceptance(c.Request.Context(), req.JobID, req.ContributorAddress); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job reserved, confirm after settlement"})
}

// ConfirmApplication handles POST /jobs/contributor/confirm
// (contributor_unconfirmed -> in_progress).
func (h *Handler) ConfirmApplication(c *gin.Context) {
	var req models.ApplyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID and contributor address are required"})
		return
	}

	if err := h.coord.ConfirmAcceptance(req.JobID, req.ContributorAddress); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job application confirmed"})
}

// RevertApplication handles POST /jobs/contributor/revert
// (contributor_unconfirmed -> pending).
func (h *Handler) RevertApplication(c *gin.Context) {
	var req models.RevertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID is required"})
		return
	}

	if err := h.coord.RevertAcceptance(c.Request.Context(), req.JobID); err != nil {
		h.writeDomainError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Job application reverted"})
}

// GetContributorJob handles GET /jobs/contributor/get-job?contributorAddress=
func (h *Handler) GetContributorJob(c *gin.Context) {
	contributorAddress := c.Query("contributorAddress")
	if contributorAddress == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Contributor address is required"})
		return
	}

	job, err := h.repo.GetActiveJobByContributor(contributorAddress)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusOK, gin.H{"message": "Currently, no job is assigned to this contributor"})
		return
	}
	if err != nil {
		log.Printf("Failed to get job for contributor %s: %v", contributorAddress, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get job"})
		return
	}
	c.JSON(http.StatusOK, models.ToJobResponse(job))
}

// --- helpers ---

// jobID parses the :jobId path parameter, answering 400 itself on failure.
func (h *Handler) jobID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("jobId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Job ID must be a number"})
		return 0, false
	}
	return id, true
}

// writeDomainError maps the engine's domain errors onto status codes. Guard
// failures are expected outcomes of concurrent use, not crashes.
func (h *Handler) writeDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Job not found or not in expected state"})
	case errors.Is(err, repository.ErrSlotNotFound):
		c.JSON(http.StatusNotFound, gin.H{"message": "Slot not found or not in expected state"})
	case errors.Is(err, repository.ErrRosterFull):
		c.JSON(http.StatusConflict, gin.H{"message": err.Error()})
	case errors.Is(err, repository.ErrAlreadySlotted):
		c.JSON(http.StatusConflict, gin.H{"message": "Contributor already holds a slot for this job"})
	case errors.Is(err, coordinator.ErrContributorBusy):
		c.JSON(http.StatusBadRequest, gin.H{"message": "Contributor already has an in-progress job"})
	case errors.Is(err, coordinator.ErrInvalidMaxContributors):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, sharder.ErrDatasetTooSmall):
		c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
	default:
		log.Printf("Internal error: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Server error"})
	}
}

// publishDataset archives the uploaded files, publishes the archive, and
// publishes a metadata JSON describing it.
func (h *Handler) publishDataset(ctx context.Context, folderName string, files []*multipart.FileHeader) (string, string, error) {
	archive, fileNames, err := zipFiles(files)
	if err != nil {
		return "", "", fmt.Errorf("failed to archive upload: %w", err)
	}

	datasetCid, err := h.store.Publish(ctx, archive, folderName+".zip")
	if err != nil {
		return "", "", err
	}

	metadataCid, err := h.store.PublishJSON(ctx, models.DatasetMetadata{
		FolderName: folderName,
		FolderCid:  datasetCid,
		FileNames:  fileNames,
	}, folderName+"_metadata.json")
	if err != nil {
		return "", "", err
	}
	return datasetCid, metadataCid, nil
}

// zipFiles packs uploaded multipart files into a single zip archive.
func zipFiles(files []*multipart.FileHeader) ([]byte, []string, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(files))

	for _, fh := range files {
		src, err := fh.Open()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open %s: %w", fh.Filename, err)
		}
		w, err := zw.Create(fh.Filename)
		if err != nil {
			src.Close()
			return nil, nil, fmt.Errorf("failed to add %s to archive: %w", fh.Filename, err)
		}
		if _, err := io.Copy(w, src); err != nil {
			src.Close()
			return nil, nil, fmt.Errorf("failed to write %s to archive: %w", fh.Filename, err)
		}
		src.Close()
		names = append(names, fh.Filename)
	}

	if err := zw.Close(); err != nil {
		return nil, nil, err
	}
	return buf.Bytes(), names, nil
}
