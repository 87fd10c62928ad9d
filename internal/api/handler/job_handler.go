package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/clipnotes/clipnotes-be/internal/api/dto"
	"github.com/clipnotes/clipnotes-be/internal/api/storage"
	"github.com/clipnotes/clipnotes-be/internal/domain"
	"github.com/clipnotes/clipnotes-be/internal/fetch"
)

// SubmitJob handles POST /api/v1/jobs
// Validates the source URL, debits the owner and enqueues the job.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var req dto.SubmitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	videoID, err := fetch.ParseVideoID(req.SourceURL)
	if err != nil {
		h.logger.Warn("Rejected unsupported source URL",
			slog.String("owner_id", req.OwnerID),
			slog.String("source_url", req.SourceURL),
		)
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "source_url is not a supported video URL",
		})
		return
	}

	jobID := uuid.New().String()

	// Debit before the row exists so an owner can never enqueue work
	// they cannot pay for.
	if err := h.ledger.Debit(c.Request.Context(), req.OwnerID, jobID, h.jobCost); err != nil {
		if errors.Is(err, domain.ErrInsufficientCredits) {
			c.JSON(http.StatusPaymentRequired, gin.H{
				"error": "insufficient credits",
			})
			return
		}
		h.logger.Error("Failed to debit owner", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to submit job",
		})
		return
	}

	now := time.Now().UTC()
	job := domain.Job{
		JobID:       jobID,
		OwnerID:     req.OwnerID,
		SourceURL:   req.SourceURL,
		VideoID:     videoID,
		SubjectHint: req.SubjectHint,
		Status:      domain.JobStatusQueued,
		MaxAttempts: h.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := h.storage.CreateJob(c.Request.Context(), &job); err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		h.compensate(c, &job)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	body, err := json.Marshal(domain.QueueMessage{JobID: job.JobID})
	if err != nil {
		h.logger.Error("Failed to encode queue message", slog.String("error", err.Error()))
		h.compensate(c, &job)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	if err := h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json"); err != nil {
		h.logger.Error("Failed to publish job message",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		h.compensate(c, &job)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job submitted",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", job.OwnerID),
		slog.String("video_id", job.VideoID),
	)

	c.JSON(http.StatusAccepted, toJobDTO(&job))
}

// compensate unwinds a half-finished submission: the row (if written)
// is removed and the debit returned.
func (h *JobHandler) compensate(c *gin.Context, job *domain.Job) {
	if _, err := h.storage.DeleteIfQueued(c.Request.Context(), job.JobID); err != nil {
		h.logger.Error("Failed to remove job during submission rollback",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
	if err := h.ledger.Refund(c.Request.Context(), job.OwnerID, job.JobID, h.jobCost); err != nil {
		h.logger.Error("Failed to refund debit during submission rollback",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
	}
}

// GetJob handles GET /api/v1/jobs/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := storage.JobFilter{
		OwnerID:  req.OwnerID,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	jobs, err := h.storage.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		lastJob := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&storage.JobCursor{
			CreatedAt: lastJob.CreatedAt,
			JobID:     lastJob.JobID,
		})
		if err != nil {
			h.logger.Error("Failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to encode next cursor",
			})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// RetryJob handles POST /api/v1/jobs/:job_id/retry
// Re-enqueues a FAILED job; any other status is an invalid state.
func (h *JobHandler) RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.RetryJob(c.Request.Context(), jobID)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrJobNotFound):
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
		case errors.Is(err, domain.ErrInvalidState):
			c.JSON(http.StatusConflict, gin.H{
				"error": "only FAILED jobs can be retried",
			})
		default:
			h.logger.Error("Failed to retry job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to retry job",
			})
		}
		return
	}

	body, err := json.Marshal(domain.QueueMessage{JobID: job.JobID})
	if err == nil {
		err = h.publisher.PublishWithRetry(c.Request.Context(), body, "application/json")
	}
	if err != nil {
		h.logger.Error("Failed to publish retry message",
			slog.String("job_id", job.JobID),
			slog.String("error", err.Error()),
		)
		// Put the job back to FAILED so the owner can retry again;
		// leaving it QUEUED would strand it with no message behind it.
		if rbErr := h.storage.RevertRetry(c.Request.Context(), job.JobID); rbErr != nil {
			h.logger.Error("Failed to revert job retry",
				slog.String("job_id", job.JobID),
				slog.String("error", rbErr.Error()),
			)
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to enqueue job",
		})
		return
	}

	h.logger.Info("Job retried",
		slog.String("job_id", job.JobID),
		slog.String("owner_id", job.OwnerID),
	)

	c.JSON(http.StatusAccepted, toJobDTO(job))
}

// CancelJob handles DELETE /api/v1/jobs/:job_id
// A QUEUED job is deleted outright and its debit refunded. A PROCESSING
// job gets an abort flag the worker honors at the next stage boundary.
// Terminal jobs cannot be cancelled.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if _, err := uuid.Parse(jobID); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id must be a valid UUID",
		})
		return
	}

	job, err := h.storage.GetJobByID(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error": "job not found",
			})
			return
		}
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	switch job.Status {
	case domain.JobStatusQueued:
		deleted, err := h.storage.DeleteIfQueued(c.Request.Context(), jobID)
		if err != nil {
			h.logger.Error("Failed to delete job", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}
		if !deleted {
			// Started processing between the read and the delete.
			c.JSON(http.StatusConflict, gin.H{
				"error": "job is no longer cancellable",
			})
			return
		}

		if err := h.ledger.Refund(c.Request.Context(), job.OwnerID, job.JobID, h.jobCost); err != nil {
			h.logger.Error("Failed to refund cancelled job",
				slog.String("job_id", job.JobID),
				slog.String("error", err.Error()),
			)
		}

		h.logger.Info("Queued job cancelled",
			slog.String("job_id", job.JobID),
			slog.String("owner_id", job.OwnerID),
		)
		c.Status(http.StatusNoContent)

	case domain.JobStatusProcessing:
		flagged, err := h.storage.RequestAbort(c.Request.Context(), jobID)
		if err != nil {
			h.logger.Error("Failed to request abort", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{
				"error": "Failed to cancel job",
			})
			return
		}
		if !flagged {
			c.JSON(http.StatusConflict, gin.H{
				"error": "job is no longer cancellable",
			})
			return
		}

		h.logger.Info("Abort requested for running job",
			slog.String("job_id", job.JobID),
		)
		c.JSON(http.StatusAccepted, gin.H{
			"job_id":  job.JobID,
			"message": "abort requested; the job will stop at the next stage boundary",
		})

	default:
		c.JSON(http.StatusConflict, gin.H{
			"error": "terminal jobs cannot be cancelled",
		})
	}
}

// GetBalance handles GET /api/v1/owners/:owner_id/balance
func (h *JobHandler) GetBalance(c *gin.Context) {
	ownerID := c.Param("owner_id")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "owner_id is required",
		})
		return
	}

	balance, err := h.ledger.Balance(c.Request.Context(), ownerID)
	if err != nil {
		h.logger.Error("Failed to read balance", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to read balance",
		})
		return
	}

	c.JSON(http.StatusOK, dto.BalanceResponse{
		OwnerID: ownerID,
		Balance: balance,
	})
}
