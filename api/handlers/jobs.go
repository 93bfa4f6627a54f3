package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

type JobHandler struct {
	kitchen Kitchen
	logger  logger.Logger
}

// SubmitJob starts an augmentation job. Resubmitting an identical job returns
// the id of the existing one.
func (h *JobHandler) SubmitJob(c *gin.Context) {
	var job models.AugmentationJob
	if err := c.ShouldBindJSON(&job); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	id, err := h.kitchen.Submit(c.Request.Context(), job)
	if err != nil {
		handleError(c, h.logger, "Failed to submit job", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"jobId": id})
}

func (h *JobHandler) GetProgress(c *gin.Context) {
	p, err := h.kitchen.Progress(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		handleError(c, h.logger, "Failed to get job progress", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *JobHandler) CancelJob(c *gin.Context) {
	p, err := h.kitchen.Cancel(c.Request.Context(), c.Param("jobId"))
	if err != nil {
		handleError(c, h.logger, "Failed to cancel job", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// Paraphrase previews the variants of one sample without starting a job.
func (h *JobHandler) Paraphrase(c *gin.Context) {
	var req kitchen.PreviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	p, err := h.kitchen.Paraphrase(c.Request.Context(), req)
	if err != nil {
		handleError(c, h.logger, "Failed to paraphrase sample", err)
		return
	}
	c.JSON(http.StatusOK, p)
}
