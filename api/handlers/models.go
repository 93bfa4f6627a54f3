package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/dataset-kitchen/internal/lifecycle"
	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// ModelHandler serves model weights and lifecycle transitions.
type ModelHandler struct {
	kitchen Kitchen
	logger  logger.Logger
}

type importRequest struct {
	Path string `json:"path" binding:"required"`
	Name string `json:"name"`
}

// Lifecycle runs one transition synchronously. Training can take hours; clients
// are expected to use a long timeout.
func (h *ModelHandler) Lifecycle(c *gin.Context) {
	var req models.ModelLifecycleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	a, err := h.kitchen.Lifecycle(c.Request.Context(), req)
	if err != nil {
		handleError(c, h.logger, "Lifecycle transition failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outputArtifactName": a.Name, "artifact": a})
}

func (h *ModelHandler) Import(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	a, err := h.kitchen.ImportModel(c.Request.Context(), req.Path, req.Name)
	if err != nil {
		handleError(c, h.logger, "Failed to import model", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifact": a})
}

func (h *ModelHandler) LLMModels(c *gin.Context) {
	list, err := h.kitchen.LLMModels(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, "Failed to list language models", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list})
}

func (h *ModelHandler) Generate(c *gin.Context) {
	var req lifecycle.GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	text, err := h.kitchen.Generate(c.Request.Context(), req)
	if err != nil {
		handleError(c, h.logger, "Generation failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"generatedText": text})
}
