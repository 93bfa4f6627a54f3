package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

// CatalogHandler serves templates and prompt sets.
type CatalogHandler struct {
	kitchen Kitchen
	logger  logger.Logger
}

type templateRequest struct {
	Name   string   `json:"name" binding:"required"`
	Fields []string `json:"fields"`
}

type promptSetRequest struct {
	Name string           `json:"name" binding:"required"`
	Set  models.PromptSet `json:"prompts"`
}

func (h *CatalogHandler) Templates(c *gin.Context) {
	list, err := h.kitchen.Templates(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, "Failed to list templates", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": list})
}

func (h *CatalogHandler) Template(c *gin.Context) {
	t, err := h.kitchen.Template(c.Request.Context(), c.Param("name"))
	if err != nil {
		handleError(c, h.logger, "Failed to get template", err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h *CatalogHandler) DefineTemplate(c *gin.Context) {
	var req templateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	t, err := h.kitchen.DefineTemplate(c.Request.Context(), req.Name, req.Fields)
	if err != nil {
		handleError(c, h.logger, "Failed to define template", err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h *CatalogHandler) PromptSets(c *gin.Context) {
	names, err := h.kitchen.PromptSets(c.Request.Context())
	if err != nil {
		handleError(c, h.logger, "Failed to list prompt sets", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"promptSets": names})
}

func (h *CatalogHandler) PromptSet(c *gin.Context) {
	set, err := h.kitchen.LoadPromptSet(c.Request.Context(), c.Param("name"))
	if err != nil {
		handleError(c, h.logger, "Failed to load prompt set", err)
		return
	}
	c.JSON(http.StatusOK, set)
}

// SavePromptSet stores a named prompt set, replacing one with the same name.
func (h *CatalogHandler) SavePromptSet(c *gin.Context) {
	var req promptSetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	if err := h.kitchen.SavePromptSet(c.Request.Context(), req.Name, req.Set); err != nil {
		handleError(c, h.logger, "Failed to save prompt set", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "name": req.Name})
}
