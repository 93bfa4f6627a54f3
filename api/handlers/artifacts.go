package handlers

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/dataset-kitchen/internal/models"
	"github.com/feichai0017/dataset-kitchen/internal/service/kitchen"
	"github.com/feichai0017/dataset-kitchen/internal/utils/validator"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
)

const defaultRowsPerPage = 50

type ArtifactHandler struct {
	kitchen   Kitchen
	opts      Options
	validator *validator.UploadValidator
	logger    logger.Logger
}

type artifactTarget struct {
	Name  string `json:"name" binding:"required"`
	Stage string `json:"stage"`
}

type combineRequest struct {
	Names     []string             `json:"names"`
	Artifacts []models.ArtifactRef `json:"artifacts"`
	// RequireSameType defaults to true when absent.
	RequireSameType *bool `json:"requireSameType"`
}

type sliceRequest struct {
	artifactTarget
	Columns []string `json:"columns"`
}

type editRequest struct {
	artifactTarget
	Edits kitchen.Edits `json:"edits"`
}

type renameRequest struct {
	artifactTarget
	NewName string `json:"newName" binding:"required"`
}

func (h *ArtifactHandler) List(c *gin.Context) {
	stage, err := models.ParseStage(c.Query("stage"))
	if err != nil {
		handleError(c, h.logger, "Invalid stage", err)
		return
	}
	list, err := h.kitchen.Artifacts(c.Request.Context(), stage)
	if err != nil {
		handleError(c, h.logger, "Failed to list artifacts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifacts": list})
}

// Get returns the current version of an artifact and its history.
func (h *ArtifactHandler) Get(c *gin.Context) {
	r, err := ref(c.Param("name"), c.Param("stage"))
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	versions, err := h.kitchen.Versions(c.Request.Context(), r)
	if err != nil {
		handleError(c, h.logger, "Failed to get artifact", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"artifact": versions[len(versions)-1],
		"versions": versions,
	})
}

func (h *ArtifactHandler) Rename(c *gin.Context) {
	var req renameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	r, err := ref(req.Name, req.Stage)
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	a, err := h.kitchen.Rename(c.Request.Context(), r, req.NewName)
	if err != nil {
		handleError(c, h.logger, "Failed to rename artifact", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"artifact": a})
}

func (h *ArtifactHandler) Combine(c *gin.Context) {
	var req combineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	refs := append([]models.ArtifactRef(nil), req.Artifacts...)
	for _, name := range req.Names {
		refs = append(refs, models.ArtifactRef{Name: name})
	}
	sameType := req.RequireSameType == nil || *req.RequireSameType
	a, err := h.kitchen.Combine(c.Request.Context(), refs, sameType)
	if err != nil {
		handleError(c, h.logger, "Failed to combine artifacts", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"combinedArtifactName": a.Name, "artifact": a})
}

func (h *ArtifactHandler) Slice(c *gin.Context) {
	var req sliceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	r, err := ref(req.Name, req.Stage)
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	a, removed, err := h.kitchen.Slice(c.Request.Context(), r, req.Columns)
	if err != nil {
		handleError(c, h.logger, "Failed to slice artifact", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"newArtifactName": a.Name, "removedColumns": removed, "artifact": a})
}

// Rows returns one zero-based page of a table.
func (h *ArtifactHandler) Rows(c *gin.Context) {
	r, err := ref(c.Query("name"), c.Query("stage"))
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	page, err := intQuery(c, "page", 0)
	if err != nil {
		badRequest(c, h.logger, err)
		return
	}
	perPage, err := intQuery(c, "rowsPerPage", defaultRowsPerPage)
	if err != nil {
		badRequest(c, h.logger, err)
		return
	}
	rows, err := h.kitchen.ReadRows(c.Request.Context(), r, page, perPage)
	if err != nil {
		handleError(c, h.logger, "Failed to read rows", err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (h *ArtifactHandler) ApplyEdits(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	r, err := ref(req.Name, req.Stage)
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	a, err := h.kitchen.ApplyEdits(c.Request.Context(), r, req.Edits)
	if err != nil {
		handleError(c, h.logger, "Failed to apply edits", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "saved", "version": a.Version, "artifact": a})
}

func (h *ArtifactHandler) SaveAsNew(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	r, err := ref(req.Name, req.Stage)
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	a, err := h.kitchen.SaveAsNew(c.Request.Context(), r, req.Edits)
	if err != nil {
		handleError(c, h.logger, "Failed to save edits", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"newArtifactName": a.Name, "artifact": a})
}

// Ingest stores an uploaded file as an ingredient. Set the form field
// overwrite=true to add a version to an existing ingredient.
func (h *ArtifactHandler) Ingest(c *gin.Context) {
	if h.opts.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes)
	}
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		badRequest(c, h.logger, fmt.Errorf("invalid file upload: %w", err))
		return
	}
	defer file.Close()
	overwrite, _ := strconv.ParseBool(c.PostForm("overwrite"))
	name := filepath.Base(header.Filename)

	info, err := h.validator.Validate(name, header.Size, file)
	if err != nil {
		handleError(c, h.logger, "Invalid file upload", err)
		return
	}
	a, err := h.kitchen.Ingest(c.Request.Context(), name, file, kitchen.IngestOptions{
		Overwrite: overwrite,
		Metadata:  info.Metadata(),
	})
	if err != nil {
		handleError(c, h.logger, "Failed to ingest file", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"artifact": a, "fileSize": header.Size})
}

type convertRequest struct {
	artifactTarget
	Format string `json:"format"`
}

type parseRequest struct {
	artifactTarget
	Template string `json:"template" binding:"required"`
	Model    string `json:"model"`
	Format   string `json:"format"`
}

func (h *ArtifactHandler) ConvertToSeed(c *gin.Context) {
	var req convertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	r, err := ref(req.Name, req.Stage)
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	a, err := h.kitchen.ConvertToSeed(c.Request.Context(), r, req.Format)
	if err != nil {
		handleError(c, h.logger, "Failed to convert to seed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"newArtifactName": a.Name, "artifact": a})
}

func (h *ArtifactHandler) ParseToSeed(c *gin.Context) {
	var req parseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.logger, err)
		return
	}
	r, err := ref(req.Name, req.Stage)
	if err != nil {
		handleError(c, h.logger, "Invalid artifact", err)
		return
	}
	model := req.Model
	if model == "" {
		model = h.opts.DefaultModel
	}
	a, err := h.kitchen.ParseToSeed(c.Request.Context(), r, req.Template, model, req.Format)
	if err != nil {
		handleError(c, h.logger, "Failed to parse to seed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"newArtifactName": a.Name, "artifact": a})
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	v := c.Query(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", key)
	}
	return n, nil
}
