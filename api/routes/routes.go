package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/feichai0017/dataset-kitchen/api/handlers"
	"github.com/feichai0017/dataset-kitchen/api/middleware"
	"github.com/feichai0017/dataset-kitchen/pkg/logger"
	"github.com/feichai0017/dataset-kitchen/pkg/metrics"
)

// SetupRoutes registers middleware and every route of the API.
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger) {
	r.Use(
		middleware.RequestID(),
		middleware.Logger(log),
		metrics.Middleware(),
		middleware.CORS(),
	)

	r.GET("/healthz", handlers.Health)
	r.GET("/metrics", metrics.Handler())

	v1 := r.Group("/api/v1")

	jobs := v1.Group("/jobs")
	{
		jobs.POST("", h.Jobs.SubmitJob)
		jobs.GET("/:jobId", h.Jobs.GetProgress)
		jobs.DELETE("/:jobId", h.Jobs.CancelJob)
	}
	v1.POST("/paraphrases", h.Jobs.Paraphrase)

	artifacts := v1.Group("/artifacts")
	{
		artifacts.GET("", h.Artifacts.List)
		artifacts.GET("/rows", h.Artifacts.Rows)
		artifacts.POST("/combine", h.Artifacts.Combine)
		artifacts.POST("/slice", h.Artifacts.Slice)
		artifacts.POST("/rename", h.Artifacts.Rename)
		artifacts.POST("/edits", h.Artifacts.ApplyEdits)
		artifacts.POST("/edits/save-as-new", h.Artifacts.SaveAsNew)
		artifacts.GET("/:stage/:name", h.Artifacts.Get)
	}

	v1.POST("/ingredients", h.Artifacts.Ingest)
	v1.POST("/seeds/convert", h.Artifacts.ConvertToSeed)
	v1.POST("/seeds/parse", h.Artifacts.ParseToSeed)

	templates := v1.Group("/templates")
	{
		templates.GET("", h.Catalog.Templates)
		templates.GET("/:name", h.Catalog.Template)
		templates.POST("", h.Catalog.DefineTemplate)
	}

	prompts := v1.Group("/prompt-sets")
	{
		prompts.GET("", h.Catalog.PromptSets)
		prompts.GET("/:name", h.Catalog.PromptSet)
		prompts.POST("", h.Catalog.SavePromptSet)
	}

	v1.POST("/lifecycle", h.Models.Lifecycle)
	v1.POST("/models/generate", h.Models.Generate)
	v1.POST("/models/import", h.Models.Import)
	v1.GET("/llm/models", h.Models.LLMModels)
}
