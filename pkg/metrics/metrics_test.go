package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMiddlewareAndHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/ping/:id", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping/7", nil))
	require.Equal(t, http.StatusOK, w.Code)

	ObserveLLMCall("llama3", "ok", 50*time.Millisecond)
	CellDone(true)
	JobFinished("completed")
	ObserveTransition("merge", "ok", time.Second)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `kitchen_http_requests_total{method="GET",path="/ping/:id",status="200"}`)
	assert.Contains(t, body, "kitchen_llm_calls_total")
	assert.Contains(t, body, "kitchen_pipeline_cells_total")
	assert.Contains(t, body, "kitchen_lifecycle_transitions_total")
}
