package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/infrastructure/monitoring"
	"github.com/korvin89/charts-playground/internal/sandbox/capability"
	"github.com/korvin89/charts-playground/internal/sandbox/pool"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

// Runner executes one run synchronously
type Runner interface {
	Run(ctx context.Context, data, config string, theme protocol.Theme) (*pool.Result, error)
	Stats() map[string]interface{}
}

// Handlers contains all HTTP handlers
type Handlers struct {
	runner  Runner
	metrics *monitoring.Metrics
	logger  *zap.Logger
	version string
}

// NewHandlers creates a new handler set
func NewHandlers(runner Runner, metrics *monitoring.Metrics, logger *zap.Logger, version string) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		version: version,
	}
}

// Root handles the liveness probe
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "online",
		"service": "charts-playground",
		"version": h.version,
	})
}

// Health handles detailed health check
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"pipelines": h.runner.Stats(),
		"metrics":   h.metrics.Snapshot(),
		"timestamp": time.Now().Unix(),
	})
}

// Capabilities lists the names visible to config code, for editor completion
func (h *Handlers) Capabilities(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"allowed": capability.AllowedNames(),
		"blocked": append(append([]string(nil), capability.Blocked...), capability.Scrubbed...),
	})
}
