package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/analyzer"
	"github.com/korvin89/charts-playground/internal/infrastructure/monitoring"
	"github.com/korvin89/charts-playground/internal/infrastructure/resilience"
	"github.com/korvin89/charts-playground/internal/sandbox/pool"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/renderstage"
)

// RunRequest is the body of POST /api/run
type RunRequest struct {
	Data   string `json:"data"`
	Config string `json:"config" binding:"required"`
	Theme  string `json:"theme"`
}

// RunResponse reports a finished run. A failed run is still a 200: the
// failure belongs to the user's code, not to the request.
type RunResponse struct {
	Outcome protocol.Outcome   `json:"outcome"`
	Frame   *renderstage.Frame `json:"frame,omitempty"`
	Series  []string           `json:"series,omitempty"`
}

// Run executes config code against data and returns the rendered frame
func (h *Handlers) Run(c *gin.Context) {
	timer := monitoring.NewTimer(h.metrics, "run")

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		timer.Stop("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid run request: " + err.Error()})
		return
	}

	theme, err := protocol.ParseTheme(req.Theme)
	if err != nil {
		timer.Stop("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.runner.Run(c.Request.Context(), req.Data, req.Config, theme)
	if err != nil {
		timer.Stop("error")
		h.logger.Warn("Run not completed", zap.Error(err))
		c.JSON(runStatus(err), gin.H{"error": err.Error()})
		return
	}

	status := "success"
	if !result.Outcome.OK {
		status = string(result.Outcome.Source)
	}
	timer.Stop(status)

	c.JSON(http.StatusOK, RunResponse{
		Outcome: result.Outcome,
		Frame:   result.Frame,
		Series:  analyzer.Labels(req.Config),
	})
}

func runStatus(err error) int {
	switch {
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, resilience.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// AnalyzeRequest is the body of POST /api/analyze
type AnalyzeRequest struct {
	Config string `json:"config"`
}

// Analyze lists the series kinds a config declares without executing it
func (h *Handlers) Analyze(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid analyze request"})
		return
	}

	types := analyzer.Extract(req.Config)
	c.JSON(http.StatusOK, gin.H{
		"types":  types,
		"labels": analyzer.Format(types),
	})
}
