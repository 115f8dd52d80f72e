package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/dataimport"
	"github.com/korvin89/charts-playground/internal/infrastructure/monitoring"
)

// ImportData converts an uploaded document into JSON data text
func (h *Handlers) ImportData(c *gin.Context) {
	timer := monitoring.NewTimer(h.metrics, "data_import")

	format, err := dataimport.ParseFormat(c.Query("format"))
	if err != nil {
		timer.Stop("invalid")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, dataimport.MaxSize+1))
	if err != nil {
		timer.Stop("invalid")
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "Request body too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	result, err := dataimport.Convert(body, format)
	if err != nil {
		timer.Stop("error")
		h.logger.Debug("Data import rejected",
			zap.String("format", string(format)),
			zap.Int("size", len(body)),
			zap.Error(err),
		)
		c.JSON(importStatus(err), gin.H{"error": err.Error()})
		return
	}

	timer.Stop("success")
	c.JSON(http.StatusOK, result)
}

func importStatus(err error) int {
	switch {
	case errors.Is(err, dataimport.ErrTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, dataimport.ErrUnknownFormat), errors.Is(err, dataimport.ErrEmpty):
		return http.StatusBadRequest
	default:
		return http.StatusUnprocessableEntity
	}
}
