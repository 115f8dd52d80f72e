package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// maxLogEntries bounds one batch from the editor
const maxLogEntries = 100

// EditorLogEntry is a log entry forwarded by the editor frontend
type EditorLogEntry struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Context   map[string]interface{} `json:"context"`
	Timestamp string                 `json:"timestamp"`
}

// EditorLogRequest is a batch of editor log entries
type EditorLogRequest struct {
	Source  string           `json:"source"` // "editor"
	Entries []EditorLogEntry `json:"entries"`
}

// StreamLogs records frontend logs in the service log
func (h *Handlers) StreamLogs(c *gin.Context) {
	var req EditorLogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid log request format"})
		return
	}

	if req.Source != "editor" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid log source"})
		return
	}
	if len(req.Entries) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "No log entries provided"})
		return
	}

	entries := req.Entries
	if len(entries) > maxLogEntries {
		entries = entries[:maxLogEntries]
	}

	logger := h.logger.With(zap.String("source", "editor"))
	for _, entry := range entries {
		h.logEditorEntry(logger, entry)
	}

	c.JSON(http.StatusOK, gin.H{
		"success":           true,
		"entries_received":  len(req.Entries),
		"entries_processed": len(entries),
		"timestamp":         time.Now().Unix(),
	})
}

func (h *Handlers) logEditorEntry(logger *zap.Logger, entry EditorLogEntry) {
	fields := make([]zap.Field, 0, len(entry.Context)+1)
	fields = append(fields, zap.String("editor_timestamp", entry.Timestamp))

	for key, value := range entry.Context {
		switch v := value.(type) {
		case string:
			fields = append(fields, zap.String(key, v))
		case float64:
			fields = append(fields, zap.Float64(key, v))
		case bool:
			fields = append(fields, zap.Bool(key, v))
		default:
			fields = append(fields, zap.Any(key, v))
		}
	}

	switch entry.Level {
	case "error":
		logger.Error(entry.Message, fields...)
	case "warn":
		logger.Warn(entry.Message, fields...)
	case "debug", "verbose":
		logger.Debug(entry.Message, fields...)
	default:
		logger.Info(entry.Message, fields...)
	}
}
