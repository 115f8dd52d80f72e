// Package logging provides structured logging using uber/zap.
//
// Two modes are offered:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Pipeline components log through Sandbox loggers named after the component
// ("sandbox.config", "sandbox.render", "sandbox.orchestrator") with run_id and
// unit fields.
//
// Example Usage:
//
//	logger := logging.NewDefault()
//	logger.Info("Server starting", zap.String("port", "8000"))
//	logger.Sandbox("config").Debug("Config executed", zap.Uint64("run_id", 1))
package logging
