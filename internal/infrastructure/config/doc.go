// Package config provides 12-factor configuration management for the
// playground backend.
//
// Configuration is loaded from environment variables with sensible defaults.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host, body limit)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Sandbox: Execution limits and pipeline timeouts
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, MAX_BODY_BYTES
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - SANDBOX_EXEC_TIMEOUT, SANDBOX_READY_TIMEOUT, SANDBOX_RESPONSE_TIMEOUT
//   - SANDBOX_MAX_CALL_STACK, SANDBOX_MAX_CONSOLE, SANDBOX_POOL_SIZE, SANDBOX_RESULT_VAR
package config
