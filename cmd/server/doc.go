// Package main is the entry point of the charts playground backend.
//
// The server runs untrusted chart configuration code in a two-stage sandbox
// and returns rendered chart frames to the editor.
//
//	Editor → HTTP /api/run (synchronous, pooled pipelines)
//	       → WebSocket /ws (one pipeline per session)
//
// Configuration:
//   - Environment variables (12-factor), see internal/infrastructure/config
//   - CLI flags override env vars
//
// Usage:
//
//	./server -port 8000
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
