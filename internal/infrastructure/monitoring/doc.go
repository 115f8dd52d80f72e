/*
Package monitoring provides metrics collection for the playground backend.

# Overview

Metrics are Prometheus collectors registered on a registry owned by the
Metrics value, so several instances can coexist in one process.

# Features

- HTTP request metrics (latency, throughput, size)
- Pipeline run outcomes by failing stage, run latency
- Responses discarded because a newer run superseded them
- Console output volume of sandboxed code
- WebSocket connection and message metrics

Metrics implements the orchestrator's Recorder interface.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	timer := monitoring.NewTimer(metrics, "import")
	// ... perform operation ...
	timer.Stop("success")
*/
package monitoring
