// Package server wires the charts playground service together.
//
// Server Lifecycle:
//  1. Load configuration from the environment
//  2. Initialize logger and metrics
//  3. Start the pipeline pool for synchronous runs
//  4. Setup HTTP routes, middleware and the WebSocket endpoint
//  5. Serve until a shutdown signal
//  6. Drain HTTP connections, then stop every pipeline
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(ctx, cfg, logger)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
