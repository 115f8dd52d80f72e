// Package ws hosts interactive editing sessions over WebSocket.
//
// Every connection owns one orchestrator, so runs from different editors never
// share a pipeline. The editor sends its input on every change; a newer run
// supersedes an older one and only the latest outcome is reported.
//
// Message Types (Client → Server):
//   - run: Execute {data, config, theme}
//   - theme: Switch the display theme, re-running the last successful input
//   - ping: Keep-alive ping
//
// Message Types (Server → Client):
//   - system: Session established
//   - frame: Frame presented by the render stage, blank frames included
//   - outcome: Terminal result of the current run
//   - error: Malformed or rejected client message
//   - pong: Keep-alive reply
//
// Example Usage:
//
//	handler := ws.NewHandler(ws.Options{Exec: exec, Runtimes: runtimes, Metrics: metrics})
//	router.GET("/ws", handler.HandleConnection)
package ws
