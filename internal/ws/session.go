package ws

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/infrastructure/monitoring"
	"github.com/korvin89/charts-playground/internal/sandbox/orchestrator"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/renderstage"
	"github.com/korvin89/charts-playground/internal/shared/id"
)

// session is one connected editor. Only writeLoop writes to conn.
type session struct {
	id      id.SessionID
	conn    *websocket.Conn
	orch    *orchestrator.Orchestrator
	outbox  chan ServerMessage
	closed  chan struct{}
	metrics *monitoring.Metrics
	logger  *zap.Logger
}

func (s *session) readLoop() {
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := sonic.Unmarshal(raw, &msg); err != nil {
			s.sendError("malformed message")
			continue
		}

		switch msg.Type {
		case "run":
			s.record("in", msg.Type)
			s.handleRun(msg)
		case "theme":
			s.record("in", msg.Type)
			s.handleTheme(msg)
		case "ping":
			s.record("in", msg.Type)
			s.enqueue(ServerMessage{Type: "pong"})
		default:
			s.record("in", "unknown")
			s.sendError("unknown message type")
		}
	}
}

func (s *session) handleRun(msg ClientMessage) {
	theme, err := protocol.ParseTheme(msg.Theme)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	runID, err := s.orch.Run(msg.Data, msg.Config, theme)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	s.logger.Debug("Run submitted", zap.Uint64("run_id", runID))
}

func (s *session) handleTheme(msg ClientMessage) {
	theme, err := protocol.ParseTheme(msg.Theme)
	if err != nil {
		s.sendError(err.Error())
		return
	}
	if err := s.orch.SetTheme(theme); err != nil {
		s.sendError(err.Error())
	}
}

// deliver runs on the orchestrator goroutine
func (s *session) deliver(o protocol.Outcome) {
	s.enqueue(ServerMessage{Type: "outcome", RunID: o.RunID, Outcome: &o})
}

// present runs on the render unit goroutine
func (s *session) present(_ context.Context, frame *renderstage.Frame) error {
	if !s.enqueue(ServerMessage{Type: "frame", RunID: frame.RunID, Frame: frame}) {
		return errSessionClosed
	}
	return nil
}

// enqueue never blocks: a client that stops reading loses messages instead
// of stalling its pipeline
func (s *session) enqueue(msg ServerMessage) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.outbox <- msg:
		return true
	default:
		s.logger.Warn("Session outbox full, dropping message", zap.String("type", msg.Type))
		return false
	}
}

func (s *session) sendError(message string) {
	s.enqueue(ServerMessage{Type: "error", Message: message})
}

func (s *session) writeLoop(ctx context.Context) {
	defer close(s.closed)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.outbox:
			payload, err := encode(msg)
			if err != nil {
				s.logger.Error("Failed to encode message", zap.String("type", msg.Type), zap.Error(err))
				continue
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				s.logger.Debug("WebSocket write failed", zap.Error(err))
				// unblock readLoop
				_ = s.conn.Close()
				return
			}
			s.record("out", msg.Type)
		}
	}
}

func (s *session) record(direction, msgType string) {
	if s.metrics != nil {
		s.metrics.RecordWSMessage(direction, msgType)
	}
}
