package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/infrastructure/monitoring"
	"github.com/korvin89/charts-playground/internal/sandbox/configstage"
	"github.com/korvin89/charts-playground/internal/sandbox/orchestrator"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/renderstage"
	"github.com/korvin89/charts-playground/internal/shared/id"
)

const (
	maxMessageBytes = 2 << 20
	writeWait       = 10 * time.Second
	outboxSize      = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS middleware does not cover upgrades; the editor may be served anywhere
	},
}

// ClientMessage is a message sent by the editor
type ClientMessage struct {
	Type   string `json:"type"`
	Data   string `json:"data,omitempty"`
	Config string `json:"config,omitempty"`
	Theme  string `json:"theme,omitempty"`
}

// ServerMessage is a message sent to the editor
type ServerMessage struct {
	Type      string             `json:"type"`
	Message   string             `json:"message,omitempty"`
	Session   string             `json:"session,omitempty"`
	RunID     uint64             `json:"runId,omitempty"`
	Outcome   *protocol.Outcome  `json:"outcome,omitempty"`
	Frame     *renderstage.Frame `json:"frame,omitempty"`
	Timestamp int64              `json:"timestamp"`
}

// Options configures the handler
type Options struct {
	Exec            configstage.Config
	Runtimes        *configstage.RuntimePool // Shared by every session
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
	Metrics         *monitoring.Metrics
	Logger          *zap.Logger
}

// Handler manages WebSocket connections
type Handler struct {
	opts Options
}

// NewHandler creates a new WebSocket handler
func NewHandler(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{opts: opts}
}

// HandleConnection upgrades the request and serves one session until the
// client disconnects
func (h *Handler) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.opts.Logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)

	if m := h.opts.Metrics; m != nil {
		m.IncWSConnections()
		defer m.DecWSConnections()
	}

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	s, err := h.newSession(conn)
	if err != nil {
		h.opts.Logger.Error("Failed to create session", zap.Error(err))
		return
	}
	go s.writeLoop(ctx)

	s.orch.Start(ctx)
	defer s.orch.Stop()

	s.logger.Info("Session opened", zap.String("remote", c.ClientIP()))
	s.enqueue(ServerMessage{
		Type:    "system",
		Message: "Connected to charts playground",
		Session: s.id.String(),
	})

	s.readLoop()
	s.logger.Info("Session closed")
}

func (h *Handler) newSession(conn *websocket.Conn) (*session, error) {
	sid := id.NewSessionID()
	logger := h.opts.Logger.With(zap.String("session", sid.String()))

	s := &session{
		id:      sid,
		conn:    conn,
		outbox:  make(chan ServerMessage, outboxSize),
		closed:  make(chan struct{}),
		metrics: h.opts.Metrics,
		logger:  logger,
	}

	renderer, err := renderstage.NewRenderer(renderstage.PresenterFunc(s.present), logger)
	if err != nil {
		return nil, err
	}

	var recorder orchestrator.Recorder
	if h.opts.Metrics != nil {
		recorder = h.opts.Metrics
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Config:          configstage.NewExecutor(h.opts.Exec, h.opts.Runtimes, logger),
		Render:          renderer,
		OnOutcome:       s.deliver,
		ReadyTimeout:    h.opts.ReadyTimeout,
		ResponseTimeout: h.opts.ResponseTimeout,
		Recorder:        recorder,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}
	s.orch = orch
	return s, nil
}

func encode(msg ServerMessage) ([]byte, error) {
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().Unix()
	}
	return sonic.Marshal(msg)
}

var errSessionClosed = errors.New("session closed")
