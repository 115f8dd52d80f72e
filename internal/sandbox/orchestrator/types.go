package orchestrator

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/unit"
)

var (
	ErrStopped    = errors.New("orchestrator is stopped")
	ErrNotStarted = errors.New("orchestrator is not started")
)

// Stage is the orchestrator's position in the current run
type Stage string

const (
	StageIdle           Stage = "idle"
	StageAwaitingReady  Stage = "awaiting_ready"
	StageAwaitingConfig Stage = "awaiting_config"
	StageAwaitingRender Stage = "awaiting_render"
)

// Direction of a traced message
type Direction string

const (
	Sent      Direction = "sent"
	Received  Direction = "received"
	Discarded Direction = "discarded"
)

// Event is one message crossing a unit boundary, as seen by the orchestrator
type Event struct {
	Direction Direction
	Unit      string
	Message   protocol.Message
}

// Recorder receives pipeline measurements
type Recorder interface {
	RecordOutcome(outcome protocol.Outcome)
	RecordDiscarded(unit string)
}

// Options configures an orchestrator
type Options struct {
	Config unit.Handler // Handler of the config unit
	Render unit.Handler // Handler of the render unit

	// OnOutcome receives the terminal outcome of every run that is not
	// superseded. It runs on the orchestrator goroutine and must not block.
	OnOutcome func(protocol.Outcome)

	ReadyTimeout    time.Duration // Time both units get to announce readiness
	ResponseTimeout time.Duration // Time a unit gets to answer a request

	Observer func(Event) // Optional message trace
	Recorder Recorder    // Optional metrics
	Logger   *zap.Logger
}

// DefaultReadyTimeout and DefaultResponseTimeout apply when Options leaves
// the timeouts unset
const (
	DefaultReadyTimeout    = 10 * time.Second
	DefaultResponseTimeout = 15 * time.Second
)

func (o Options) withDefaults() Options {
	if o.ReadyTimeout <= 0 {
		o.ReadyTimeout = DefaultReadyTimeout
	}
	if o.ResponseTimeout <= 0 {
		o.ResponseTimeout = DefaultResponseTimeout
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.OnOutcome == nil {
		o.OnOutcome = func(protocol.Outcome) {}
	}
	return o
}
