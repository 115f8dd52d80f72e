// Package unit implements the isolation unit: an actor that owns its execution
// state and is reachable only through messages.
//
// A unit announces readiness exactly once after Start, then processes execute
// requests one at a time. A request posted while another is executing is
// rejected with ErrBusy rather than buffered. Every accepted request yields
// exactly one response, and a panic inside the handler is converted into the
// unit's failure message.
package unit

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

var (
	ErrBusy       = errors.New("unit is executing another request")
	ErrStopped    = errors.New("unit is stopped")
	ErrNotStarted = errors.New("unit is not started")
	ErrBadRequest = errors.New("unit does not accept this message type")
)

// Handler executes one request and returns the single response for it.
type Handler interface {
	Handle(ctx context.Context, req protocol.Message) protocol.Message
}

// Preparer is implemented by handlers that need setup before the unit
// announces readiness. A unit whose preparation fails never becomes ready.
type Preparer interface {
	Prepare(ctx context.Context) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, req protocol.Message) protocol.Message

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, req protocol.Message) protocol.Message {
	return f(ctx, req)
}

// Spec describes the message types a unit speaks
type Spec struct {
	Name    string
	Ready   protocol.MessageType
	Request protocol.MessageType
	// Failure is the response type used when the handler panics.
	Failure protocol.MessageType
}

// ConfigSpec is the message vocabulary of the config unit
var ConfigSpec = Spec{
	Name:    "config",
	Ready:   protocol.ConfigReady,
	Request: protocol.ExecuteConfig,
	Failure: protocol.ConfigError,
}

// RenderSpec is the message vocabulary of the render unit
var RenderSpec = Spec{
	Name:    "render",
	Ready:   protocol.RenderReady,
	Request: protocol.ExecuteRender,
	Failure: protocol.RenderError,
}

// Unit is one isolation boundary
type Unit struct {
	spec    Spec
	handler Handler
	logger  *zap.Logger

	// requests cross the boundary encoded so the unit shares no memory with the poster
	inbox  chan []byte
	outbox chan<- protocol.Message

	busy    atomic.Bool
	started atomic.Bool
	stopped atomic.Bool
	done    chan struct{}
	once    sync.Once
}

// New creates a unit that will deliver its responses to outbox
func New(spec Spec, handler Handler, outbox chan<- protocol.Message, logger *zap.Logger) *Unit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Unit{
		spec:    spec,
		handler: handler,
		logger:  logger.With(zap.String("unit", spec.Name)),
		inbox:   make(chan []byte, 1),
		outbox:  outbox,
		done:    make(chan struct{}),
	}
}

// Name returns the unit name
func (u *Unit) Name() string {
	return u.spec.Name
}

// Start launches the unit's message loop. The ready announcement is the first
// message the unit emits.
func (u *Unit) Start(ctx context.Context) {
	u.once.Do(func() {
		u.started.Store(true)
		go u.loop(ctx)
	})
}

// Done is closed when the message loop exits
func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Post hands a request to the unit without blocking
func (u *Unit) Post(req protocol.Message) error {
	if !u.started.Load() {
		return ErrNotStarted
	}
	if u.stopped.Load() {
		return ErrStopped
	}
	if req.Type != u.spec.Request {
		return fmt.Errorf("%w: %s", ErrBadRequest, req.Type)
	}
	payload, err := protocol.Encode(req)
	if err != nil {
		return err
	}
	if !u.busy.CompareAndSwap(false, true) {
		return ErrBusy
	}
	u.inbox <- payload
	return nil
}

func (u *Unit) loop(ctx context.Context) {
	defer close(u.done)
	defer u.stopped.Store(true)

	if p, ok := u.handler.(Preparer); ok {
		if err := p.Prepare(ctx); err != nil {
			u.logger.Error("Unit preparation failed", zap.Error(err))
			return
		}
	}

	if !u.emit(ctx, protocol.Message{Type: u.spec.Ready}) {
		return
	}
	u.logger.Debug("Unit ready")

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-u.inbox:
			resp := u.receive(ctx, payload)
			u.busy.Store(false)
			if !u.emit(ctx, resp) {
				return
			}
		}
	}
}

func (u *Unit) receive(ctx context.Context, payload []byte) protocol.Message {
	req, err := protocol.Decode(payload)
	if err != nil {
		u.logger.Error("Dropping undecodable request", zap.Error(err))
		return protocol.FailureMessage(u.spec.Failure, 0, protocol.NewFailure(err.Error(), ""))
	}
	return u.execute(ctx, req)
}

func (u *Unit) execute(ctx context.Context, req protocol.Message) (resp protocol.Message) {
	defer func() {
		if r := recover(); r != nil {
			u.logger.Error("Handler panicked",
				zap.Uint64("run_id", req.RunID),
				zap.Any("panic", r),
			)
			resp = protocol.FailureMessage(u.spec.Failure, req.RunID,
				protocol.NewFailure(fmt.Sprintf("%s unit crashed: %v", u.spec.Name, r), string(debug.Stack())))
		}
	}()

	resp = u.handler.Handle(ctx, req)
	resp.RunID = req.RunID
	return resp
}

func (u *Unit) emit(ctx context.Context, msg protocol.Message) bool {
	select {
	case u.outbox <- msg.Clone():
		return true
	case <-ctx.Done():
		return false
	}
}
