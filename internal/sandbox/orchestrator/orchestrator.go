// Package orchestrator sequences the two-stage sandbox pipeline.
//
// The orchestrator owns both isolation units and is the only owner of the
// pipeline state: readiness flags, the current run id and what each unit is
// executing. All of it is touched from a single goroutine that serializes
// host commands, unit messages and timer expiries. Units are reached only by
// posting messages; responses are matched against the current run id and
// anything older is discarded.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/unit"
)

type commandKind int

const (
	cmdRun commandKind = iota
	cmdTheme
)

type command struct {
	kind   commandKind
	runID  uint64
	data   string
	config string
	theme  protocol.Theme
	// reply receives the id assigned to a cmdRun
	reply chan<- uint64
}

// expiry is a fired timer. An empty unit name is the readiness deadline.
type expiry struct {
	unit  string
	runID uint64
}

type run struct {
	id      uint64
	data    string
	config  string
	theme   protocol.Theme
	stage   Stage
	started time.Time
	value   []byte
	logs    []protocol.LogEntry
}

// endpoint is the orchestrator's view of one unit
type endpoint struct {
	name     string
	unit     *unit.Unit
	stage    Stage
	ready    atomic.Bool
	inFlight uint64
	pending  *protocol.Message
	timer    *time.Timer
}

// Orchestrator coordinates the config and render units
type Orchestrator struct {
	opts   Options
	logger *zap.Logger

	inbound  chan protocol.Message
	commands chan command
	expiries chan expiry

	config *endpoint
	render *endpoint

	started   atomic.Bool
	startOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}

	// owned by the loop goroutine
	current      *run
	nextID       uint64
	lastInput    *command
	theme        protocol.Theme
	succeeded    bool
	readyExpired bool
}

// New creates an orchestrator and its two units
func New(opts Options) (*Orchestrator, error) {
	if opts.Config == nil || opts.Render == nil {
		return nil, errors.New("config and render handlers are required")
	}
	opts = opts.withDefaults()

	o := &Orchestrator{
		opts:     opts,
		logger:   opts.Logger,
		inbound:  make(chan protocol.Message, 4),
		commands: make(chan command),
		expiries: make(chan expiry),
		done:     make(chan struct{}),
		theme:    protocol.ThemeLight,
	}
	o.config = &endpoint{
		name:  unit.ConfigSpec.Name,
		unit:  unit.New(unit.ConfigSpec, opts.Config, o.inbound, opts.Logger),
		stage: StageAwaitingConfig,
	}
	o.render = &endpoint{
		name:  unit.RenderSpec.Name,
		unit:  unit.New(unit.RenderSpec, opts.Render, o.inbound, opts.Logger),
		stage: StageAwaitingRender,
	}
	return o, nil
}

// Start launches the orchestrator loop and both units
func (o *Orchestrator) Start(ctx context.Context) {
	o.startOnce.Do(func() {
		ctx, o.cancel = context.WithCancel(ctx)
		o.started.Store(true)

		go o.loop(ctx)
		o.config.unit.Start(ctx)
		o.render.unit.Start(ctx)

		time.AfterFunc(o.opts.ReadyTimeout, func() {
			o.expire(expiry{})
		})
		o.logger.Debug("Orchestrator started")
	})
}

// Stop shuts the loop and the units down and waits for the loop to exit
func (o *Orchestrator) Stop() {
	o.startOnce.Do(func() {
		close(o.done)
	})
	if o.cancel != nil {
		o.cancel()
	}
	<-o.done
}

// Done is closed once the orchestrator has stopped
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Ready reports whether both units have announced readiness
func (o *Orchestrator) Ready() bool {
	return o.config.ready.Load() && o.render.ready.Load()
}

// Run starts a new run and returns its id. A run issued while another is in
// flight supersedes it; the superseded run produces no outcome.
func (o *Orchestrator) Run(data, config string, theme protocol.Theme) (uint64, error) {
	if !o.started.Load() {
		return 0, ErrNotStarted
	}
	if theme == "" {
		theme = protocol.ThemeLight
	}

	reply := make(chan uint64, 1)
	select {
	case o.commands <- command{kind: cmdRun, data: data, config: config, theme: theme, reply: reply}:
		return <-reply, nil
	case <-o.done:
		return 0, ErrStopped
	}
}

// SetTheme changes the display theme. After at least one successful run the
// most recent input is run again with the new theme.
func (o *Orchestrator) SetTheme(theme protocol.Theme) error {
	if !o.started.Load() {
		return ErrNotStarted
	}
	select {
	case o.commands <- command{kind: cmdTheme, theme: theme}:
		return nil
	case <-o.done:
		return ErrStopped
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)

	for {
		select {
		case <-ctx.Done():
			o.stopTimers()
			o.logger.Debug("Orchestrator stopped")
			return
		case cmd := <-o.commands:
			o.handleCommand(cmd)
		case msg := <-o.inbound:
			o.handleMessage(msg)
		case exp := <-o.expiries:
			o.handleExpiry(exp)
		}
	}
}

func (o *Orchestrator) handleCommand(cmd command) {
	switch cmd.kind {
	case cmdRun:
		// ids are assigned here so they follow the order the loop sees commands in
		o.nextID++
		cmd.runID = o.nextID
		cmd.reply <- cmd.runID
		cmd.reply = nil
		o.lastInput = &cmd
		o.theme = cmd.theme
		o.begin(cmd)

	case cmdTheme:
		if cmd.theme == o.theme {
			return
		}
		o.theme = cmd.theme
		if !o.succeeded || o.lastInput == nil {
			return
		}
		rerun := *o.lastInput
		o.nextID++
		rerun.runID = o.nextID
		rerun.theme = cmd.theme
		o.lastInput = &rerun
		o.logger.Debug("Theme changed, re-running", zap.Uint64("run_id", rerun.runID), zap.String("theme", string(cmd.theme)))
		o.begin(rerun)
	}
}

func (o *Orchestrator) begin(cmd command) {
	if o.current != nil {
		o.logger.Debug("Run superseded",
			zap.Uint64("run_id", o.current.id),
			zap.Uint64("by", cmd.runID),
		)
	}
	o.current = &run{
		id:      cmd.runID,
		data:    cmd.data,
		config:  cmd.config,
		theme:   cmd.theme,
		stage:   StageAwaitingReady,
		started: time.Now(),
	}
	// a queued render belongs to a run that no longer matters
	o.render.pending = nil

	if !o.Ready() {
		if o.readyExpired {
			o.fail(protocol.SourceBoundary, protocol.FailureDetail{
				Message: fmt.Sprintf("Sandbox did not become ready within %s", o.opts.ReadyTimeout),
			})
		}
		return
	}
	o.dispatchConfig()
}

func (o *Orchestrator) dispatchConfig() {
	o.current.stage = StageAwaitingConfig
	o.send(o.config, protocol.Message{
		Type:   protocol.ExecuteConfig,
		RunID:  o.current.id,
		Data:   o.current.data,
		Config: o.current.config,
	})
}

// send issues a request for the current run. A unit that is still executing
// an older request gets it once that request's response arrives.
func (o *Orchestrator) send(ep *endpoint, msg protocol.Message) {
	o.arm(ep, msg.RunID)
	if ep.inFlight != 0 {
		ep.pending = &msg
		return
	}
	o.post(ep, msg)
}

func (o *Orchestrator) post(ep *endpoint, msg protocol.Message) {
	err := ep.unit.Post(msg)
	switch {
	case err == nil:
		ep.inFlight = msg.RunID
		o.trace(Sent, ep.name, msg)
	case errors.Is(err, unit.ErrBusy):
		ep.pending = &msg
	default:
		o.logger.Error("Unit rejected request",
			zap.String("unit", ep.name),
			zap.Uint64("run_id", msg.RunID),
			zap.Error(err),
		)
		if o.isCurrent(msg.RunID, ep.stage) {
			o.fail(protocol.SourceBoundary, protocol.FailureDetail{
				Message: fmt.Sprintf("%s unit unavailable: %v", ep.name, err),
			})
		}
	}
}

func (o *Orchestrator) handleMessage(msg protocol.Message) {
	ep := o.endpointFor(msg.Type)
	if ep == nil {
		o.logger.Warn("Unexpected message from unit", zap.String("type", string(msg.Type)))
		return
	}

	if msg.Type.IsReady() {
		if ep.ready.Swap(true) {
			return
		}
		o.trace(Received, ep.name, msg)
		o.logger.Debug("Unit ready", zap.String("unit", ep.name))
		if o.Ready() && o.current != nil && o.current.stage == StageAwaitingReady {
			o.dispatchConfig()
		}
		return
	}

	stale := !o.isCurrent(msg.RunID, ep.stage)
	if stale {
		o.trace(Discarded, ep.name, msg)
		if o.opts.Recorder != nil {
			o.opts.Recorder.RecordDiscarded(ep.name)
		}
	} else {
		o.trace(Received, ep.name, msg)
		o.disarm(ep)
	}

	ep.inFlight = 0
	if ep.pending != nil {
		next := *ep.pending
		ep.pending = nil
		o.post(ep, next)
	}
	if stale {
		return
	}

	switch msg.Type {
	case protocol.ConfigSuccess:
		o.current.value = msg.Value
		o.current.logs = msg.Logs
		o.current.stage = StageAwaitingRender
		o.send(o.render, protocol.Message{
			Type:  protocol.ExecuteRender,
			RunID: o.current.id,
			Value: msg.Value,
			Theme: o.current.theme,
		})
	case protocol.ConfigError:
		o.current.logs = msg.Logs
		o.fail(protocol.SourceConfig, detailOf(msg))
	case protocol.RenderSuccess:
		o.succeed()
	case protocol.RenderError:
		o.fail(protocol.SourceRender, detailOf(msg))
	}
}

func (o *Orchestrator) handleExpiry(exp expiry) {
	if exp.unit == "" {
		o.readyExpired = true
		if o.Ready() {
			return
		}
		o.logger.Warn("Sandbox units not ready",
			zap.Bool("config_ready", o.config.ready.Load()),
			zap.Bool("render_ready", o.render.ready.Load()),
		)
		if o.current != nil && o.current.stage == StageAwaitingReady {
			o.fail(protocol.SourceBoundary, protocol.FailureDetail{
				Message: fmt.Sprintf("Sandbox did not become ready within %s", o.opts.ReadyTimeout),
			})
		}
		return
	}

	ep := o.config
	if exp.unit == o.render.name {
		ep = o.render
	}
	if !o.isCurrent(exp.runID, ep.stage) {
		return
	}
	o.logger.Warn("Unit response timed out",
		zap.String("unit", ep.name),
		zap.Uint64("run_id", exp.runID),
	)
	o.fail(protocol.SourceBoundary, protocol.FailureDetail{
		Message: fmt.Sprintf("%s unit did not respond within %s", ep.name, o.opts.ResponseTimeout),
	})
}

func (o *Orchestrator) succeed() {
	o.succeeded = true
	o.finish(protocol.Outcome{
		RunID: o.current.id,
		OK:    true,
		Value: o.current.value,
	})
}

func (o *Orchestrator) fail(source protocol.Source, detail protocol.FailureDetail) {
	o.finish(protocol.Outcome{
		RunID:  o.current.id,
		Source: source,
		Detail: &detail,
	})
}

func (o *Orchestrator) finish(outcome protocol.Outcome) {
	r := o.current
	o.current = nil

	outcome.Theme = r.theme
	outcome.Logs = r.logs
	outcome.Duration = time.Since(r.started)

	if outcome.OK {
		o.logger.Debug("Run succeeded", zap.Uint64("run_id", r.id), zap.Duration("duration", outcome.Duration))
	} else {
		o.logger.Debug("Run failed",
			zap.Uint64("run_id", r.id),
			zap.String("source", string(outcome.Source)),
			zap.String("error", outcome.Detail.Message),
		)
	}
	if o.opts.Recorder != nil {
		o.opts.Recorder.RecordOutcome(outcome)
	}
	o.opts.OnOutcome(outcome)
}

func (o *Orchestrator) isCurrent(runID uint64, stage Stage) bool {
	return o.current != nil && o.current.id == runID && o.current.stage == stage
}

// arm starts the response deadline of the request for runID on ep
func (o *Orchestrator) arm(ep *endpoint, runID uint64) {
	o.disarm(ep)
	name := ep.name
	ep.timer = time.AfterFunc(o.opts.ResponseTimeout, func() {
		o.expire(expiry{unit: name, runID: runID})
	})
}

func (o *Orchestrator) disarm(ep *endpoint) {
	if ep.timer != nil {
		ep.timer.Stop()
		ep.timer = nil
	}
}

func (o *Orchestrator) stopTimers() {
	o.disarm(o.config)
	o.disarm(o.render)
}

func (o *Orchestrator) expire(exp expiry) {
	select {
	case o.expiries <- exp:
	case <-o.done:
	}
}

func (o *Orchestrator) endpointFor(t protocol.MessageType) *endpoint {
	switch t {
	case protocol.ConfigReady, protocol.ConfigSuccess, protocol.ConfigError:
		return o.config
	case protocol.RenderReady, protocol.RenderSuccess, protocol.RenderError:
		return o.render
	}
	return nil
}

func (o *Orchestrator) trace(dir Direction, unitName string, msg protocol.Message) {
	if o.opts.Observer != nil {
		o.opts.Observer(Event{Direction: dir, Unit: unitName, Message: msg.Clone()})
	}
}

func detailOf(msg protocol.Message) protocol.FailureDetail {
	if msg.Error == nil {
		return protocol.FailureDetail{Message: fmt.Sprintf("%s without error detail", msg.Type)}
	}
	return *msg.Error
}
