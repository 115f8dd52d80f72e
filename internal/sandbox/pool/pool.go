// Package pool keeps a set of started pipelines for hosts that want a
// synchronous request/response call instead of the orchestrator's callbacks.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/configstage"
	"github.com/korvin89/charts-playground/internal/sandbox/orchestrator"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/renderstage"
)

var (
	ErrPoolClosed = errors.New("pipeline pool is closed")
)

// Config configures the pool
type Config struct {
	Size            int
	Exec            configstage.Config
	ReadyTimeout    time.Duration
	ResponseTimeout time.Duration
}

// Result is the outcome of one synchronous run
type Result struct {
	Outcome protocol.Outcome
	Frame   *renderstage.Frame // Presented frame; nil unless the run succeeded
}

type pipeline struct {
	orch     *orchestrator.Orchestrator
	capture  *renderstage.Capture
	outcomes chan protocol.Outcome
}

// Pool manages started pipelines
type Pool struct {
	pipelines chan *pipeline
	all       []*pipeline
	runtimes  *configstage.RuntimePool
	size      int
	logger    *zap.Logger
	mu        sync.RWMutex
	closed    bool
}

// New starts size pipelines sharing one runtime pool
func New(ctx context.Context, config Config, logger *zap.Logger, recorder orchestrator.Recorder) (*Pool, error) {
	if config.Size <= 0 {
		config.Size = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Pool{
		pipelines: make(chan *pipeline, config.Size),
		runtimes:  configstage.NewRuntimePool(config.Exec, config.Size),
		size:      config.Size,
		logger:    logger,
	}

	for i := 0; i < config.Size; i++ {
		pl, err := p.newPipeline(config, recorder)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("failed to create pipeline: %w", err)
		}
		pl.orch.Start(ctx)
		p.all = append(p.all, pl)
		p.pipelines <- pl
	}

	logger.Info("Pipeline pool started", zap.Int("size", config.Size))
	return p, nil
}

func (p *Pool) newPipeline(config Config, recorder orchestrator.Recorder) (*pipeline, error) {
	capture := renderstage.NewCapture()
	renderer, err := renderstage.NewRenderer(capture, p.logger)
	if err != nil {
		return nil, err
	}

	pl := &pipeline{
		capture:  capture,
		outcomes: make(chan protocol.Outcome, 4),
	}
	orch, err := orchestrator.New(orchestrator.Options{
		Config:          configstage.NewExecutor(config.Exec, p.runtimes, p.logger),
		Render:          renderer,
		OnOutcome:       pl.deliver,
		ReadyTimeout:    config.ReadyTimeout,
		ResponseTimeout: config.ResponseTimeout,
		Recorder:        recorder,
		Logger:          p.logger,
	})
	if err != nil {
		return nil, err
	}
	pl.orch = orch
	return pl, nil
}

// deliver runs on the orchestrator goroutine and never blocks it
func (pl *pipeline) deliver(o protocol.Outcome) {
	select {
	case pl.outcomes <- o:
	default:
	}
}

// Run executes one run and waits for its outcome
func (p *Pool) Run(ctx context.Context, data, config string, theme protocol.Theme) (*Result, error) {
	pl, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer p.release(pl)

	// outcomes of abandoned runs
	for len(pl.outcomes) > 0 {
		<-pl.outcomes
	}

	id, err := pl.orch.Run(data, config, theme)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case out := <-pl.outcomes:
			if out.RunID != id {
				continue
			}
			result := &Result{Outcome: out}
			if out.OK {
				if frame := pl.capture.Current(); frame != nil && frame.RunID == id {
					result.Frame = frame
				}
			}
			return result, nil
		}
	}
}

func (p *Pool) acquire(ctx context.Context) (*pipeline, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrPoolClosed
	}

	select {
	case pl, ok := <-p.pipelines:
		if !ok {
			return nil, ErrPoolClosed
		}
		return pl, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) release(pl *pipeline) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	p.pipelines <- pl
}

// Close stops every pipeline
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.pipelines)
	p.mu.Unlock()

	for _, pl := range p.all {
		pl.orch.Stop()
	}
	p.logger.Info("Pipeline pool closed")
	return p.runtimes.Close()
}

// Stats returns pool statistics
func (p *Pool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := map[string]interface{}{
		"size":      p.size,
		"available": len(p.pipelines),
		"in_use":    p.size - len(p.pipelines),
		"closed":    p.closed,
	}
	for k, v := range p.runtimes.Stats() {
		stats["runtimes_"+k] = v
	}
	return stats
}
