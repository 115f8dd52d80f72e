package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/pool"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

var (
	ErrUnavailable = errors.New("sandbox temporarily unavailable")

	errBoundary = errors.New("boundary failure")
)

// Runner executes one run synchronously
type Runner interface {
	Run(ctx context.Context, data, config string, theme protocol.Theme) (*pool.Result, error)
	Stats() map[string]interface{}
}

// Settings configures the breaker
type Settings struct {
	// Threshold is the number of consecutive boundary failures that opens the breaker
	Threshold uint32
	// Cooldown is how long the breaker stays open before admitting probes
	Cooldown time.Duration
	// Probes is the number of runs admitted while half-open
	Probes uint32
}

// DefaultSettings returns the settings used by the server
func DefaultSettings() Settings {
	return Settings{
		Threshold: 5,
		Cooldown:  30 * time.Second,
		Probes:    1,
	}
}

// GuardedRunner wraps a Runner with a circuit breaker
type GuardedRunner struct {
	runner  Runner
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewGuardedRunner creates a guarded runner
func NewGuardedRunner(runner Runner, settings Settings, logger *zap.Logger) *GuardedRunner {
	defaults := DefaultSettings()
	if settings.Threshold == 0 {
		settings.Threshold = defaults.Threshold
	}
	if settings.Cooldown <= 0 {
		settings.Cooldown = defaults.Cooldown
	}
	if settings.Probes == 0 {
		settings.Probes = defaults.Probes
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &GuardedRunner{runner: runner, logger: logger}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sandbox",
		MaxRequests: settings.Probes,
		Timeout:     settings.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.Threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return g
}

// Run executes a run unless the breaker is open. A boundary failure is
// returned as a normal result; it only feeds the breaker.
func (g *GuardedRunner) Run(ctx context.Context, data, config string, theme protocol.Theme) (*pool.Result, error) {
	out, err := g.breaker.Execute(func() (interface{}, error) {
		result, err := g.runner.Run(ctx, data, config, theme)
		if err != nil {
			return nil, err
		}
		if !result.Outcome.OK && result.Outcome.Source == protocol.SourceBoundary {
			return result, errBoundary
		}
		return result, nil
	})

	switch {
	case errors.Is(err, errBoundary):
		return out.(*pool.Result), nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	case err != nil:
		return nil, err
	}
	return out.(*pool.Result), nil
}

// State returns the breaker state name
func (g *GuardedRunner) State() string {
	return g.breaker.State().String()
}

// Stats returns the runner's statistics plus the breaker state
func (g *GuardedRunner) Stats() map[string]interface{} {
	stats := g.runner.Stats()
	stats["breaker"] = g.State()
	stats["breaker_failures"] = g.breaker.Counts().ConsecutiveFailures
	return stats
}
