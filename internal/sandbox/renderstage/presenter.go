package renderstage

import (
	"context"
	"sync"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

// Presenter is the render unit's only visible side effect
type Presenter interface {
	// Clear resets the presentation to a blank frame
	Clear(ctx context.Context, theme protocol.Theme) error
	// Present shows a rendered frame
	Present(ctx context.Context, frame *Frame) error
}

// PresenterFunc adapts a single function receiving every frame, blank ones
// included.
type PresenterFunc func(ctx context.Context, frame *Frame) error

// Clear sends a blank frame
func (f PresenterFunc) Clear(ctx context.Context, theme protocol.Theme) error {
	return f(ctx, BlankFrame(theme))
}

// Present sends frame
func (f PresenterFunc) Present(ctx context.Context, frame *Frame) error {
	return f(ctx, frame)
}

// Capture keeps the currently presented frame in memory
type Capture struct {
	mu      sync.RWMutex
	current *Frame
	clears  int
}

// NewCapture creates a presenter showing a blank light frame
func NewCapture() *Capture {
	return &Capture{current: BlankFrame(protocol.ThemeLight)}
}

// Clear implements Presenter
func (c *Capture) Clear(_ context.Context, theme protocol.Theme) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = BlankFrame(theme)
	c.clears++
	return nil
}

// Present implements Presenter
func (c *Capture) Present(_ context.Context, frame *Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = frame
	return nil
}

// Current returns the presented frame
func (c *Capture) Current() *Frame {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// Clears returns how many times the presentation was reset
func (c *Capture) Clears() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clears
}
