package configstage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/korvin89/charts-playground/internal/sandbox/capability"
)

var (
	ErrPoolClosed     = errors.New("runtime pool is closed")
	ErrAcquireTimeout = errors.New("runtime acquisition timeout")
)

// RuntimePool keeps hardened goja runtimes warm. A runtime is used for exactly
// one execution; Release discards it and refills the pool with a fresh one so
// nothing a script did to its intrinsics survives into the next run.
type RuntimePool struct {
	config   Config
	runtimes chan *goja.Runtime
	size     int
	mu       sync.RWMutex
	closed   bool
}

// NewRuntimePool creates a pool of size runtimes
func NewRuntimePool(config Config, size int) *RuntimePool {
	if size <= 0 {
		size = 4
	}
	config = config.withDefaults()

	pool := &RuntimePool{
		config:   config,
		runtimes: make(chan *goja.Runtime, size),
		size:     size,
	}
	for i := 0; i < size; i++ {
		pool.runtimes <- newRuntime(config)
	}
	return pool
}

// newRuntime creates a runtime with bounded stack and a scrubbed global object
func newRuntime(config Config) *goja.Runtime {
	vm := goja.New()
	vm.SetMaxCallStackSize(config.MaxCallStackSize)
	capability.Harden(vm)
	return vm
}

// Acquire takes a runtime from the pool
func (p *RuntimePool) Acquire(ctx context.Context) (*goja.Runtime, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	select {
	case vm := <-p.runtimes:
		return vm, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
		return nil, ErrAcquireTimeout
	}
}

// Release drops a used runtime and puts a fresh one in its place
func (p *RuntimePool) Release(vm *goja.Runtime) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed || vm == nil {
		return
	}

	select {
	case p.runtimes <- newRuntime(p.config):
	default:
	}
}

// Close empties the pool
func (p *RuntimePool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	close(p.runtimes)
	for range p.runtimes {
	}
	return nil
}

// Stats returns pool statistics
func (p *RuntimePool) Stats() map[string]interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return map[string]interface{}{
		"size":      p.size,
		"available": len(p.runtimes),
		"in_use":    p.size - len(p.runtimes),
		"closed":    p.closed,
	}
}
