package configstage

import (
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

// console captures console calls made by a single execution
type console struct {
	vm      *goja.Runtime
	logger  *zap.Logger
	limit   int
	entries []protocol.LogEntry
	dropped int
}

func newConsole(vm *goja.Runtime, logger *zap.Logger, limit int) *console {
	return &console{vm: vm, logger: logger, limit: limit}
}

// object builds the JS console object
func (c *console) object() *goja.Object {
	obj := c.vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		_ = obj.Set(level, c.method(level))
	}
	return obj
}

func (c *console) method(level string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		parts := make([]string, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			parts = append(parts, c.format(arg))
		}
		msg := strings.Join(parts, " ")

		if len(c.entries) >= c.limit {
			c.dropped++
			return goja.Undefined()
		}
		c.entries = append(c.entries, protocol.LogEntry{
			Level:   level,
			Message: msg,
			Time:    time.Now(),
		})
		c.logger.Debug("Sandbox console", zap.String("level", level), zap.String("message", msg))
		return goja.Undefined()
	}
}

// format renders objects as JSON where possible
func (c *console) format(v goja.Value) string {
	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return v.String()
	}
	data, err := obj.MarshalJSON()
	if err != nil {
		return v.String()
	}
	return string(data)
}

func (c *console) drain() []protocol.LogEntry {
	if c.dropped > 0 {
		c.logger.Warn("Sandbox console output truncated", zap.Int("dropped", c.dropped))
	}
	return c.entries
}
