// Package configstage runs user configuration code inside the config unit.
//
// Each execution gets a fresh hardened goja runtime. The configuration text is
// normalized, wrapped in a function whose parameters are the capability names,
// and invoked with the capability values. The data text is reachable only via
// getData(). The declared result variable is serialized with the runtime's own
// JSON.stringify before it leaves the unit.
package configstage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/capability"
	"github.com/korvin89/charts-playground/internal/sandbox/normalize"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

// prologueLines is the number of wrapper lines before user code
const prologueLines = 2

type interruptReason int

const (
	reasonTimeout interruptReason = iota
	reasonCancelled
)

// Executor evaluates configuration code. It is the config unit's handler.
type Executor struct {
	config   Config
	runtimes *RuntimePool
	logger   *zap.Logger
}

// NewExecutor creates an executor. A nil pool means every execution creates
// its own runtime.
func NewExecutor(config Config, runtimes *RuntimePool, logger *zap.Logger) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{
		config:   config.withDefaults(),
		runtimes: runtimes,
		logger:   logger,
	}
}

// Prepare checks that runtimes can be handed out before the unit reports ready
func (e *Executor) Prepare(ctx context.Context) error {
	vm, err := e.acquire(ctx)
	if err != nil {
		return fmt.Errorf("config runtime unavailable: %w", err)
	}
	e.release(vm)
	return nil
}

// Handle answers an EXECUTE_CONFIG request with CONFIG_SUCCESS or CONFIG_ERROR
func (e *Executor) Handle(ctx context.Context, req protocol.Message) protocol.Message {
	result, err := e.Execute(ctx, req.Data, req.Config)
	if err != nil {
		var execErr *ExecError
		if !errors.As(err, &execErr) {
			execErr = &ExecError{Kind: ErrScript, Detail: protocol.NewFailure(err.Error(), "")}
		}
		e.logger.Debug("Config execution failed",
			zap.Uint64("run_id", req.RunID),
			zap.String("error", execErr.Detail.Message),
		)
		msg := protocol.FailureMessage(protocol.ConfigError, req.RunID, execErr.Detail)
		if result != nil {
			msg.Logs = result.Console
		}
		return msg
	}

	e.logger.Debug("Config executed",
		zap.Uint64("run_id", req.RunID),
		zap.Duration("duration", result.Duration),
	)
	return protocol.Message{
		Type:  protocol.ConfigSuccess,
		RunID: req.RunID,
		Value: result.Value,
		Logs:  result.Console,
	}
}

// Execute runs config against data. On failure the returned Result, when not
// nil, still carries the console output produced before the failure.
func (e *Executor) Execute(ctx context.Context, data, config string) (*Result, error) {
	start := time.Now()

	var probe interface{}
	if err := sonic.UnmarshalString(data, &probe); err != nil {
		return nil, &ExecError{
			Kind:   ErrInvalidData,
			Detail: protocol.FailureDetail{Message: fmt.Sprintf("Invalid JSON in data: %s", firstLine(err.Error()))},
		}
	}

	vm, err := e.acquire(ctx)
	if err != nil {
		return nil, &ExecError{Kind: ErrCancelled, Detail: protocol.FailureDetail{Message: fmt.Sprintf("Config runtime unavailable: %v", err)}}
	}
	defer e.release(vm)

	cons := newConsole(vm, e.logger, e.config.MaxConsole)
	result := &Result{}

	value, err := e.run(ctx, vm, cons, data, config)
	result.Console = cons.drain()
	result.Duration = time.Since(start)
	if err != nil {
		return result, err
	}
	result.Value = value
	return result, nil
}

func (e *Executor) run(ctx context.Context, vm *goja.Runtime, cons *console, data, config string) ([]byte, error) {
	defer vm.ClearInterrupt()
	timer := time.AfterFunc(e.config.Timeout, func() {
		vm.Interrupt(reasonTimeout)
	})
	defer timer.Stop()
	stop := context.AfterFunc(ctx, func() {
		vm.Interrupt(reasonCancelled)
	})
	defer stop()

	jsonObj := vm.Get("JSON").ToObject(vm)
	parse, _ := goja.AssertFunction(jsonObj.Get("parse"))
	stringify, _ := goja.AssertFunction(jsonObj.Get("stringify"))

	dataText := vm.ToValue(data)
	if _, err := parse(jsonObj, dataText); err != nil {
		return nil, e.convert(err, ErrInvalidData, "Invalid JSON in data: ")
	}
	// every call hands out its own copy so one caller cannot mutate another's view
	getData := vm.ToValue(func(goja.FunctionCall) goja.Value {
		v, err := parse(jsonObj, dataText)
		if err != nil {
			panic(vm.NewGoError(err))
		}
		return v
	})

	prg, err := e.compile(normalize.Strip(config))
	if err != nil {
		return nil, err
	}
	fnValue, err := vm.RunProgram(prg)
	if err != nil {
		return nil, e.convert(err, ErrScript, "")
	}
	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return nil, &ExecError{Kind: ErrScript, Detail: protocol.FailureDetail{Message: "config wrapper did not produce a function"}}
	}

	values := capability.Bind(vm, map[string]goja.Value{
		"getData": getData,
		"console": cons.object(),
	})
	out, err := fn(goja.Undefined(), values...)
	if err != nil {
		return nil, e.convert(err, ErrScript, "")
	}
	if out == nil || goja.IsUndefined(out) {
		return nil, &ExecError{
			Kind: ErrMissingResult,
			Detail: protocol.FailureDetail{
				Message: fmt.Sprintf("Config must declare a %q variable with the chart configuration", e.config.ResultVariable),
			},
		}
	}

	serialized, err := stringify(jsonObj, out)
	if err != nil {
		return nil, e.convert(err, ErrNotSerializable, e.config.ResultVariable+" could not be serialized: ")
	}
	if serialized == nil || goja.IsUndefined(serialized) {
		return nil, &ExecError{
			Kind:   ErrNotSerializable,
			Detail: protocol.FailureDetail{Message: fmt.Sprintf("%s must be a JSON-serializable value", e.config.ResultVariable)},
		}
	}
	return []byte(serialized.String()), nil
}

// wrap builds the function expression that user code runs in
func (e *Executor) wrap(code string) string {
	v := e.config.ResultVariable

	var b strings.Builder
	b.WriteString("(function(")
	b.WriteString(strings.Join(capability.Names(), ", "))
	b.WriteString(") {\n\"use strict\";\n")
	b.WriteString(code)
	b.WriteString("\nreturn typeof ")
	b.WriteString(v)
	b.WriteString(" === 'undefined' ? undefined : ")
	b.WriteString(v)
	b.WriteString(";\n})")
	return b.String()
}

// compile parses the wrapped config and checks that the user text stayed inside
// the wrapper function body.
func (e *Executor) compile(code string) (*goja.Program, error) {
	parsed, err := goja.Parse(e.config.SourceName, e.wrap(code))
	if err != nil {
		return nil, e.convert(err, ErrScript, "")
	}
	if !singleFunction(parsed) {
		return nil, &ExecError{
			Kind:   ErrScript,
			Detail: protocol.FailureDetail{Message: "Config code must not close the enclosing function"},
		}
	}
	prg, err := goja.CompileAST(parsed, false)
	if err != nil {
		return nil, e.convert(err, ErrScript, "")
	}
	return prg, nil
}

// singleFunction reports whether prg is exactly one function expression
// statement taking the capability parameters.
func singleFunction(prg *ast.Program) bool {
	if len(prg.Body) != 1 {
		return false
	}
	stmt, ok := prg.Body[0].(*ast.ExpressionStatement)
	if !ok {
		return false
	}
	fn, ok := stmt.Expression.(*ast.FunctionLiteral)
	if !ok || fn.ParameterList == nil {
		return false
	}
	return len(fn.ParameterList.List) == len(capability.Names()) && fn.ParameterList.Rest == nil
}

// convert turns a goja error into an ExecError with user-relative locations
func (e *Executor) convert(err error, kind error, prefix string) error {
	var (
		interrupted *goja.InterruptedError
		exception   *goja.Exception
		syntax      *goja.CompilerSyntaxError
		detail      protocol.FailureDetail
	)

	switch {
	case errors.As(err, &interrupted):
		if reason, ok := interrupted.Value().(interruptReason); ok && reason == reasonCancelled {
			return &ExecError{Kind: ErrCancelled, Detail: protocol.FailureDetail{Message: "Config execution cancelled"}}
		}
		return &ExecError{
			Kind:   ErrTimeout,
			Detail: protocol.FailureDetail{Message: fmt.Sprintf("Config execution timed out after %s", e.config.Timeout)},
		}
	case errors.As(err, &exception):
		detail = protocol.NewFailure(prefix+exceptionMessage(exception), exception.String())
	case errors.As(err, &syntax):
		detail = protocol.NewFailure(prefix+syntax.Message, "")
	default:
		detail = protocol.NewFailure(prefix+err.Error(), err.Error())
	}

	detail.ShiftLines(prologueLines)
	return &ExecError{Kind: kind, Detail: detail}
}

func (e *Executor) acquire(ctx context.Context) (*goja.Runtime, error) {
	if e.runtimes == nil {
		return newRuntime(e.config), nil
	}
	return e.runtimes.Acquire(ctx)
}

func (e *Executor) release(vm *goja.Runtime) {
	if e.runtimes != nil {
		e.runtimes.Release(vm)
	}
}

// exceptionMessage returns the thrown error's message property, or the thrown
// value itself for non-error throws.
func exceptionMessage(ex *goja.Exception) string {
	val := ex.Value()
	if obj, ok := val.(*goja.Object); ok {
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return msg.String()
		}
	}
	if val == nil {
		return ex.Error()
	}
	return val.String()
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}
