package configstage

import (
	"errors"
	"regexp"
	"time"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

var (
	ErrInvalidData     = errors.New("invalid JSON in data")
	ErrMissingResult   = errors.New("missing result variable")
	ErrNotSerializable = errors.New("result is not serializable")
	ErrTimeout         = errors.New("execution timed out")
	ErrCancelled       = errors.New("execution cancelled")
	ErrScript          = errors.New("script error")
)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*$`)

// Config defines config unit execution limits
type Config struct {
	Timeout          time.Duration // Wall-clock limit per execution
	MaxCallStackSize int           // JS call stack depth limit
	ResultVariable   string        // Variable the config must declare
	SourceName       string        // File name shown in stack traces
	MaxConsole       int           // Console entries kept per execution
}

// DefaultConfig returns the limits used when nothing is configured
func DefaultConfig() Config {
	return Config{
		Timeout:          2 * time.Second,
		MaxCallStackSize: 1024,
		ResultVariable:   "chartConfig",
		SourceName:       "config.ts",
		MaxConsole:       200,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}
	if c.MaxCallStackSize <= 0 {
		c.MaxCallStackSize = def.MaxCallStackSize
	}
	if !identifierPattern.MatchString(c.ResultVariable) {
		c.ResultVariable = def.ResultVariable
	}
	if c.SourceName == "" {
		c.SourceName = def.SourceName
	}
	if c.MaxConsole <= 0 {
		c.MaxConsole = def.MaxConsole
	}
	return c
}

// ExecError is a failed execution. Kind is one of the package sentinels and
// is matched with errors.Is.
type ExecError struct {
	Kind   error
	Detail protocol.FailureDetail
}

func (e *ExecError) Error() string {
	return e.Detail.Message
}

func (e *ExecError) Unwrap() error {
	return e.Kind
}

// Result holds a successful execution
type Result struct {
	Value    []byte              // JSON text of the result variable
	Console  []protocol.LogEntry // Console output
	Duration time.Duration
}
