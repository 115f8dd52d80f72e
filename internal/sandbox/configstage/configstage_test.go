package configstage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/capability"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

func newTestExecutor(t *testing.T, mutate func(*Config)) *Executor {
	t.Helper()
	config := DefaultConfig()
	if mutate != nil {
		mutate(&config)
	}
	return NewExecutor(config, nil, zap.NewNop())
}

func decode(t *testing.T, raw []byte) interface{} {
	t.Helper()
	var v interface{}
	require.NoError(t, sonic.Unmarshal(raw, &v))
	return v
}

func TestExecuteRoundTrip(t *testing.T) {
	exec := newTestExecutor(t, nil)

	result, err := exec.Execute(context.Background(),
		`[{"x":1,"y":10},{"x":2,"y":20}]`,
		`const data = getData(); const chartConfig = { points: data.map(p => p.y) };`)
	require.NoError(t, err)

	value := decode(t, result.Value).(map[string]interface{})
	assert.Equal(t, []interface{}{float64(10), float64(20)}, value["points"])
}

func TestExecuteMissingResult(t *testing.T) {
	exec := newTestExecutor(t, nil)

	_, err := exec.Execute(context.Background(), `{}`, `const x = 1;`)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMissingResult))

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Detail.Message, `"chartConfig"`)
	assert.Nil(t, execErr.Detail.Line)
	assert.Nil(t, execErr.Detail.Column)
}

func TestExecuteCustomResultVariable(t *testing.T) {
	exec := newTestExecutor(t, func(c *Config) { c.ResultVariable = "options" })

	result, err := exec.Execute(context.Background(), `1`, `const options = getData() + 1;`)
	require.NoError(t, err)
	assert.Equal(t, "2", string(result.Value))

	_, err = exec.Execute(context.Background(), `1`, `const chartConfig = 1;`)
	assert.ErrorIs(t, err, ErrMissingResult)
}

func TestExecuteBlockedGlobal(t *testing.T) {
	exec := newTestExecutor(t, nil)

	result, err := exec.Execute(context.Background(), `{}`, `const chartConfig = typeof fetch;`)
	require.NoError(t, err)
	assert.Equal(t, `"undefined"`, string(result.Value))
}

func TestExecuteBlockedNamesAreUndefined(t *testing.T) {
	exec := newTestExecutor(t, nil)

	names := append(append([]string{}, capability.Blocked...), capability.Scrubbed...)
	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), `null`,
				"const chartConfig = typeof "+name+";")
			require.NoError(t, err)
			assert.Equal(t, `"undefined"`, string(result.Value))
		})
	}
}

func TestExecuteAllowedNamesAreBound(t *testing.T) {
	exec := newTestExecutor(t, nil)

	for _, name := range capability.AllowedNames() {
		t.Run(name, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), `null`,
				"const chartConfig = typeof "+name+";")
			require.NoError(t, err)
			assert.NotEqual(t, `"undefined"`, string(result.Value))
		})
	}
}

func TestExecuteInvalidData(t *testing.T) {
	exec := newTestExecutor(t, nil)

	result, err := exec.Execute(context.Background(), `{invalid`,
		`throw new Error("user code must not run");`)
	require.Error(t, err)
	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrInvalidData)

	var execErr *ExecError
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Detail.Message, "Invalid JSON in data")
	assert.Nil(t, execErr.Detail.Line)
}

func TestExecuteScriptErrors(t *testing.T) {
	exec := newTestExecutor(t, nil)

	tests := []struct {
		name     string
		config   string
		message  string
		wantLine int
	}{
		{
			name:     "thrown error",
			config:   "const a = 1;\nthrow new Error('boom');",
			message:  "boom",
			wantLine: 2,
		},
		{
			name:     "type error",
			config:   "const a = null;\nconst b = 2;\nconst chartConfig = a.x;",
			message:  "x",
			wantLine: 3,
		},
		{
			name:     "syntax error",
			config:   "const chartConfig = {;",
			message:  "Line 1:",
			wantLine: 1,
		},
		{
			name:     "syntax error on later line",
			config:   "const a = 1;\nconst b = 2;\nconst chartConfig = {;",
			message:  "Line 3:",
			wantLine: 3,
		},
		{
			name:    "thrown string",
			config:  `throw "plain"`,
			message: "plain",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), `{}`, tt.config)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrScript)

			var execErr *ExecError
			require.True(t, errors.As(err, &execErr))
			assert.Contains(t, execErr.Detail.Message, tt.message)
			if tt.wantLine > 0 {
				require.NotNil(t, execErr.Detail.Line)
				assert.Equal(t, tt.wantLine, *execErr.Detail.Line)
				assert.NotNil(t, execErr.Detail.Column)
			}
		})
	}
}

func TestExecuteRejectsWrapperEscape(t *testing.T) {
	exec := newTestExecutor(t, nil)

	tests := []struct {
		name   string
		config string
	}{
		{
			name:   "sequence with sloppy function",
			config: `}, function(){ var chartConfig = {strictThis: typeof this, globalMath: typeof this.Math};`,
		},
		{
			name:   "second statement",
			config: `}); (function(){ var chartConfig = typeof this;`,
		},
		{
			name:   "logical expression",
			config: `}) || (function(){ var chartConfig = typeof this;`,
		},
		{
			name:   "immediate call",
			config: `})(); (function(){ var chartConfig = 1;`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), `{}`, tt.config)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrScript)
			if result != nil {
				assert.Nil(t, result.Value)
			}
		})
	}
}

func TestExecuteGetDataReturnsFreshCopy(t *testing.T) {
	exec := newTestExecutor(t, nil)

	tests := []struct {
		name   string
		config string
		want   string
	}{
		{
			name:   "push does not leak",
			config: `getData().push(99); const chartConfig = {d: getData()};`,
			want:   `{"d":[1,2]}`,
		},
		{
			name:   "length unchanged",
			config: `getData().push(1); const chartConfig = getData().length;`,
			want:   `2`,
		},
		{
			name:   "distinct objects",
			config: `const chartConfig = getData() === getData();`,
			want:   `false`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := exec.Execute(context.Background(), `[1,2]`, tt.config)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(result.Value))
		})
	}
}

func TestExecuteNotSerializable(t *testing.T) {
	exec := newTestExecutor(t, nil)

	_, err := exec.Execute(context.Background(), `{}`, `const chartConfig = function() {};`)
	assert.ErrorIs(t, err, ErrNotSerializable)

	_, err = exec.Execute(context.Background(), `{}`, `const chartConfig = {}; chartConfig.self = chartConfig;`)
	assert.ErrorIs(t, err, ErrNotSerializable)
}

func TestExecuteTimeout(t *testing.T) {
	exec := newTestExecutor(t, func(c *Config) { c.Timeout = 100 * time.Millisecond })

	start := time.Now()
	_, err := exec.Execute(context.Background(), `{}`, `while (true) {}`)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	exec := newTestExecutor(t, func(c *Config) { c.Timeout = 5 * time.Second })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := exec.Execute(ctx, `{}`, `while (true) {}`)
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestExecuteStackOverflow(t *testing.T) {
	exec := newTestExecutor(t, func(c *Config) { c.MaxCallStackSize = 64 })

	_, err := exec.Execute(context.Background(), `{}`,
		`function f(n) { return f(n + 1); } const chartConfig = f(0);`)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrScript)
}

func TestExecuteTypedConfig(t *testing.T) {
	exec := newTestExecutor(t, nil)

	config := `const data: any[] = getData();
const chartConfig: Record<string, number[]> = {
  points: data.map((p: any) => p.y as number),
};`
	result, err := exec.Execute(context.Background(), `[{"y":3},{"y":4}]`, config)
	require.NoError(t, err)

	value := decode(t, result.Value).(map[string]interface{})
	assert.Equal(t, []interface{}{float64(3), float64(4)}, value["points"])
}

func TestExecuteConsoleCapture(t *testing.T) {
	exec := newTestExecutor(t, func(c *Config) { c.MaxConsole = 2 })

	result, err := exec.Execute(context.Background(), `{}`,
		`console.log("a", 1, {k: true}); console.warn("b"); console.error("dropped"); const chartConfig = {};`)
	require.NoError(t, err)
	require.Len(t, result.Console, 2)
	assert.Equal(t, "log", result.Console[0].Level)
	assert.Equal(t, `a 1 {"k":true}`, result.Console[0].Message)
	assert.Equal(t, "warn", result.Console[1].Level)
}

func TestExecuteConsoleKeptOnFailure(t *testing.T) {
	exec := newTestExecutor(t, nil)

	result, err := exec.Execute(context.Background(), `{}`, `console.info("before"); throw new Error("x");`)
	require.Error(t, err)
	require.NotNil(t, result)
	require.Len(t, result.Console, 1)
	assert.Equal(t, "before", result.Console[0].Message)
}

func TestExecuteDataIsolatedBetweenRuns(t *testing.T) {
	exec := newTestExecutor(t, nil)

	_, err := exec.Execute(context.Background(), `{"n":1}`,
		`Object.prototype.polluted = true; getData().n = 2; const chartConfig = 1;`)
	require.NoError(t, err)

	result, err := exec.Execute(context.Background(), `{"n":1}`,
		`const chartConfig = [getData().n, typeof ({}).polluted];`)
	require.NoError(t, err)
	assert.Equal(t, `[1,"undefined"]`, string(result.Value))
}

func TestExecuteWithRuntimePool(t *testing.T) {
	runtimes := NewRuntimePool(DefaultConfig(), 2)
	defer runtimes.Close()

	exec := NewExecutor(DefaultConfig(), runtimes, zap.NewNop())
	for i := 0; i < 5; i++ {
		result, err := exec.Execute(context.Background(), `[1,2,3]`, `const chartConfig = getData().length;`)
		require.NoError(t, err)
		assert.Equal(t, "3", string(result.Value))
	}

	stats := runtimes.Stats()
	assert.Equal(t, 2, stats["available"])
}

func TestRuntimePoolClosed(t *testing.T) {
	runtimes := NewRuntimePool(DefaultConfig(), 1)
	require.NoError(t, runtimes.Close())
	require.NoError(t, runtimes.Close())

	_, err := runtimes.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestHandle(t *testing.T) {
	exec := newTestExecutor(t, nil)

	t.Run("success", func(t *testing.T) {
		resp := exec.Handle(context.Background(), protocol.Message{
			Type:   protocol.ExecuteConfig,
			RunID:  7,
			Data:   `{"a":1}`,
			Config: `console.log("hi"); const chartConfig = getData();`,
		})
		assert.Equal(t, protocol.ConfigSuccess, resp.Type)
		assert.Equal(t, uint64(7), resp.RunID)
		assert.JSONEq(t, `{"a":1}`, string(resp.Value))
		assert.Nil(t, resp.Error)
		assert.Len(t, resp.Logs, 1)
	})

	t.Run("failure", func(t *testing.T) {
		resp := exec.Handle(context.Background(), protocol.Message{
			Type:   protocol.ExecuteConfig,
			RunID:  8,
			Data:   `{}`,
			Config: `const x = 1;`,
		})
		assert.Equal(t, protocol.ConfigError, resp.Type)
		assert.Equal(t, uint64(8), resp.RunID)
		require.NotNil(t, resp.Error)
		assert.Contains(t, resp.Error.Message, "chartConfig")
		assert.Nil(t, resp.Value)
	})
}
