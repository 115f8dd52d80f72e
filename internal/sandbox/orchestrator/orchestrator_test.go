package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/korvin89/charts-playground/internal/sandbox/configstage"
	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
	"github.com/korvin89/charts-playground/internal/sandbox/renderstage"
	"github.com/korvin89/charts-playground/internal/sandbox/unit"
)

const (
	chartData   = `[1, 2, 3]`
	chartConfig = `const chartConfig = { series: { data: [{ type: 'line', data: getData() }] } };`
)

type harness struct {
	orch     *Orchestrator
	outcomes chan protocol.Outcome

	mu     sync.Mutex
	events []Event
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	h := &harness{outcomes: make(chan protocol.Outcome, 128)}

	opts.OnOutcome = func(o protocol.Outcome) { h.outcomes <- o }
	opts.Observer = func(e Event) {
		h.mu.Lock()
		h.events = append(h.events, e)
		h.mu.Unlock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	orch, err := New(opts)
	require.NoError(t, err)
	orch.Start(context.Background())
	t.Cleanup(orch.Stop)

	h.orch = orch
	return h
}

func (h *harness) next(t *testing.T) protocol.Outcome {
	t.Helper()
	select {
	case o := <-h.outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return protocol.Outcome{}
	}
}

func (h *harness) none(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case o := <-h.outcomes:
		t.Fatalf("unexpected outcome for run %d (ok=%v)", o.RunID, o.OK)
	case <-time.After(wait):
	}
}

func (h *harness) trace() []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Event(nil), h.events...)
}

func realStages(t *testing.T) (unit.Handler, unit.Handler, *renderstage.Capture) {
	t.Helper()
	capture := renderstage.NewCapture()
	renderer, err := renderstage.NewRenderer(capture, nil)
	require.NoError(t, err)
	return configstage.NewExecutor(configstage.DefaultConfig(), nil, nil), renderer, capture
}

// stubConfig succeeds for config text "ok" and fails otherwise
func stubConfig() unit.Handler {
	return unit.HandlerFunc(func(_ context.Context, req protocol.Message) protocol.Message {
		if req.Config != "ok" {
			return protocol.FailureMessage(protocol.ConfigError, req.RunID, protocol.FailureDetail{Message: "bad config"})
		}
		return protocol.Message{Type: protocol.ConfigSuccess, Value: []byte(`{"series":{"data":[]}}`)}
	})
}

func stubRender() unit.Handler {
	return unit.HandlerFunc(func(context.Context, protocol.Message) protocol.Message {
		return protocol.Message{Type: protocol.RenderSuccess}
	})
}

// gated delays readiness until its gate is closed
type gated struct {
	unit.Handler
	gate chan struct{}
}

func (g *gated) Prepare(ctx context.Context) error {
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type countingRecorder struct {
	mu        sync.Mutex
	outcomes  []protocol.Outcome
	discarded map[string]int
}

func (r *countingRecorder) RecordOutcome(o protocol.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o)
}

func (r *countingRecorder) RecordDiscarded(unit string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.discarded == nil {
		r.discarded = map[string]int{}
	}
	r.discarded[unit]++
}

func TestRunSucceedsEndToEnd(t *testing.T) {
	cfg, render, capture := realStages(t)
	h := newHarness(t, Options{Config: cfg, Render: render})

	id, err := h.orch.Run(chartData, chartConfig, protocol.ThemeDark)
	require.NoError(t, err)

	out := h.next(t)
	require.True(t, out.OK, "%+v", out.Detail)
	assert.Equal(t, id, out.RunID)
	assert.Equal(t, protocol.ThemeDark, out.Theme)
	assert.JSONEq(t, `{"series":{"data":[{"type":"line","data":[1,2,3]}]}}`, string(out.Value))
	assert.NoError(t, out.Err())

	frame := capture.Current()
	assert.False(t, frame.Blank)
	assert.Equal(t, id, frame.RunID)
	assert.Equal(t, "#222", frame.Palette.Background)
}

func TestConfigFailureNeverReachesRender(t *testing.T) {
	cfg, render, capture := realStages(t)
	h := newHarness(t, Options{Config: cfg, Render: render})

	_, err := h.orch.Run(`{}`, `const x = 1;`, protocol.ThemeLight)
	require.NoError(t, err)

	out := h.next(t)
	assert.False(t, out.OK)
	assert.Equal(t, protocol.SourceConfig, out.Source)
	require.NotNil(t, out.Detail)
	assert.Contains(t, out.Detail.Message, "chartConfig")
	assert.Equal(t, 0, capture.Clears())

	for _, e := range h.trace() {
		assert.NotEqual(t, protocol.ExecuteRender, e.Message.Type)
	}
}

func TestInvalidDataIsConfigFailure(t *testing.T) {
	cfg, render, _ := realStages(t)
	h := newHarness(t, Options{Config: cfg, Render: render})

	_, err := h.orch.Run(`{invalid`, chartConfig, protocol.ThemeLight)
	require.NoError(t, err)

	out := h.next(t)
	assert.Equal(t, protocol.SourceConfig, out.Source)
	assert.Contains(t, out.Detail.Message, "Invalid JSON")
	assert.Nil(t, out.Detail.Line)
}

func TestRenderFailureIsTagged(t *testing.T) {
	cfg, render, capture := realStages(t)
	h := newHarness(t, Options{Config: cfg, Render: render})

	_, err := h.orch.Run(`{}`, `const chartConfig = typeof fetch;`, protocol.ThemeLight)
	require.NoError(t, err)

	out := h.next(t)
	assert.False(t, out.OK)
	assert.Equal(t, protocol.SourceRender, out.Source)

	var stageErr *protocol.StageError
	require.ErrorAs(t, out.Err(), &stageErr)
	assert.Equal(t, protocol.SourceRender, stageErr.Source)
	assert.True(t, capture.Current().Blank)
}

func TestConsoleLogsReachOutcome(t *testing.T) {
	cfg, render, _ := realStages(t)
	h := newHarness(t, Options{Config: cfg, Render: render})

	_, err := h.orch.Run(chartData, `console.log("hello");`+chartConfig, protocol.ThemeLight)
	require.NoError(t, err)

	out := h.next(t)
	require.True(t, out.OK)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, "hello", out.Logs[0].Message)
}

func TestRunDeferredUntilReady(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, Options{Config: &gated{Handler: stubConfig(), gate: gate}, Render: stubRender()})

	id, err := h.orch.Run("{}", "ok", protocol.ThemeLight)
	require.NoError(t, err)
	h.none(t, 100*time.Millisecond)
	assert.False(t, h.orch.Ready())

	close(gate)
	out := h.next(t)
	assert.True(t, out.OK)
	assert.Equal(t, id, out.RunID)
	assert.True(t, h.orch.Ready())
}

func TestReadyTimeout(t *testing.T) {
	h := newHarness(t, Options{
		Config:       &gated{Handler: stubConfig(), gate: make(chan struct{})},
		Render:       stubRender(),
		ReadyTimeout: 50 * time.Millisecond,
	})

	_, err := h.orch.Run("{}", "ok", protocol.ThemeLight)
	require.NoError(t, err)

	out := h.next(t)
	assert.False(t, out.OK)
	assert.Equal(t, protocol.SourceBoundary, out.Source)
	assert.Contains(t, out.Detail.Message, "ready")

	// later runs fail straight away
	_, err = h.orch.Run("{}", "ok", protocol.ThemeLight)
	require.NoError(t, err)
	assert.Equal(t, protocol.SourceBoundary, h.next(t).Source)
}

func TestResponseTimeoutDiscardsLateResponse(t *testing.T) {
	release := make(chan struct{})
	var calls sync.Mutex
	first := true
	render := unit.HandlerFunc(func(ctx context.Context, req protocol.Message) protocol.Message {
		calls.Lock()
		block := first
		first = false
		calls.Unlock()
		if block {
			<-release
		}
		return protocol.Message{Type: protocol.RenderSuccess}
	})
	rec := &countingRecorder{}
	h := newHarness(t, Options{
		Config:          stubConfig(),
		Render:          render,
		ResponseTimeout: 200 * time.Millisecond,
		Recorder:        rec,
	})

	_, err := h.orch.Run("{}", "ok", protocol.ThemeLight)
	require.NoError(t, err)

	out := h.next(t)
	assert.Equal(t, protocol.SourceBoundary, out.Source)
	assert.Contains(t, out.Detail.Message, "render unit did not respond")

	// the next run waits for the hung render to finish, then goes through
	id, err := h.orch.Run("{}", "ok", protocol.ThemeLight)
	require.NoError(t, err)
	close(release)

	out = h.next(t)
	assert.True(t, out.OK)
	assert.Equal(t, id, out.RunID)
	h.none(t, 50*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Len(t, rec.outcomes, 2)
	assert.Equal(t, 1, rec.discarded["render"])
}

func TestNewRunSupersedesInFlightRun(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	seen := 0
	cfg := unit.HandlerFunc(func(ctx context.Context, req protocol.Message) protocol.Message {
		mu.Lock()
		seen++
		n := seen
		mu.Unlock()
		if n == 1 {
			<-release
		}
		return protocol.Message{Type: protocol.ConfigSuccess, Value: []byte(`{}`)}
	})
	h := newHarness(t, Options{Config: cfg, Render: stubRender()})

	first, err := h.orch.Run("{}", "first", protocol.ThemeLight)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 1
	}, 2*time.Second, time.Millisecond)

	second, err := h.orch.Run("{}", "second", protocol.ThemeLight)
	require.NoError(t, err)
	close(release)

	out := h.next(t)
	assert.True(t, out.OK)
	assert.Equal(t, second, out.RunID)
	h.none(t, 100*time.Millisecond)

	var order []string
	for _, e := range h.trace() {
		if e.Unit == "config" && !e.Message.Type.IsReady() {
			order = append(order, fmt.Sprintf("%s %s %d", e.Direction, e.Message.Type, e.Message.RunID))
		}
	}
	assert.Equal(t, []string{
		fmt.Sprintf("sent EXECUTE_CONFIG %d", first),
		fmt.Sprintf("discarded CONFIG_SUCCESS %d", first),
		fmt.Sprintf("sent EXECUTE_CONFIG %d", second),
		fmt.Sprintf("received CONFIG_SUCCESS %d", second),
	}, order)
}

func TestThemeChangeReruns(t *testing.T) {
	h := newHarness(t, Options{Config: stubConfig(), Render: stubRender()})

	// no successful run yet
	require.NoError(t, h.orch.SetTheme(protocol.ThemeDark))
	h.none(t, 50*time.Millisecond)

	id, err := h.orch.Run("{}", "ok", protocol.ThemeDark)
	require.NoError(t, err)
	out := h.next(t)
	require.True(t, out.OK)
	assert.Equal(t, id, out.RunID)

	require.NoError(t, h.orch.SetTheme(protocol.ThemeDark))
	h.none(t, 50*time.Millisecond)

	require.NoError(t, h.orch.SetTheme(protocol.ThemeLight))
	out = h.next(t)
	assert.True(t, out.OK)
	assert.Greater(t, out.RunID, id)
	assert.Equal(t, protocol.ThemeLight, out.Theme)

	var renders []protocol.Theme
	for _, e := range h.trace() {
		if e.Direction == Sent && e.Message.Type == protocol.ExecuteRender {
			renders = append(renders, e.Message.Theme)
		}
	}
	assert.Equal(t, []protocol.Theme{protocol.ThemeDark, protocol.ThemeLight}, renders)
}

func TestRunRacingThemeChangeKeepsLatestInput(t *testing.T) {
	echo := unit.HandlerFunc(func(_ context.Context, req protocol.Message) protocol.Message {
		return protocol.Message{Type: protocol.ConfigSuccess, Value: []byte(req.Data)}
	})
	h := newHarness(t, Options{Config: echo, Render: stubRender()})

	_, err := h.orch.Run("[0]", "ok", protocol.ThemeLight)
	require.NoError(t, err)
	require.True(t, h.next(t).OK)

	themes := []protocol.Theme{protocol.ThemeDark, protocol.ThemeLight}
	for i := 1; i <= 20; i++ {
		data := fmt.Sprintf("[%d]", i)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.orch.SetTheme(themes[i%2]))
		}()
		var id uint64
		go func() {
			defer wg.Done()
			var runErr error
			id, runErr = h.orch.Run(data, "ok", themes[(i+1)%2])
			assert.NoError(t, runErr)
		}()
		wg.Wait()

		last := h.next(t)
		for drained := false; !drained; {
			select {
			case o := <-h.outcomes:
				last = o
			case <-time.After(100 * time.Millisecond):
				drained = true
			}
		}
		require.True(t, last.OK)
		assert.GreaterOrEqual(t, last.RunID, id)
		assert.JSONEq(t, data, string(last.Value), "iteration %d", i)
	}
}

func TestThemeChangeAfterFailureOnly(t *testing.T) {
	h := newHarness(t, Options{Config: stubConfig(), Render: stubRender()})

	_, err := h.orch.Run("{}", "broken", protocol.ThemeLight)
	require.NoError(t, err)
	assert.False(t, h.next(t).OK)

	require.NoError(t, h.orch.SetTheme(protocol.ThemeDark))
	h.none(t, 50*time.Millisecond)
}

func TestRenderOnlyAfterConfigSuccess(t *testing.T) {
	cfg := unit.HandlerFunc(func(ctx context.Context, req protocol.Message) protocol.Message {
		time.Sleep(time.Duration(req.RunID%3) * time.Millisecond)
		return stubConfig().Handle(ctx, req)
	})
	render := unit.HandlerFunc(func(ctx context.Context, req protocol.Message) protocol.Message {
		time.Sleep(time.Duration(req.RunID%2) * time.Millisecond)
		return protocol.Message{Type: protocol.RenderSuccess}
	})
	h := newHarness(t, Options{Config: cfg, Render: render})

	var last uint64
	for i := 0; i < 40; i++ {
		text := "ok"
		if i%3 == 0 && i != 39 {
			text = "broken"
		}
		id, err := h.orch.Run("{}", text, protocol.ThemeLight)
		require.NoError(t, err)
		last = id
		if i%7 == 0 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	reported := map[uint64]int{}
	for {
		out := h.next(t)
		reported[out.RunID]++
		if out.RunID == last {
			break
		}
	}
	for id, n := range reported {
		assert.Equal(t, 1, n, "run %d reported %d times", id, n)
	}

	// the render unit only ever sees a run whose config response was a success
	lastConfig := map[uint64]protocol.MessageType{}
	requests := map[string]int{}
	responses := map[string]int{}
	for _, e := range h.trace() {
		if e.Message.Type.IsReady() {
			continue
		}
		switch e.Direction {
		case Sent:
			requests[e.Unit]++
			if e.Message.Type == protocol.ExecuteRender {
				assert.Equal(t, protocol.ConfigSuccess, lastConfig[e.Message.RunID], "render sent for run %d", e.Message.RunID)
			}
		case Received:
			responses[e.Unit]++
			if e.Unit == "config" {
				lastConfig[e.Message.RunID] = e.Message.Type
			}
		case Discarded:
			responses[e.Unit]++
		}
	}
	assert.Equal(t, requests, responses)
}

func TestLifecycleErrors(t *testing.T) {
	orch, err := New(Options{Config: stubConfig(), Render: stubRender()})
	require.NoError(t, err)

	_, err = orch.Run("{}", "ok", protocol.ThemeLight)
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, orch.SetTheme(protocol.ThemeDark), ErrNotStarted)

	orch.Start(context.Background())
	orch.Stop()
	<-orch.Done()

	_, err = orch.Run("{}", "ok", protocol.ThemeLight)
	assert.ErrorIs(t, err, ErrStopped)

	_, err = New(Options{Config: stubConfig()})
	assert.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	orch, err := New(Options{Config: stubConfig(), Render: stubRender()})
	require.NoError(t, err)

	orch.Stop()
	orch.Start(context.Background())
	_, err = orch.Run("{}", "ok", protocol.ThemeLight)
	assert.ErrorIs(t, err, ErrNotStarted)
}
