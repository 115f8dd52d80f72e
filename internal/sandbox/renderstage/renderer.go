// Package renderstage is the render unit's handler. It validates the structure
// produced by the config unit, derives a themed frame from it and presents the
// frame. Every request starts from a blank presentation so a failed attempt
// never leaves an older frame on display.
package renderstage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/kaptinlin/jsonschema"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

//go:embed schema.json
var chartSchema []byte

var (
	ErrNotObject    = errors.New("chart configuration is not an object")
	ErrInvalidChart = errors.New("invalid chart configuration")
	ErrPresent      = errors.New("presentation failed")
)

// RenderError is a rejected render request
type RenderError struct {
	Kind    error
	Message string
}

func (e *RenderError) Error() string {
	return e.Message
}

func (e *RenderError) Unwrap() error {
	return e.Kind
}

// Renderer turns chart configurations into frames
type Renderer struct {
	schema    *jsonschema.Schema
	presenter Presenter
	sanitizer *bluemonday.Policy
	logger    *zap.Logger
}

// NewRenderer compiles the chart schema and binds the presenter
func NewRenderer(presenter Presenter, logger *zap.Logger) (*Renderer, error) {
	if presenter == nil {
		return nil, errors.New("presenter is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(chartSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chart schema: %w", err)
	}

	return &Renderer{
		schema:    schema,
		presenter: presenter,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger,
	}, nil
}

// Handle answers an EXECUTE_RENDER request with RENDER_SUCCESS or RENDER_ERROR
func (r *Renderer) Handle(ctx context.Context, req protocol.Message) protocol.Message {
	if _, err := r.Render(ctx, req.RunID, req.Value, req.Theme); err != nil {
		r.logger.Debug("Render rejected",
			zap.Uint64("run_id", req.RunID),
			zap.Error(err),
		)
		return protocol.FailureMessage(protocol.RenderError, req.RunID, protocol.NewFailure(err.Error(), ""))
	}
	return protocol.Message{Type: protocol.RenderSuccess, RunID: req.RunID}
}

// Render clears the presentation, builds the frame for value and presents it
func (r *Renderer) Render(ctx context.Context, runID uint64, value []byte, theme protocol.Theme) (*Frame, error) {
	if theme == "" {
		theme = protocol.ThemeLight
	}
	if err := r.presenter.Clear(ctx, theme); err != nil {
		return nil, &RenderError{Kind: ErrPresent, Message: fmt.Sprintf("Failed to clear chart: %v", err)}
	}

	frame, err := r.Build(runID, value, theme)
	if err != nil {
		return nil, err
	}

	if err := r.presenter.Present(ctx, frame); err != nil {
		return nil, &RenderError{Kind: ErrPresent, Message: fmt.Sprintf("Failed to present chart: %v", err)}
	}
	return frame, nil
}

// Build validates value and derives its frame without presenting it
func (r *Renderer) Build(runID uint64, value []byte, theme protocol.Theme) (*Frame, error) {
	var decoded interface{}
	if err := sonic.Unmarshal(value, &decoded); err != nil {
		return nil, &RenderError{Kind: ErrNotObject, Message: fmt.Sprintf("Chart configuration is not valid JSON: %v", err)}
	}
	chart, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, &RenderError{
			Kind:    ErrNotObject,
			Message: fmt.Sprintf("Chart configuration must be an object, got %s", kindOf(decoded)),
		}
	}

	if result := r.schema.Validate(chart); !result.Valid {
		return nil, &RenderError{
			Kind:    ErrInvalidChart,
			Message: "Invalid chart configuration: " + joinErrors(result),
		}
	}

	frame := &Frame{
		RunID:   runID,
		Theme:   theme,
		Palette: PaletteFor(theme),
		Title:   r.title(chart),
		Chart:   append([]byte(nil), value...),
	}
	frame.Series = r.series(chart)
	return frame, nil
}

func (r *Renderer) title(chart map[string]interface{}) string {
	title, _ := chart["title"].(map[string]interface{})
	text, _ := title["text"].(string)
	return r.sanitizer.Sanitize(text)
}

func (r *Renderer) series(chart map[string]interface{}) []SeriesFrame {
	palette := DefaultColors
	if custom := stringList(chart["colors"]); len(custom) > 0 {
		palette = custom
	}

	container, _ := chart["series"].(map[string]interface{})
	items, _ := container["data"].([]interface{})

	out := make([]SeriesFrame, 0, len(items))
	for i, item := range items {
		s, _ := item.(map[string]interface{})
		points, _ := s["data"].([]interface{})

		sf := SeriesFrame{
			Type:   fmt.Sprint(s["type"]),
			Points: len(points),
			Color:  palette[i%len(palette)],
		}
		if name, ok := s["name"].(string); ok {
			sf.Name = r.sanitizer.Sanitize(name)
		} else {
			sf.Name = fmt.Sprintf("Series %d", i+1)
		}
		if color, ok := s["color"].(string); ok && color != "" {
			sf.Color = color
		}

		if ys := values(points); len(ys) > 0 {
			lo, hi, mean := floats.Min(ys), floats.Max(ys), stat.Mean(ys, nil)
			sf.Min, sf.Max, sf.Mean = &lo, &hi, &mean
		}
		out = append(out, sf)
	}
	return out
}

// values extracts the numeric value of each point: a bare number, the last
// element of a tuple, or the y/value field of an object.
func values(points []interface{}) []float64 {
	ys := make([]float64, 0, len(points))
	for _, p := range points {
		switch v := p.(type) {
		case float64:
			ys = append(ys, v)
		case []interface{}:
			if len(v) > 0 {
				if f, ok := v[len(v)-1].(float64); ok {
					ys = append(ys, f)
				}
			}
		case map[string]interface{}:
			if f, ok := v["y"].(float64); ok {
				ys = append(ys, f)
			} else if f, ok := v["value"].(float64); ok {
				ys = append(ys, f)
			}
		}
	}
	return ys
}

func stringList(v interface{}) []string {
	items, _ := v.([]interface{})
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinErrors(result *jsonschema.EvaluationResult) string {
	msgs := make([]string, 0, len(result.Errors))
	for _, err := range result.Errors {
		msgs = append(msgs, err.Error())
	}
	sort.Strings(msgs)
	if len(msgs) == 0 {
		return "structure rejected"
	}
	return strings.Join(msgs, "; ")
}

func kindOf(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
