package renderstage

import (
	"encoding/json"

	"github.com/korvin89/charts-playground/internal/sandbox/protocol"
)

// DefaultColors is the series palette used when the chart sets none
var DefaultColors = []string{
	"#4DA2F1", "#FF3D64", "#8AD554", "#FFC636",
	"#FFA0A0", "#9B6CF4", "#F6A243", "#21D0D0",
}

// Palette holds theme dependent surface colours
type Palette struct {
	Background string `json:"background"`
	Foreground string `json:"foreground"`
	Grid       string `json:"grid"`
}

// PaletteFor returns the palette of a theme
func PaletteFor(theme protocol.Theme) Palette {
	if theme == protocol.ThemeDark {
		return Palette{Background: "#222", Foreground: "#e5e5e5", Grid: "#3a3a3a"}
	}
	return Palette{Background: "#fff", Foreground: "#222", Grid: "#e6e6e6"}
}

// Frame is the presented state of the render unit. A blank frame carries only
// the palette.
type Frame struct {
	RunID   uint64          `json:"runId,omitempty"`
	Blank   bool            `json:"blank"`
	Theme   protocol.Theme  `json:"theme"`
	Palette Palette         `json:"palette"`
	Title   string          `json:"title,omitempty"`
	Series  []SeriesFrame   `json:"series,omitempty"`
	Chart   json.RawMessage `json:"chart,omitempty"`
}

// SeriesFrame summarizes one series
type SeriesFrame struct {
	Name   string   `json:"name"`
	Type   string   `json:"type"`
	Color  string   `json:"color"`
	Points int      `json:"points"`
	Min    *float64 `json:"min,omitempty"`
	Max    *float64 `json:"max,omitempty"`
	Mean   *float64 `json:"mean,omitempty"`
}

// BlankFrame is the cleared presentation for a theme
func BlankFrame(theme protocol.Theme) *Frame {
	return &Frame{Blank: true, Theme: theme, Palette: PaletteFor(theme)}
}
