// Package dataimport converts tabular and structured documents into the JSON
// data text the pipeline consumes.
package dataimport

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/gabriel-vasile/mimetype"
	"github.com/goccy/go-yaml"
	"github.com/klauspost/compress/gzip"
	"github.com/pelletier/go-toml/v2"
)

// Format is a supported source format
type Format string

const (
	FormatAuto Format = ""
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatCSV  Format = "csv"
	FormatTSV  Format = "tsv"
)

// MaxSize bounds the decompressed document size
const MaxSize = 8 << 20

var (
	ErrUnknownFormat = errors.New("unrecognized data format")
	ErrTooLarge      = errors.New("document too large")
	ErrEmpty         = errors.New("document is empty")
)

// ParseFormat validates a format name. The empty string means detect.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatAuto, FormatJSON, FormatYAML, FormatTOML, FormatCSV, FormatTSV:
		return f, nil
	case "yml":
		return FormatYAML, nil
	default:
		return FormatAuto, fmt.Errorf("%w: %s", ErrUnknownFormat, s)
	}
}

// Result is a converted document
type Result struct {
	Format Format `json:"format"`
	Data   string `json:"data"`
	Rows   int    `json:"rows,omitempty"` // Records converted from CSV/TSV
}

// Convert turns body into indented JSON text. Gzip-compressed bodies are
// accepted in every format.
func Convert(body []byte, format Format) (*Result, error) {
	body, err := inflate(body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, ErrEmpty
	}

	if format == FormatAuto {
		format = Detect(body)
	}

	var (
		value interface{}
		rows  int
	)
	switch format {
	case FormatJSON:
		if err := sonic.Unmarshal(body, &value); err != nil {
			return nil, fmt.Errorf("JSON parse error: %w", err)
		}
	case FormatYAML:
		if err := yaml.Unmarshal(body, &value); err != nil {
			return nil, fmt.Errorf("YAML parse error: %w", err)
		}
		value = stringKeys(value)
	case FormatTOML:
		var doc map[string]interface{}
		if err := toml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("TOML parse error: %w", err)
		}
		value = doc
	case FormatCSV, FormatTSV:
		records, err := readRecords(body, format)
		if err != nil {
			return nil, err
		}
		value, rows = records, len(records)
	default:
		return nil, ErrUnknownFormat
	}

	out, err := sonic.ConfigStd.MarshalIndent(value, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("JSON encoding error: %w", err)
	}
	return &Result{Format: format, Data: string(out), Rows: rows}, nil
}

// Detect guesses the format of an uncompressed document
func Detect(body []byte) Format {
	mtype := mimetype.Detect(body)
	switch {
	case mtype.Is("application/json"):
		return FormatJSON
	case mtype.Is("text/csv"):
		return FormatCSV
	case mtype.Is("text/tab-separated-values"):
		return FormatTSV
	}

	if sonic.Valid(body) {
		return FormatJSON
	}
	var doc map[string]interface{}
	if toml.Unmarshal(body, &doc) == nil && len(doc) > 0 {
		return FormatTOML
	}
	var value interface{}
	if err := yaml.Unmarshal(body, &value); err == nil {
		switch value.(type) {
		case map[string]interface{}, []interface{}:
			return FormatYAML
		}
	}
	return FormatAuto
}

func inflate(body []byte) ([]byte, error) {
	if !mimetype.Detect(body).Is("application/gzip") {
		if len(body) > MaxSize {
			return nil, ErrTooLarge
		}
		return body, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gzip error: %w", err)
	}
	defer zr.Close()

	out, err := io.ReadAll(io.LimitReader(zr, MaxSize+1))
	if err != nil {
		return nil, fmt.Errorf("gzip error: %w", err)
	}
	if len(out) > MaxSize {
		return nil, ErrTooLarge
	}
	return out, nil
}

// readRecords converts rows into objects keyed by the header row. Cells that
// parse as numbers or booleans are converted.
func readRecords(body []byte, format Format) ([]map[string]interface{}, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	if format == FormatTSV {
		reader.Comma = '\t'
	}
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("CSV parse error: %w", err)
	}
	if len(records) == 0 {
		return nil, ErrEmpty
	}

	headers := records[0]
	for i, h := range headers {
		headers[i] = strings.TrimSpace(h)
		if headers[i] == "" {
			headers[i] = fmt.Sprintf("col%d", i)
		}
	}

	rows := make([]map[string]interface{}, 0, len(records)-1)
	for _, record := range records[1:] {
		row := make(map[string]interface{}, len(headers))
		for j, cell := range record {
			if j < len(headers) {
				row[headers[j]] = cellValue(cell)
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func cellValue(cell string) interface{} {
	cell = strings.TrimSpace(cell)
	if cell == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(cell, 64); err == nil {
		return f
	}
	switch strings.ToLower(cell) {
	case "true":
		return true
	case "false":
		return false
	}
	return cell
}

// stringKeys rewrites non-string map keys so the value can be encoded as JSON
func stringKeys(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, item := range t {
			t[k] = stringKeys(item)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[fmt.Sprint(k)] = stringKeys(item)
		}
		return out
	case []interface{}:
		for i, item := range t {
			t[i] = stringKeys(item)
		}
		return t
	default:
		return v
	}
}
