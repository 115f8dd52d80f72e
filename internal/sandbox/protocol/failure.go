package protocol

import (
	"regexp"
	"strconv"
	"strings"
)

// FailureDetail is the structured error payload carried by *_ERROR messages
type FailureDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
	Line    *int   `json:"line,omitempty"`
	Column  *int   `json:"column,omitempty"`
}

var (
	locationPattern = regexp.MustCompile(`:(\d+):(\d+)`)
	// goja compiler errors read "Line 3:7 Unexpected identifier"
	syntaxPattern = regexp.MustCompile(`Line (\d+):(\d+)`)
	syntaxPrefix  = regexp.MustCompile(`Line (\d+):(\d+) ?`)
)

// NewFailure builds a FailureDetail, locating line/column from the stack text
// and, failing that, from the message itself.
func NewFailure(message, stack string) FailureDetail {
	detail := FailureDetail{Message: message, Stack: stack}
	line, column, ok := ExtractLocation(stack)
	if !ok {
		line, column, ok = ExtractLocation(message)
	}
	if ok {
		detail.Line = &line
		detail.Column = &column
	}
	return detail
}

// ExtractLocation finds the first ":<line>:<column>" in trace text
func ExtractLocation(trace string) (line, column int, ok bool) {
	if trace == "" {
		return 0, 0, false
	}
	m := locationPattern.FindStringSubmatch(trace)
	if m == nil {
		m = syntaxPattern.FindStringSubmatch(trace)
	}
	if m == nil {
		return 0, 0, false
	}
	line, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, 0, false
	}
	column, err = strconv.Atoi(m[2])
	if err != nil {
		return 0, 0, false
	}
	return line, column, true
}

// ShiftLines moves the reported line up by offset lines. Locations that would
// fall at or before the offset are dropped since they point into generated code.
func (d *FailureDetail) ShiftLines(offset int) {
	if d.Line == nil || offset <= 0 {
		return
	}
	if _, _, ok := ExtractLocation(d.Stack); !ok {
		d.Message = shiftMessage(d.Message, offset)
	}
	if *d.Line <= offset {
		d.Line = nil
		d.Column = nil
		return
	}
	line := *d.Line - offset
	d.Line = &line
}

// shiftMessage rewrites compiler "Line N:M" positions embedded in message text
// so they agree with the shifted Line field.
func shiftMessage(message string, offset int) string {
	return syntaxPrefix.ReplaceAllStringFunc(message, func(m string) string {
		sub := syntaxPrefix.FindStringSubmatch(m)
		line, err := strconv.Atoi(sub[1])
		if err != nil {
			return m
		}
		if line <= offset {
			return ""
		}
		out := "Line " + strconv.Itoa(line-offset) + ":" + sub[2]
		if strings.HasSuffix(m, " ") {
			out += " "
		}
		return out
	})
}

func (d FailureDetail) clone() FailureDetail {
	out := d
	if d.Line != nil {
		line := *d.Line
		out.Line = &line
	}
	if d.Column != nil {
		column := *d.Column
		out.Column = &column
	}
	return out
}

// FailureMessage builds a failure response of the given type
func FailureMessage(t MessageType, runID uint64, detail FailureDetail) Message {
	return Message{Type: t, RunID: runID, Error: &detail}
}
