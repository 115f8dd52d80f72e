// Package analyzer inspects configuration text for the series kinds it
// declares, without executing it.
package analyzer

import (
	"regexp"
	"sort"
	"strconv"
)

var typePattern = regexp.MustCompile(`type\s*:\s*['"]([^'"]+)['"]`)

// KnownTypes are the series kinds worth labelling
var KnownTypes = []string{"line", "area", "bar-x", "bar-y", "pie", "scatter", "treemap", "waterfall"}

var known = func() map[string]bool {
	m := make(map[string]bool, len(KnownTypes))
	for _, t := range KnownTypes {
		m[t] = true
	}
	return m
}()

// SeriesType is a series kind and how often it appears
type SeriesType struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// Extract counts `type: '<kind>'` occurrences of known kinds, most frequent
// first. Ties keep the order of first appearance.
func Extract(config string) []SeriesType {
	var (
		out   []SeriesType
		index = map[string]int{}
	)
	for _, m := range typePattern.FindAllStringSubmatch(config, -1) {
		t := m[1]
		if !known[t] {
			continue
		}
		if i, ok := index[t]; ok {
			out[i].Count++
			continue
		}
		index[t] = len(out)
		out = append(out, SeriesType{Type: t, Count: 1})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Count > out[j].Count
	})
	return out
}

// Format renders kinds as display labels: "line" for one, "2 line" for more
func Format(types []SeriesType) []string {
	labels := make([]string, 0, len(types))
	for _, t := range types {
		if t.Count > 1 {
			labels = append(labels, strconv.Itoa(t.Count)+" "+t.Type)
			continue
		}
		labels = append(labels, t.Type)
	}
	return labels
}

// Labels extracts and formats in one step
func Labels(config string) []string {
	return Format(Extract(config))
}
