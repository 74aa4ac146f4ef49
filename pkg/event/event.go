// Package event implements the uniform field-access abstraction over the
// semi-structured documents arriving on the bus (spec §4.12, §3 "Event").
package event

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// MaxDepth is the deepest nesting a constructed Event may have. Deeper
// documents fail construction rather than risk unbounded recursion during
// matching.
const MaxDepth = 128

// keywordFields are, in priority order, the well-known top-level (or dotted)
// fields treated as the keyword source for an event shape, mirroring the
// common Sigma "keywords" identifier convention (e.g. Windows EventLog
// "Message", Sysmon-style "CommandLine").
var keywordFields = []string{"message", "Message", "alert.signature", "CommandLine"}

// Event is an immutable, nested key/value document. It is constructed once
// per bus message and dropped after the offset mark; it is never mutated or
// retained across messages.
type Event struct {
	root any
}

// New constructs an Event from a decoded JSON document (map[string]any,
// []any, or a scalar). It rejects documents nesting deeper than MaxDepth.
func New(raw any) (*Event, error) {
	if depth(raw, 0) > MaxDepth {
		return nil, fmt.Errorf("event: nesting depth exceeds %d", MaxDepth)
	}
	return &Event{root: raw}, nil
}

// Parse decodes a JSON payload into an Event.
func Parse(payload []byte) (*Event, error) {
	var raw any
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("event: decode failed: %w", err)
	}
	return New(raw)
}

func depth(v any, cur int) int {
	if cur > MaxDepth+1 {
		return cur
	}
	switch t := v.(type) {
	case map[string]any:
		max := cur
		for _, child := range t {
			if d := depth(child, cur+1); d > max {
				max = d
			}
		}
		return max
	case []any:
		max := cur
		for _, child := range t {
			if d := depth(child, cur+1); d > max {
				max = d
			}
		}
		return max
	default:
		return cur
	}
}

// Select returns the leaf value at a dotted path, and whether it was present.
// Paths must be non-empty, must not start or end with '.', and must not
// contain "..".
func (e *Event) Select(path string) (any, bool) {
	if !validPath(path) {
		return nil, false
	}
	parts := strings.Split(path, ".")
	cur := e.root
	for _, part := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[part]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cloneValue(cur), true
}

func validPath(path string) bool {
	if path == "" {
		return false
	}
	if strings.HasPrefix(path, ".") || strings.HasSuffix(path, ".") {
		return false
	}
	if strings.Contains(path, "..") {
		return false
	}
	return true
}

// cloneValue performs a deep copy so the returned leaf cannot alias (and
// thereby mutate) the immutable event tree.
func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return t
	}
}

// Keywords returns the ordered list of string leaves considered
// keyword-eligible for this event, and whether keyword matching applies at
// all to this event shape.
func (e *Event) Keywords() ([]string, bool) {
	for _, field := range keywordFields {
		if v, ok := e.Select(field); ok {
			if s, ok := v.(string); ok {
				return []string{s}, true
			}
			if arr, ok := v.([]any); ok {
				var out []string
				for _, item := range arr {
					if s, ok := item.(string); ok {
						out = append(out, s)
					}
				}
				if len(out) > 0 {
					return out, true
				}
			}
		}
	}
	log.Debug().Msg("event: no keyword-eligible field present")
	return nil, false
}

// Raw returns the underlying decoded document. Callers must not mutate it.
func (e *Event) Raw() any {
	return e.root
}
