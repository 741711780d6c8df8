package flowdag

import (
	"encoding/json"
	"fmt"
)

// HandleRecorder receives the value that reached a node's named input, so an
// editor can show what a step was actually fed.
type HandleRecorder interface {
	RecordHandle(nodeID, handle, value string)
}

// NopRecorder discards recorded handle values.
type NopRecorder struct{}

// RecordHandle does nothing.
func (NopRecorder) RecordHandle(string, string, string) {}

// Normalize turns a value crossing an edge into a string: nil becomes "",
// strings pass through, anything else is rendered as indented JSON, or with
// fmt when it cannot be serialized.
func Normalize(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

// SelectSource picks the value an edge carries out of its source's result.
// With a source handle and an object-valued result the named field is used;
// otherwise the whole result travels.
func SelectSource(e Edge, result any) any {
	if e.SourceHandle == "" {
		return result
	}
	if obj, ok := result.(map[string]any); ok {
		return obj[e.SourceHandle]
	}
	return result
}
