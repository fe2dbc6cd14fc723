package harness

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// PhasePrefix marks structured phase lifecycle events in instrumentation
// output.
const PhasePrefix = "HARNESS PHASE: "

// Known phase event types. The field is an open string; these are the values
// the device-side harness currently emits.
const (
	PhaseStart      = "start"
	PhaseCheckpoint = "checkpoint"
	PhaseRetry      = "retry"
	PhaseAbort      = "abort"
	PhaseComplete   = "complete"
	PhaseError      = "error"
)

// PhaseEvent is a structured progress/error record emitted by a named
// device-side operation, scoped by attempt number.
type PhaseEvent struct {
	Type         string
	Component    string
	Operation    string
	Attempt      int
	TimestampMs  *int64
	Context      map[string]string
	Checkpoint   string
	Detail       string
	NextAttempt  *int
	ErrorType    string
	ErrorMessage string
}

// phaseKey groups events for one operation attempt.
type phaseKey struct {
	Component string
	Operation string
	Attempt   int
}

// ParsePhaseEvent decodes a phase-event line. Any malformed payload — bad
// JSON, wrong event discriminator, missing required field, non-integer
// attempt — yields (zero, false) rather than an error.
func ParsePhaseEvent(line string) (PhaseEvent, bool) {
	stripped := strings.TrimSpace(line)
	if !strings.HasPrefix(stripped, PhasePrefix) {
		return PhaseEvent{}, false
	}
	payload := strings.TrimSpace(stripped[len(PhasePrefix):])
	if payload == "" {
		return PhaseEvent{}, false
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payload), &raw); err != nil {
		return PhaseEvent{}, false
	}
	if decodeString(raw["event"]) != "harness_phase" {
		return PhaseEvent{}, false
	}

	event := PhaseEvent{
		Type:      decodeString(raw["type"]),
		Component: decodeString(raw["component"]),
		Operation: decodeString(raw["operation"]),
	}
	if event.Type == "" || event.Component == "" || event.Operation == "" {
		return PhaseEvent{}, false
	}
	attempt, ok := coerceInt(raw["attempt"])
	if !ok {
		return PhaseEvent{}, false
	}
	event.Attempt = attempt

	if ts, ok := coerceInt64(raw["timestampMs"]); ok {
		event.TimestampMs = &ts
	}
	event.Context = coerceContext(raw["context"])
	event.Checkpoint = decodeString(raw["checkpoint"])
	event.Detail = decodeString(raw["detail"])
	if next, ok := coerceInt(raw["nextAttempt"]); ok {
		event.NextAttempt = &next
	}
	event.ErrorType = decodeString(raw["errorType"])
	event.ErrorMessage = decodeString(raw["errorMessage"])
	return event, true
}

func decodeString(raw json.RawMessage) string {
	if raw == nil {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

// coerceInt accepts JSON integers and integer-valued strings, mirroring the
// device harness which serializes attempt counters both ways.
func coerceInt(raw json.RawMessage) (int, bool) {
	v, ok := coerceInt64(raw)
	if !ok {
		return 0, false
	}
	return int(v), true
}

func coerceInt64(raw json.RawMessage) (int64, bool) {
	if raw == nil {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := strconv.ParseInt(n.String(), 10, 64); err == nil {
			return v, true
		}
		return 0, false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

// coerceContext keeps string keys whose values are scalars, stringifying
// numbers and booleans. Anything else is dropped.
func coerceContext(raw json.RawMessage) map[string]string {
	context := map[string]string{}
	if raw == nil {
		return context
	}
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return context
	}
	for key, value := range values {
		switch v := value.(type) {
		case string:
			context[key] = v
		case bool:
			context[key] = strconv.FormatBool(v)
		case float64:
			context[key] = formatScalar(v)
		}
	}
	return context
}

func formatScalar(v float64) string {
	if v == float64(int64(v)) {
		return strconv.FormatInt(int64(v), 10)
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// formatContext renders a context map as "k=v" pairs in key order.
func formatContext(context map[string]string) string {
	if len(context) == 0 {
		return ""
	}
	keys := make([]string, 0, len(context))
	for key := range context {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", key, context[key]))
	}
	return strings.Join(parts, ", ")
}
