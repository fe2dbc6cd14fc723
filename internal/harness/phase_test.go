package harness

import "testing"

func TestParsePhaseEventComplete(t *testing.T) {
	line := `HARNESS PHASE: {"event":"harness_phase","type":"retry","component":"renderer","operation":"open_document","attempt":2,"timestampMs":1724660000123,"context":{"pageCount":1000,"warm":true,"docId":"thousand-pages"},"checkpoint":"after_parse","detail":"transient decode failure","nextAttempt":3,"errorType":"IOException","errorMessage":"stream reset"}`
	event, ok := ParsePhaseEvent(line)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if event.Type != PhaseRetry || event.Component != "renderer" || event.Operation != "open_document" || event.Attempt != 2 {
		t.Fatalf("identity fields wrong: %+v", event)
	}
	if event.TimestampMs == nil || *event.TimestampMs != 1724660000123 {
		t.Fatalf("timestamp wrong: %+v", event.TimestampMs)
	}
	if event.Context["pageCount"] != "1000" || event.Context["warm"] != "true" || event.Context["docId"] != "thousand-pages" {
		t.Fatalf("context coercion wrong: %+v", event.Context)
	}
	if event.Checkpoint != "after_parse" || event.Detail != "transient decode failure" {
		t.Fatalf("checkpoint/detail wrong: %+v", event)
	}
	if event.NextAttempt == nil || *event.NextAttempt != 3 {
		t.Fatalf("nextAttempt wrong: %+v", event.NextAttempt)
	}
	if event.ErrorType != "IOException" || event.ErrorMessage != "stream reset" {
		t.Fatalf("error fields wrong: %+v", event)
	}
}

func TestParsePhaseEventStringAttempt(t *testing.T) {
	line := `HARNESS PHASE: {"event":"harness_phase","type":"start","component":"c","operation":"o","attempt":"4"}`
	event, ok := ParsePhaseEvent(line)
	if !ok || event.Attempt != 4 {
		t.Fatalf("string attempt not coerced: ok=%v event=%+v", ok, event)
	}
}

func TestParsePhaseEventTotality(t *testing.T) {
	malformed := []string{
		"not a harness line",
		"HARNESS PHASE: ",
		"HARNESS PHASE: not json",
		`HARNESS PHASE: {"event":"other","type":"start","component":"c","operation":"o","attempt":1}`,
		`HARNESS PHASE: {"event":"harness_phase","type":"start","component":"c","attempt":1}`,
		`HARNESS PHASE: {"event":"harness_phase","type":"start","component":"c","operation":"o"}`,
		`HARNESS PHASE: {"event":"harness_phase","type":"start","component":"c","operation":"o","attempt":"soon"}`,
		`HARNESS PHASE: {"event":"harness_phase","type":"start","component":"c","operation":"o","attempt":1.5}`,
	}
	for _, line := range malformed {
		if event, ok := ParsePhaseEvent(line); ok {
			t.Fatalf("expected %q to be rejected, got %+v", line, event)
		}
	}
}

func TestParsePhaseEventDropsNonScalarContext(t *testing.T) {
	line := `HARNESS PHASE: {"event":"harness_phase","type":"start","component":"c","operation":"o","attempt":1,"context":{"list":[1,2],"nested":{"a":1},"kept":"yes"}}`
	event, ok := ParsePhaseEvent(line)
	if !ok {
		t.Fatalf("expected line to parse")
	}
	if len(event.Context) != 1 || event.Context["kept"] != "yes" {
		t.Fatalf("non-scalar context values should be dropped: %+v", event.Context)
	}
}

func TestFormatContextSorted(t *testing.T) {
	got := formatContext(map[string]string{"b": "2", "a": "1", "c": "3"})
	if got != "a=1, b=2, c=3" {
		t.Fatalf("unexpected context rendering %q", got)
	}
	if formatContext(nil) != "" {
		t.Fatalf("nil context should render empty")
	}
}
