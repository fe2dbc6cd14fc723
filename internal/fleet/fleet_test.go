package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const devicesOutput = `List of devices attached
emulator-5554          device product:sdk_gphone64_x86_64 model:sdk_gphone64_x86_64 device:emu64xa transport_id:1
R5CT20ABCDE            unauthorized transport_id:2
* daemon started successfully *
0A041FDD4003EM         offline
`

func TestParseDevices(t *testing.T) {
	records := ParseDevices(devicesOutput)
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}
	if records[0].Serial != "emulator-5554" || records[0].State != "device" {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[0].Attrs["model"] != "sdk_gphone64_x86_64" {
		t.Fatalf("model attribute not parsed: %+v", records[0].Attrs)
	}
	if records[2].State != "offline" {
		t.Fatalf("offline record not kept: %+v", records[2])
	}
}

func TestFilterReportsMissingSerials(t *testing.T) {
	records := ParseDevices(devicesOutput)
	kept, missing := Filter(records, []string{"emulator-5554", "no-such-device"})
	if len(kept) != 1 || kept[0].Serial != "emulator-5554" {
		t.Fatalf("unexpected kept records: %+v", kept)
	}
	if len(missing) != 1 || missing[0] != "no-such-device" {
		t.Fatalf("unexpected missing list: %v", missing)
	}
}

func TestSweepVerdicts(t *testing.T) {
	checker := CheckerFunc(func(ctx context.Context, serial string) CheckResult {
		switch serial {
		case "healthy":
			return CheckResult{Lines: []string{
				`HARNESS PHASE: {"event":"harness_phase","type":"start","component":"healthcheck","operation":"boot"}`,
				"HARNESS TESTPOINT: cache_ready",
			}}
		case "signals-error":
			return CheckResult{Lines: []string{"HARNESS TESTPOINT: error_signaled: dependency graph broken"}}
		case "bad-exit":
			return CheckResult{ExitCode: 1}
		default:
			return CheckResult{Err: errors.New("adb unreachable")}
		}
	})
	sweeper := NewSweeper(checker)

	records := []DeviceRecord{
		{Serial: "healthy", State: "device"},
		{Serial: "signals-error", State: "device"},
		{Serial: "bad-exit", State: "device"},
		{Serial: "broken", State: "device"},
		{Serial: "stuck", State: "offline"},
	}
	report := sweeper.Sweep(context.Background(), records, []string{"ghost"})

	if report.Passed != 1 || report.Failed != 5 {
		t.Fatalf("unexpected totals: passed=%d failed=%d", report.Passed, report.Failed)
	}
	bySerial := map[string]Result{}
	for _, result := range report.Results {
		bySerial[result.Serial] = result
	}
	if !bySerial["healthy"].Passed || bySerial["healthy"].PhaseEvents != 1 || bySerial["healthy"].TestPoints != 1 {
		t.Fatalf("healthy device misjudged: %+v", bySerial["healthy"])
	}
	if bySerial["signals-error"].Reason != ReasonErrorSignaled {
		t.Fatalf("error testpoint not detected: %+v", bySerial["signals-error"])
	}
	if bySerial["bad-exit"].Reason != ReasonNonZeroExit {
		t.Fatalf("nonzero exit not detected: %+v", bySerial["bad-exit"])
	}
	if bySerial["broken"].Reason != ReasonCheckError {
		t.Fatalf("check error not detected: %+v", bySerial["broken"])
	}
	if bySerial["stuck"].Reason != ReasonBadState {
		t.Fatalf("offline device not skipped: %+v", bySerial["stuck"])
	}
	if bySerial["ghost"].Reason != ReasonNotFound {
		t.Fatalf("missing serial not recorded: %+v", bySerial["ghost"])
	}
}

func TestExitCodes(t *testing.T) {
	if got := ExitCode(Report{}, errors.New("no adb")); got != 2 {
		t.Fatalf("enumeration failure: got %d", got)
	}
	if got := ExitCode(Report{Failed: 1}, nil); got != 1 {
		t.Fatalf("failed device: got %d", got)
	}
	if got := ExitCode(Report{Passed: 3}, nil); got != 0 {
		t.Fatalf("all passed: got %d", got)
	}
}

func TestWriteJSONRoundTrip(t *testing.T) {
	report := Report{Results: []Result{{Serial: "emulator-5554", Passed: true}}, Passed: 1}
	path := filepath.Join(t.TempDir(), "reports", "fleet.json")
	if err := report.WriteJSON(path); err != nil {
		t.Fatalf("write report: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if len(decoded.Results) != 1 || decoded.Results[0].Serial != "emulator-5554" {
		t.Fatalf("round trip mismatch: %+v", decoded)
	}
}

func TestSummarizeMentionsReason(t *testing.T) {
	report := Report{
		Results: []Result{
			{Serial: "a", Passed: true},
			{Serial: "b", Reason: ReasonBadState, Detail: `device state is "offline"`},
		},
		Passed: 1,
		Failed: 1,
	}
	var buf strings.Builder
	report.Summarize(&buf)
	out := buf.String()
	for _, fragment := range []string{"PASS", "FAIL", ReasonBadState, "1 passed, 1 failed"} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("summary missing %q:\n%s", fragment, out)
		}
	}
}
