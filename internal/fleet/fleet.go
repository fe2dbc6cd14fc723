// Package fleet sweeps every connected device with the harness healthcheck
// and aggregates the results into a pass/fail report.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/p2k3m/novaharness/internal/harness"
	"github.com/p2k3m/novaharness/internal/snapshot"
)

// DeviceRecord is one row of `adb devices -l`.
type DeviceRecord struct {
	Serial string            `json:"serial"`
	State  string            `json:"state"`
	Attrs  map[string]string `json:"attrs,omitempty"`
}

// Failure reasons recorded on Result.
const (
	ReasonBadState      = "device_not_ready"
	ReasonCheckError    = "healthcheck_error"
	ReasonNonZeroExit   = "healthcheck_nonzero_exit"
	ReasonErrorSignaled = "error_testpoint_signaled"
	ReasonNotFound      = "device_not_found"
)

// CheckResult is the outcome of one healthcheck instrumentation run.
type CheckResult struct {
	ExitCode int
	Lines    []string
	Err      error
}

// Checker runs the healthcheck instrumentation on one device.
type Checker interface {
	Check(ctx context.Context, serial string) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func(ctx context.Context, serial string) CheckResult

func (f CheckerFunc) Check(ctx context.Context, serial string) CheckResult {
	return f(ctx, serial)
}

// Result is the per-device verdict.
type Result struct {
	Serial       string `json:"serial"`
	State        string `json:"state"`
	Model        string `json:"model,omitempty"`
	Passed       bool   `json:"passed"`
	Reason       string `json:"reason,omitempty"`
	Detail       string `json:"detail,omitempty"`
	ExitCode     int    `json:"exitCode"`
	PhaseEvents  int    `json:"phaseEvents"`
	TestPoints   int    `json:"testPoints"`
	SnapshotPath string `json:"snapshotPath,omitempty"`
	DurationMs   int64  `json:"durationMs"`
}

// Report aggregates one sweep.
type Report struct {
	GeneratedAt time.Time `json:"generatedAt"`
	Results     []Result  `json:"results"`
	Passed      int       `json:"passed"`
	Failed      int       `json:"failed"`
}

// ParseDevices decodes `adb devices -l` output into records. The header line
// and daemon chatter are skipped.
func ParseDevices(output string) []DeviceRecord {
	var records []DeviceRecord
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		record := DeviceRecord{Serial: fields[0], State: fields[1]}
		for _, field := range fields[2:] {
			key, value, ok := strings.Cut(field, ":")
			if !ok {
				continue
			}
			if record.Attrs == nil {
				record.Attrs = map[string]string{}
			}
			record.Attrs[key] = value
		}
		records = append(records, record)
	}
	return records
}

// Filter keeps the records whose serial is in requested. With an empty
// request every record passes. The second return value lists requested
// serials that were not found.
func Filter(records []DeviceRecord, requested []string) ([]DeviceRecord, []string) {
	if len(requested) == 0 {
		return records, nil
	}
	bySerial := make(map[string]DeviceRecord, len(records))
	for _, record := range records {
		bySerial[record.Serial] = record
	}
	var kept []DeviceRecord
	var missing []string
	for _, serial := range requested {
		serial = strings.TrimSpace(serial)
		if serial == "" {
			continue
		}
		record, ok := bySerial[serial]
		if !ok {
			missing = append(missing, serial)
			continue
		}
		kept = append(kept, record)
	}
	return kept, missing
}

// Sweeper runs the healthcheck across a device list, one device at a time.
type Sweeper struct {
	Checker     Checker
	Snapshots   snapshot.Collector
	SnapshotDir string
	Out         io.Writer
	Logger      *slog.Logger

	now func() time.Time
}

// NewSweeper wires a sweeper with sane defaults.
func NewSweeper(checker Checker) *Sweeper {
	return &Sweeper{
		Checker: checker,
		Out:     os.Stdout,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:     time.Now,
	}
}

// Sweep runs sequentially over the records plus a failure record for each
// missing requested serial.
func (s *Sweeper) Sweep(ctx context.Context, records []DeviceRecord, missing []string) Report {
	if s.now == nil {
		s.now = time.Now
	}
	report := Report{GeneratedAt: s.now().UTC()}
	for _, serial := range missing {
		report.Results = append(report.Results, Result{
			Serial: serial,
			State:  "absent",
			Reason: ReasonNotFound,
			Detail: "requested serial not present in adb devices output",
		})
	}
	for _, record := range records {
		report.Results = append(report.Results, s.checkDevice(ctx, record))
	}
	for _, result := range report.Results {
		if result.Passed {
			report.Passed++
		} else {
			report.Failed++
		}
	}
	return report
}

func (s *Sweeper) checkDevice(ctx context.Context, record DeviceRecord) Result {
	result := Result{
		Serial: record.Serial,
		State:  record.State,
		Model:  record.Attrs["model"],
	}
	if record.State != "device" {
		result.Reason = ReasonBadState
		result.Detail = fmt.Sprintf("device state is %q", record.State)
		return result
	}

	start := s.now()
	check := s.Checker.Check(ctx, record.Serial)
	result.DurationMs = s.now().Sub(start).Milliseconds()
	result.ExitCode = check.ExitCode
	result.PhaseEvents, result.TestPoints = countMarkers(check.Lines)

	switch {
	case check.Err != nil:
		result.Reason = ReasonCheckError
		result.Detail = check.Err.Error()
	case errorSignaled(check.Lines):
		result.Reason = ReasonErrorSignaled
	case check.ExitCode != 0:
		result.Reason = ReasonNonZeroExit
		result.Detail = fmt.Sprintf("exit code %d", check.ExitCode)
	default:
		result.Passed = true
	}

	if s.Snapshots != nil {
		path, err := s.Snapshots.Collect(ctx, record.Serial, s.SnapshotDir)
		if err != nil {
			s.Logger.Warn("resource snapshot failed", "serial", record.Serial, "error", err)
		} else {
			result.SnapshotPath = path
		}
	}
	return result
}

func countMarkers(lines []string) (phases, testpoints int) {
	for _, line := range lines {
		if _, ok := harness.ParsePhaseEvent(line); ok {
			phases++
		}
		if _, _, ok := harness.ParseTestPoint(line); ok {
			testpoints++
		}
	}
	return phases, testpoints
}

func errorSignaled(lines []string) bool {
	for _, line := range lines {
		if point, _, ok := harness.ParseTestPoint(line); ok && point == harness.TestPointErrorSignaled {
			return true
		}
	}
	return false
}

// Summarize prints the per-device verdict table and totals.
func (r Report) Summarize(w io.Writer) {
	results := append([]Result(nil), r.Results...)
	sort.Slice(results, func(i, j int) bool { return results[i].Serial < results[j].Serial })
	for _, result := range results {
		status := "PASS"
		if !result.Passed {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%-4s %-24s state=%s phases=%d testpoints=%d", status, result.Serial, result.State, result.PhaseEvents, result.TestPoints)
		if result.Reason != "" {
			fmt.Fprintf(w, " reason=%s", result.Reason)
		}
		if result.Detail != "" {
			fmt.Fprintf(w, " (%s)", result.Detail)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "%d passed, %d failed\n", r.Passed, r.Failed)
}

// WriteJSON writes the report to path, creating parent directories.
func (r Report) WriteJSON(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode fleet report: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}

// ExitCode maps a sweep to the process exit code: 2 when enumeration
// failed, 1 when any device failed, 0 otherwise.
func ExitCode(report Report, enumerationErr error) int {
	if enumerationErr != nil {
		return 2
	}
	if report.Failed > 0 {
		return 1
	}
	return 0
}
