package harness

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
)

type fakeDiagDevice struct {
	pids       map[string]string
	table      string
	listings   []string
	listingIdx int
	logcat     string
	logcatErr  error

	forceStopped []string
	killed       []string
	forceStopErr error
}

func (f *fakeDiagDevice) Pidof(ctx context.Context, pkg string) (string, error) {
	pids, ok := f.pids[pkg]
	if !ok {
		return "", errors.New("no process")
	}
	return pids, nil
}

func (f *fakeDiagDevice) ProcessTable(ctx context.Context) (string, string, error) {
	return f.table, "shell ps -A", nil
}

func (f *fakeDiagDevice) ProcessListing(ctx context.Context) (string, error) {
	if f.listingIdx >= len(f.listings) {
		return "", nil
	}
	listing := f.listings[f.listingIdx]
	f.listingIdx++
	return listing, nil
}

func (f *fakeDiagDevice) LogcatTail(ctx context.Context, lines int) (string, error) {
	if f.logcatErr != nil {
		return "", f.logcatErr
	}
	return f.logcat, nil
}

func (f *fakeDiagDevice) ForceStop(ctx context.Context, pkg string) error {
	f.forceStopped = append(f.forceStopped, pkg)
	return f.forceStopErr
}

func (f *fakeDiagDevice) KillPid(ctx context.Context, pid string) error {
	f.killed = append(f.killed, pid)
	return nil
}

func TestEmitStartupReportsLiveness(t *testing.T) {
	device := &fakeDiagDevice{
		pids:   map[string]string{"com.novapdf.reader.test": "4242"},
		table:  "PID NAME\n4242 com.novapdf.reader.test",
		logcat: "some log line",
	}
	var diag strings.Builder
	d := &Diagnostics{Device: device, Diag: &diag}

	session := NewSession("com.novapdf.reader", nil, &diag)
	d.EmitStartup(context.Background(), "com.novapdf.reader.test/Runner", session)

	out := diag.String()
	for _, fragment := range []string{
		"com.novapdf.reader.test: pid(s) 4242",
		"com.novapdf.reader: not running",
		"Process table (shell ps -A):",
		"Recent logcat (last 200 lines):",
		"some log line",
	} {
		if !strings.Contains(out, fragment) {
			t.Fatalf("startup diagnostics missing %q:\n%s", fragment, out)
		}
	}
}

func TestAllocateArtifactDirSuffixesOnCollision(t *testing.T) {
	root := t.TempDir()
	fixed := time.Date(2026, 8, 26, 10, 30, 0, 0, time.UTC)
	d := &Diagnostics{Device: &fakeDiagDevice{}, ArtifactRoot: root, now: func() time.Time { return fixed }}

	first, err := d.allocateArtifactDir("startup timeout")
	if err != nil {
		t.Fatalf("first allocate: %v", err)
	}
	if filepath.Base(first) != "20260826-103000-startup_timeout" {
		t.Fatalf("unexpected dir name %q", filepath.Base(first))
	}
	second, err := d.allocateArtifactDir("startup timeout")
	if err != nil {
		t.Fatalf("second allocate: %v", err)
	}
	if filepath.Base(second) != "20260826-103000-startup_timeout-1" {
		t.Fatalf("collision suffix wrong: %q", filepath.Base(second))
	}
}

func TestCollectCrashArtifactsWritesCompressedLogcat(t *testing.T) {
	root := t.TempDir()
	device := &fakeDiagDevice{logcat: "crash crash crash"}
	var diag strings.Builder
	d := &Diagnostics{Device: device, ArtifactRoot: root, Diag: &diag}

	session := NewSession("com.novapdf.reader", nil, &diag)
	d.CollectCrashArtifacts(context.Background(), session, "com.novapdf.reader.test/Runner", "system-server-crash")

	entries, err := os.ReadDir(root)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected one artifact dir: %v err=%v", entries, err)
	}
	compressed := filepath.Join(root, entries[0].Name(), "logcat-tail.txt.zst")
	data, err := os.ReadFile(compressed)
	if err != nil {
		t.Fatalf("compressed logcat missing: %v", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		t.Fatalf("zstd reader: %v", err)
	}
	defer decoder.Close()
	plain, err := decoder.DecodeAll(data, nil)
	if err != nil || string(plain) != "crash crash crash" {
		t.Fatalf("decompressed content wrong: %q err=%v", plain, err)
	}
	if !strings.Contains(diag.String(), "collector missing; skipping tombstone export") {
		t.Fatalf("missing-collector notice absent:\n%s", diag.String())
	}
}

func TestParseProcessListingSkipsHeaders(t *testing.T) {
	listing := strings.Join([]string{
		"PID   PPID  NAME",
		"1234  1     com.novapdf.reader",
		"1300  1     com.novapdf.reader:remote",
		"",
		"2000  1     com.other.app",
	}, "\n")
	entries := parseProcessListing(listing)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", entries)
	}
	if entries[0].PID != "1234" || entries[0].Name != "com.novapdf.reader" {
		t.Fatalf("first entry wrong: %+v", entries[0])
	}
}

func TestMatchProcessesIncludesSubprocesses(t *testing.T) {
	entries := []processEntry{
		{PID: "1", Name: "com.novapdf.reader"},
		{PID: "2", Name: "com.novapdf.reader:sandbox"},
		{PID: "3", Name: "com.novapdf.readerx"},
	}
	matched := matchProcesses(entries, []string{"com.novapdf.reader"})
	if len(matched) != 2 {
		t.Fatalf("expected 2 matches, got %+v", matched)
	}
}

func TestCleanupLingeringEscalates(t *testing.T) {
	running := "PID PPID NAME\n10 1 com.novapdf.reader\n11 1 com.novapdf.reader:svc"
	device := &fakeDiagDevice{
		listings: []string{
			running,         // initial scan
			running,         // after force-stop, still alive
			"PID PPID NAME", // after SIGKILL, gone
		},
	}
	var diag strings.Builder
	d := &Diagnostics{Device: device, Diag: &diag, sleep: func(time.Duration) {}}

	session := NewSession("com.novapdf.reader", nil, &diag)
	d.CleanupLingering(context.Background(), session)

	if len(device.forceStopped) != 1 || device.forceStopped[0] != "com.novapdf.reader" {
		t.Fatalf("force-stop per package expected: %v", device.forceStopped)
	}
	if len(device.killed) != 2 {
		t.Fatalf("expected SIGKILL for both pids: %v", device.killed)
	}
	if strings.Contains(diag.String(), "manual cleanup required") {
		t.Fatalf("processes terminated, no manual cleanup expected:\n%s", diag.String())
	}
}

func TestCleanupLingeringNoMatchesIsQuiet(t *testing.T) {
	device := &fakeDiagDevice{listings: []string{"PID PPID NAME\n10 1 com.other.app"}}
	var diag strings.Builder
	d := &Diagnostics{Device: device, Diag: &diag, sleep: func(time.Duration) {}}
	session := NewSession("com.novapdf.reader", nil, &diag)
	d.CleanupLingering(context.Background(), session)
	if diag.Len() != 0 {
		t.Fatalf("unexpected output:\n%s", diag.String())
	}
}
