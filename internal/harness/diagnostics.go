package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LogcatTailLines bounds the device log tail captured in diagnostics.
const LogcatTailLines = 200

// DefaultArtifactRoot is where native crash bundles land unless overridden.
const DefaultArtifactRoot = "native-crash-artifacts"

// DiagnosticsDevice is the device surface diagnostics collection needs.
type DiagnosticsDevice interface {
	Pidof(ctx context.Context, pkg string) (string, error)
	ProcessTable(ctx context.Context) (table, command string, err error)
	ProcessListing(ctx context.Context) (string, error)
	LogcatTail(ctx context.Context, lines int) (string, error)
	ForceStop(ctx context.Context, pkg string) error
	KillPid(ctx context.Context, pid string) error
}

// Diagnostics gathers terminal-failure evidence: process liveness, the
// process table, a bounded logcat tail, and native crash tombstones exported
// by an external collector script.
type Diagnostics struct {
	Device          DiagnosticsDevice
	ArtifactRoot    string
	CollectorScript string
	Serial          string
	Diag            io.Writer
	Logger          *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
}

func (d *Diagnostics) diag() io.Writer {
	if d.Diag != nil {
		return d.Diag
	}
	return os.Stderr
}

func (d *Diagnostics) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return discardLogger
}

func (d *Diagnostics) clock() time.Time {
	if d.now != nil {
		return d.now()
	}
	return time.Now()
}

func (d *Diagnostics) pause(duration time.Duration) {
	if d.sleep != nil {
		d.sleep(duration)
		return
	}
	time.Sleep(duration)
}

// EmitStartup prints the startup-timeout evidence: candidate-package
// liveness, the process table, and a bounded logcat tail.
func (d *Diagnostics) EmitStartup(ctx context.Context, component string, session *Session) {
	fmt.Fprintln(d.diag(), "Screenshot harness did not reach the startup handshake in time; collecting diagnostics...")

	var candidates []string
	if pkg, _ := splitComponent(component); pkg != "" {
		candidates = append(candidates, pkg)
	}
	if session.Package != "" {
		candidates = appendUnique(candidates, session.Package)
	}

	if len(candidates) > 0 {
		fmt.Fprintln(d.diag(), "Candidate harness packages:")
		for _, pkg := range candidates {
			pids, err := d.Device.Pidof(ctx, pkg)
			if err != nil {
				fmt.Fprintf(d.diag(), "  %s: not running\n", pkg)
				continue
			}
			if pids == "" {
				pids = "<unknown>"
			}
			fmt.Fprintf(d.diag(), "  %s: pid(s) %s\n", pkg, pids)
		}
	}

	table, command, err := d.Device.ProcessTable(ctx)
	if err != nil {
		fmt.Fprintln(d.diag(), "Unable to capture process table from device")
	} else {
		fmt.Fprintf(d.diag(), "Process table (%s):\n", command)
		printBlock(d.diag(), table)
	}

	tail, err := d.Device.LogcatTail(ctx, LogcatTailLines)
	if err != nil {
		fmt.Fprintf(d.diag(), "Failed to capture logcat: %v\n", err)
		return
	}
	fmt.Fprintf(d.diag(), "Recent logcat (last %d lines):\n", LogcatTailLines)
	printBlock(d.diag(), tail)
}

// CollectCrashArtifacts allocates a fresh timestamped bundle directory,
// stores a zstd-compressed logcat tail in it, and runs the external
// tombstone collector against it.
func (d *Diagnostics) CollectCrashArtifacts(ctx context.Context, session *Session, component, reason string) {
	dir, err := d.allocateArtifactDir(reason)
	if err != nil {
		fmt.Fprintf(d.diag(), "Unable to prepare native crash artifact directory: %v\n", err)
		return
	}

	fmt.Fprintf(d.diag(), "Collecting native crash artifacts after %s; saving to %s\n", reason, dir)

	if tail, err := d.Device.LogcatTail(ctx, LogcatTailLines); err == nil {
		if err := writeCompressed(filepath.Join(dir, "logcat-tail.txt.zst"), tail); err != nil {
			d.logger().Warn("compress logcat tail", "err", err)
		}
	}

	if d.CollectorScript == "" {
		fmt.Fprintln(d.diag(), "Native crash artifact collector missing; skipping tombstone export")
		return
	}
	if _, err := os.Stat(d.CollectorScript); err != nil {
		fmt.Fprintln(d.diag(), "Native crash artifact collector missing; skipping tombstone export")
		return
	}

	cmd := exec.CommandContext(ctx, d.CollectorScript, dir)
	cmd.Env = os.Environ()
	if d.Serial != "" {
		cmd.Env = append(cmd.Env, "ANDROID_SERIAL="+d.Serial)
	}
	if session.Package != "" {
		cmd.Env = appendEnvDefault(cmd.Env, "PACKAGE_NAME", session.Package)
	}
	if pkg, _ := splitComponent(component); pkg != "" {
		cmd.Env = appendEnvDefault(cmd.Env, "TEST_PACKAGE_NAME", pkg)
	}
	cmd.Env = appendEnvDefault(cmd.Env, "COLLECT_NATIVE_LIBS", "false")
	cmd.Env = appendEnvDefault(cmd.Env, "PDFIUM_ONLY", "false")
	cmd.Stdout = d.diag()
	cmd.Stderr = d.diag()
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(d.diag(), "Native crash artifact collection failed: %v\n", err)
	}
}

// allocateArtifactDir creates <root>/<timestamp>-<reason>[-N]; after 64
// suffix collisions it falls back to a millisecond-timestamp suffix.
func (d *Diagnostics) allocateArtifactDir(reason string) (string, error) {
	root := d.ArtifactRoot
	if root == "" {
		root = DefaultArtifactRoot
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return "", err
	}

	sanitizedReason := sanitize(reason)
	if sanitizedReason == "" {
		sanitizedReason = "diagnostics"
	}
	stamp := d.clock().Format("20060102-150405")

	for attempt := 0; attempt < 64; attempt++ {
		suffix := ""
		if attempt > 0 {
			suffix = fmt.Sprintf("-%d", attempt)
		}
		candidate := filepath.Join(root, stamp+"-"+sanitizedReason+suffix)
		err := os.Mkdir(candidate, 0o755)
		if err == nil {
			return candidate, nil
		}
		if os.IsExist(err) {
			continue
		}
		return "", err
	}

	fallback := filepath.Join(root, fmt.Sprintf("%s-%s-%d", stamp, sanitizedReason, d.clock().UnixMilli()))
	if err := os.MkdirAll(fallback, 0o755); err != nil {
		return "", err
	}
	return fallback, nil
}

// CleanupLingering force-stops instrumentation processes that survived the
// run, escalating to SIGKILL and finally reporting stubborn pids.
func (d *Diagnostics) CleanupLingering(ctx context.Context, session *Session) {
	packages := session.CandidatePackages()
	if len(packages) == 0 {
		return
	}

	listing, err := d.Device.ProcessListing(ctx)
	if err != nil {
		fmt.Fprintf(d.diag(), "Unable to inspect device processes for lingering instrumentation: %v\n", err)
		return
	}
	lingering := matchProcesses(parseProcessListing(listing), packages)
	if len(lingering) == 0 {
		return
	}

	for _, entry := range lingering {
		fmt.Fprintf(d.diag(), "Detected lingering instrumentation process %s (pid %s) for %s\n", entry.Name, entry.PID, entry.Package)
	}

	stopped := map[string]bool{}
	for _, entry := range lingering {
		if stopped[entry.Package] {
			continue
		}
		stopped[entry.Package] = true
		fmt.Fprintf(d.diag(), "Detected lingering instrumentation processes for %s; force stopping package\n", entry.Package)
		if err := d.Device.ForceStop(ctx, entry.Package); err != nil {
			fmt.Fprintf(d.diag(), "Unable to force-stop %s: %v\n", entry.Package, err)
		}
	}

	d.pause(time.Second)

	listing, err = d.Device.ProcessListing(ctx)
	if err != nil {
		fmt.Fprintf(d.diag(), "Unable to verify lingering instrumentation cleanup: %v\n", err)
		return
	}
	remaining := matchProcesses(parseProcessListing(listing), packages)
	if len(remaining) == 0 {
		return
	}
	for _, entry := range remaining {
		fmt.Fprintf(d.diag(), "Lingering instrumentation process %s (pid %s) survived force-stop; sending SIGKILL\n", entry.Name, entry.PID)
		if err := d.Device.KillPid(ctx, entry.PID); err != nil {
			fmt.Fprintf(d.diag(), "Unable to terminate instrumentation process %s (pid %s): %v\n", entry.Name, entry.PID, err)
		}
	}

	d.pause(500 * time.Millisecond)

	listing, err = d.Device.ProcessListing(ctx)
	if err != nil {
		return
	}
	for _, entry := range matchProcesses(parseProcessListing(listing), packages) {
		fmt.Fprintf(d.diag(), "Instrumentation process %s (pid %s) could not be terminated automatically; manual cleanup required for %s\n", entry.Name, entry.PID, entry.Package)
	}
}

type processEntry struct {
	PID     string
	Name    string
	Package string
}

// parseProcessListing reads `ps -A -o PID,PPID,NAME` style output, skipping
// header rows.
func parseProcessListing(output string) []processEntry {
	var entries []processEntry
	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" {
			continue
		}
		upper := strings.ToUpper(stripped)
		if strings.HasPrefix(upper, "PID") || strings.HasPrefix(upper, "USER") {
			continue
		}
		fields := strings.Fields(stripped)
		if len(fields) < 3 {
			continue
		}
		entries = append(entries, processEntry{PID: fields[0], Name: fields[2]})
	}
	return entries
}

func matchProcesses(entries []processEntry, packages []string) []processEntry {
	var matched []processEntry
	for _, entry := range entries {
		for _, pkg := range packages {
			if entry.Name == pkg || strings.HasPrefix(entry.Name, pkg+":") {
				entry.Package = pkg
				matched = append(matched, entry)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Package < matched[j].Package })
	return matched
}

func writeCompressed(path, content string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	encoder, err := zstd.NewWriter(file)
	if err != nil {
		file.Close()
		return err
	}
	if _, err := io.WriteString(encoder, content); err != nil {
		encoder.Close()
		file.Close()
		return err
	}
	if err := encoder.Close(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

func printBlock(w io.Writer, block string) {
	if block == "" {
		return
	}
	if strings.HasSuffix(block, "\n") {
		fmt.Fprint(w, block)
		return
	}
	fmt.Fprintln(w, block)
}

func appendUnique(values []string, value string) []string {
	for _, existing := range values {
		if existing == value {
			return values
		}
	}
	return append(values, value)
}

func appendEnvDefault(env []string, key, value string) []string {
	prefix := key + "="
	for _, entry := range env {
		if strings.HasPrefix(entry, prefix) {
			return env
		}
	}
	return append(env, prefix+value)
}
