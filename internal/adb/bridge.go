// Package adb wraps the adb command-line bridge used to talk to a device.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Bridge issues shell commands to one device through the adb executable.
// Serial is optional; when set every invocation is pinned with -s.
type Bridge struct {
	Path   string
	Serial string
}

// New returns a Bridge for the given executable path and optional serial.
func New(path, serial string) *Bridge {
	if strings.TrimSpace(path) == "" {
		path = "adb"
	}
	return &Bridge{Path: path, Serial: serial}
}

// Args prepends the executable and serial selector to the given arguments,
// producing the full argv for one adb invocation.
func (b *Bridge) Args(args ...string) []string {
	argv := make([]string, 0, len(args)+3)
	argv = append(argv, b.Path)
	if b.Serial != "" {
		argv = append(argv, "-s", b.Serial)
	}
	return append(argv, args...)
}

func (b *Bridge) run(ctx context.Context, args ...string) (string, error) {
	argv := b.Args(args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.String(), fmt.Errorf("adb %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.String(), nil
}

// Output runs an adb command and returns its stdout.
func (b *Bridge) Output(ctx context.Context, args ...string) (string, error) {
	return b.run(ctx, args...)
}

// Run runs an adb command, discarding stdout.
func (b *Bridge) Run(ctx context.Context, args ...string) error {
	_, err := b.run(ctx, args...)
	return err
}

// RawOutput runs an adb command and returns its stdout bytes unmodified.
// Used for binary payloads such as screencap output.
func (b *Bridge) RawOutput(ctx context.Context, args ...string) ([]byte, error) {
	argv := b.Args(args...)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("adb %s: %s", strings.Join(args, " "), msg)
	}
	return stdout.Bytes(), nil
}

// ListInstrumentation returns the raw `pm list instrumentation` output,
// optionally scoped to a package prefix.
func (b *Bridge) ListInstrumentation(ctx context.Context, pkg string) (string, error) {
	args := []string{"shell", "pm", "list", "instrumentation"}
	if pkg != "" {
		args = append(args, pkg)
	}
	return b.Output(ctx, args...)
}

// ListPackages returns the raw `pm list packages` output.
func (b *Bridge) ListPackages(ctx context.Context) (string, error) {
	return b.Output(ctx, "shell", "pm", "list", "packages")
}

// DumpsysPackage returns the `dumpsys package` output for one package.
func (b *Bridge) DumpsysPackage(ctx context.Context, pkg string) (string, error) {
	return b.Output(ctx, "shell", "dumpsys", "package", pkg)
}

// PackageInstalled reports whether `pm path` resolves the package.
func (b *Bridge) PackageInstalled(ctx context.Context, pkg string) bool {
	_, err := b.Output(ctx, "shell", "pm", "path", pkg)
	return err == nil
}

// ReadFileAs reads a file as the target application user via run-as.
func (b *Bridge) ReadFileAs(ctx context.Context, pkg, path string) (string, error) {
	return b.Output(ctx, "shell", "run-as", pkg, "cat", path)
}

// TruncateFileAs truncates a file as the target application user. This is
// the primary completion-signal mechanism.
func (b *Bridge) TruncateFileAs(ctx context.Context, pkg, path string) error {
	return b.Run(ctx, "shell", "run-as", pkg, "sh", "-c", "> "+shellQuote(path))
}

// WriteDoneMarkerAs writes a literal "done" marker into the file, used when
// plain truncation fails.
func (b *Bridge) WriteDoneMarkerAs(ctx context.Context, pkg, path string) error {
	return b.Run(ctx, "shell", "run-as", pkg, "sh", "-c", "echo done > "+shellQuote(path))
}

// Screencap captures the screen as a PNG byte stream.
func (b *Bridge) Screencap(ctx context.Context) ([]byte, error) {
	return b.RawOutput(ctx, "exec-out", "screencap", "-p")
}

// Pidof returns the pid list for a package name, or an error when the
// process is not running.
func (b *Bridge) Pidof(ctx context.Context, pkg string) (string, error) {
	out, err := b.Output(ctx, "shell", "pidof", pkg)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ProcessTable dumps the device process table, preferring `ps -A` and
// falling back to plain `ps`. The returned label names the command used.
func (b *Bridge) ProcessTable(ctx context.Context) (string, string, error) {
	for _, args := range [][]string{{"shell", "ps", "-A"}, {"shell", "ps"}} {
		out, err := b.Output(ctx, args...)
		if err == nil {
			return out, strings.Join(args, " "), nil
		}
	}
	return "", "", fmt.Errorf("unable to capture process table from device")
}

// ProcessListing returns `ps -A -o PID,PPID,NAME` output for lingering
// process detection.
func (b *Bridge) ProcessListing(ctx context.Context) (string, error) {
	return b.Output(ctx, "shell", "ps", "-A", "-o", "PID,PPID,NAME")
}

// LogcatTail returns the last n lines of the device log in brief format.
func (b *Bridge) LogcatTail(ctx context.Context, lines int) (string, error) {
	return b.Output(ctx, "shell", "logcat", "-d", "-v", "brief", "-t", strconv.Itoa(lines))
}

// CheckService returns the `service check` status line for a service name.
func (b *Bridge) CheckService(ctx context.Context, name string) (string, error) {
	out, err := b.Output(ctx, "shell", "service", "check", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// WaitForDevice blocks until adb reports the device as connected.
func (b *Bridge) WaitForDevice(ctx context.Context) error {
	return b.Run(ctx, "wait-for-device")
}

// ForceStop force-stops every process of a package.
func (b *Bridge) ForceStop(ctx context.Context, pkg string) error {
	return b.Run(ctx, "shell", "am", "force-stop", pkg)
}

// KillPid sends SIGKILL to a device-side pid.
func (b *Bridge) KillPid(ctx context.Context, pid string) error {
	return b.Run(ctx, "shell", "kill", "-9", pid)
}

// Devices returns the raw `adb devices -l` listing. Serial pinning is
// deliberately skipped here; the listing covers the whole fleet.
func (b *Bridge) Devices(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, b.Path, "devices", "-l")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("adb devices -l: %s", msg)
	}
	return stdout.String(), nil
}

// shellQuote wraps a value in single quotes for the device shell, escaping
// embedded quotes the POSIX way.
func shellQuote(value string) string {
	if value == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}
