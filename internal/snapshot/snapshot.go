// Package snapshot declares the resource snapshot collaborator used by the
// fleet health sweep. Collection itself lives outside the engine; the sweep
// treats any implementation as a black box and records only success or error.
package snapshot

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Collector grabs a point-in-time resource snapshot (memory, disk, battery)
// for one device and writes it under dir. It returns the path of the
// artifact it produced.
type Collector interface {
	Collect(ctx context.Context, serial, dir string) (string, error)
}

// Func adapts a plain function to the Collector interface.
type Func func(ctx context.Context, serial, dir string) (string, error)

func (f Func) Collect(ctx context.Context, serial, dir string) (string, error) {
	return f(ctx, serial, dir)
}

// ScriptCollector shells out to an external snapshot script. The script
// receives a per-device destination directory as its only argument and the
// device serial through ANDROID_SERIAL.
type ScriptCollector struct {
	Script string
}

func (c ScriptCollector) Collect(ctx context.Context, serial, dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	dest := filepath.Join(dir, sanitizeSerial(serial))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, c.Script, dest)
	cmd.Env = os.Environ()
	if serial != "" {
		cmd.Env = append(cmd.Env, "ANDROID_SERIAL="+serial)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("snapshot script: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return dest, nil
}

// sanitizeSerial maps a device serial to a directory-safe name. Transport
// serials like "usb:1.4" carry characters unsuitable for paths.
func sanitizeSerial(serial string) string {
	var b strings.Builder
	for _, r := range serial {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := strings.Trim(b.String(), "._")
	if name == "" {
		return "device"
	}
	return name
}
