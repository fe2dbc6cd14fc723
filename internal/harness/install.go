package harness

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// virtualizationPhrases are install-tool output fragments that indicate the
// execution environment cannot host a hardware-accelerated emulator.
var virtualizationPhrases = []string{
	"/dev/kvm",
	"KVM is required",
	"HAXM is not installed",
	"x86 emulation currently requires hardware acceleration",
	"hardware acceleration is unavailable",
}

// GradleInstaller installs the debug and androidTest APKs through the Gradle
// wrapper. It satisfies Installer for the resolver and recovery controller.
type GradleInstaller struct {
	ProjectRoot string
	Diag        io.Writer
	Logger      *slog.Logger
}

// Install runs the wrapper and reports the outcome. A missing wrapper is not
// an attempt; a failed run scans the build output for virtualization gaps.
func (g *GradleInstaller) Install(ctx context.Context) AutoInstallResult {
	diag := g.Diag
	if diag == nil {
		diag = os.Stderr
	}
	wrapper := gradleWrapperPath(g.ProjectRoot)
	if wrapper == "" {
		fmt.Fprintln(diag, "Unable to locate the Gradle wrapper; skipping automatic debug APK installation.")
		return AutoInstallResult{VirtualizationUnavailable: VirtualizationUnavailable()}
	}

	fmt.Fprintln(diag, "Installing debug APKs via Gradle to satisfy screenshot harness dependencies...")
	cmd := exec.CommandContext(ctx, wrapper, ":app:installDebug", ":app:installDebugAndroidTest")
	cmd.Dir = filepath.Dir(wrapper)
	var output bytes.Buffer
	cmd.Stdout = io.MultiWriter(&output, diag)
	cmd.Stderr = io.MultiWriter(&output, diag)

	result := AutoInstallResult{Attempted: true}
	if err := cmd.Run(); err != nil {
		fmt.Fprintln(diag, "Gradle installation of debug APKs failed; instrumentation may remain unavailable.")
		fmt.Fprintf(diag, "Gradle install error: %v\n", err)
		result.VirtualizationUnavailable = scanForVirtualizationGap(output.String()) || VirtualizationUnavailable()
		return result
	}
	result.Succeeded = true
	return result
}

func gradleWrapperPath(projectRoot string) string {
	if projectRoot == "" {
		return ""
	}
	name := "gradlew"
	if runtime.GOOS == "windows" {
		name = "gradlew.bat"
	}
	candidate := filepath.Join(projectRoot, name)
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

func scanForVirtualizationGap(output string) bool {
	lowered := strings.ToLower(output)
	for _, phrase := range virtualizationPhrases {
		if strings.Contains(lowered, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

// VirtualizationUnavailable probes the environment for signals that no
// emulator can ever become available on this runner. An explicit
// NOVAPDF_REQUIRE_CONNECTED_DEVICE=true overrides every other signal.
func VirtualizationUnavailable() bool {
	if v, ok := parseOptionalBool(os.Getenv("NOVAPDF_REQUIRE_CONNECTED_DEVICE")); ok && v {
		return false
	}
	if v, ok := parseOptionalBool(os.Getenv("ACTIONS_RUNNER_DISABLE_NESTED_VIRTUALIZATION")); ok && v {
		return true
	}
	preference := strings.ToLower(strings.TrimSpace(os.Getenv("ACTIONS_RUNNER_ACCELERATION_PREFERENCE")))
	return preference == "software" || preference == "none"
}

func parseOptionalBool(value string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, true
	case "0", "false", "f", "no", "n", "off":
		return false, true
	default:
		return false, false
	}
}
