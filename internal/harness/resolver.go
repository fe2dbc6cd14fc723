package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
)

// ErrComponentNotFound marks a resolution attempt that found no usable
// instrumentation component, even after auto-install.
var ErrComponentNotFound = errors.New("instrumentation component not found")

var instrumentationLine = regexp.MustCompile(`^instrumentation:(\S+)`)

// AutoInstallResult records whether the remedial install collaborator ran and
// how it ended. VirtualizationUnavailable is set when the install output or
// environment indicates the runner cannot host an emulator.
type AutoInstallResult struct {
	Attempted                 bool
	Succeeded                 bool
	VirtualizationUnavailable bool
}

// Installer is the external build/install collaborator that installs the
// debug and androidTest APKs when the harness instrumentation is missing.
type Installer interface {
	Install(ctx context.Context) AutoInstallResult
}

// DeviceQuerier is the device surface the resolver needs.
type DeviceQuerier interface {
	PackageLister
	ListInstrumentation(ctx context.Context, pkg string) (string, error)
	DumpsysPackage(ctx context.Context, pkg string) (string, error)
	PackageInstalled(ctx context.Context, pkg string) bool
}

// Resolver discovers the concrete instrumentation component matching a
// requested, possibly wildcarded identifier.
type Resolver struct {
	Device    DeviceQuerier
	Installer Installer // nil disables the auto-install retry
	Diag      io.Writer
	Logger    *slog.Logger
}

func (r *Resolver) diag() io.Writer {
	if r.Diag != nil {
		return r.Diag
	}
	return os.Stderr
}

func (r *Resolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return discardLogger
}

// Resolve returns a concrete component for the requested identifier. The
// returned component never contains an unresolved wildcard. When resolution
// fails after the optional auto-install retry, ErrComponentNotFound is
// returned alongside the install result.
func (r *Resolver) Resolve(ctx context.Context, requested string) (string, AutoInstallResult, error) {
	requested = strings.TrimSpace(requested)
	pkg, runner := splitComponent(requested)

	var queries []string
	if pkg != "" && !strings.Contains(pkg, "*") {
		queries = append(queries, pkg)
	}
	queries = append(queries, "")

	install := AutoInstallResult{}

	if component := r.resolveOnce(ctx, requested, pkg, runner, queries, r.Installer != nil); component != "" {
		if final, ok := r.finalize(ctx, requested, component); ok {
			return final, install, nil
		}
	}

	if r.Installer == nil {
		return "", install, ErrComponentNotFound
	}

	install = r.Installer.Install(ctx)
	if component := r.resolveOnce(ctx, requested, pkg, runner, queries, false); component != "" {
		if final, ok := r.finalize(ctx, requested, component); ok {
			return final, install, nil
		}
	}

	r.emitNotFound(install)
	return "", install, ErrComponentNotFound
}

// finalize normalizes a discovered component and enforces the no-wildcard
// invariant before it is trusted.
func (r *Resolver) finalize(ctx context.Context, requested, component string) (string, bool) {
	normalized := r.normalizeComponent(ctx, component)
	preferred := r.preferRequested(ctx, requested, normalized)
	if strings.Contains(preferred, "*") {
		fmt.Fprintf(r.diag(), "Resolved instrumentation component %s still contains wildcard segments; rejecting it\n", preferred)
		return "", false
	}
	return preferred, true
}

// resolveOnce runs the query ladder from spec order: exact or wildcard-regex
// match, package-prefix match preferring the requested runner suffix, then
// the first discovered component overall.
func (r *Resolver) resolveOnce(ctx context.Context, requested, pkg, runner string, queries []string, suppressGuidance bool) string {
	packageRegex := CompileWildcard(pkg)
	runnerRegex := CompileWildcard(runner)

	var expectedLiteral string
	var expectedRegex *regexp.Regexp
	if pkg != "" && runner != "" {
		if packageRegex == nil && runnerRegex == nil {
			expectedLiteral = pkg + "/" + runner
		} else {
			expectedRegex = CompileWildcard(pkg + "/" + runner)
		}
	}

	fallback := ""
	for _, query := range queries {
		output, err := r.Device.ListInstrumentation(ctx, query)
		if err != nil {
			r.logger().Debug("instrumentation listing failed", "query", query, "err", err)
			continue
		}
		components := extractComponents(output)
		if len(components) == 0 {
			continue
		}

		for _, component := range components {
			if expectedLiteral != "" && component == expectedLiteral {
				return component
			}
			if expectedRegex != nil && expectedRegex.MatchString(component) {
				return component
			}
		}

		if pkg != "" {
			for _, component := range components {
				componentPkg, componentRunner := splitComponent(component)
				if packageRegex != nil {
					if !packageRegex.MatchString(componentPkg) {
						continue
					}
				} else if componentPkg != pkg {
					continue
				}
				switch {
				case runner == "":
					return component
				case runnerRegex != nil:
					if runnerRegex.MatchString(componentRunner) {
						return component
					}
				case componentRunner == runner:
					return component
				}
			}
		}

		if fallback == "" {
			fallback = components[0]
		}
	}

	if fallback != "" {
		if requested != "" && requested != fallback {
			fmt.Fprintf(r.diag(), "Requested instrumentation %s not installed; using %s\n", requested, fallback)
		}
		return fallback
	}

	if pkg != "" && !suppressGuidance {
		fmt.Fprintln(r.diag(), "Unable to locate the screenshot harness instrumentation on the device.")
		fmt.Fprintln(r.diag(), "Install the debug APKs before capturing screenshots, for example:")
		fmt.Fprintln(r.diag(), "  ./gradlew :app:installDebug :app:installDebugAndroidTest")
	}
	return ""
}

// normalizeComponent cleans the package half of a component, resolving
// sanitization artifacts against the installed package and instrumentation
// lists.
func (r *Resolver) normalizeComponent(ctx context.Context, component string) string {
	pkg, runner := splitComponent(component)
	if pkg == "" {
		return component
	}

	normalized := r.normalizePackage(ctx, pkg)
	if normalized != "" && normalized != pkg {
		fmt.Fprintf(r.diag(), "Resolved sanitized instrumentation package %s to %s\n", pkg, normalized)
		if runner != "" {
			return normalized + "/" + runner
		}
		return normalized
	}

	if strings.Contains(pkg, "*") {
		if resolved := r.resolveSanitizedComponent(ctx, component); resolved != "" {
			return resolved
		}
	}
	return component
}

func (r *Resolver) normalizePackage(ctx context.Context, candidate string) string {
	value := strings.TrimSpace(candidate)
	if value == "" {
		return ""
	}
	if ValidPackageName(value) {
		return value
	}
	if strings.Contains(value, "*") {
		if resolved := resolveWildcardPackage(ctx, r.Device, value); resolved != "" {
			return resolved
		}
	}
	stripped := StripIllegalPackageChars(value)
	if stripped != "" && ValidPackageName(stripped) {
		return stripped
	}
	return ""
}

// resolveSanitizedComponent matches a wildcarded component string against the
// unscoped instrumentation list, preferring matches whose tail matches the
// requested runner suffix.
func (r *Resolver) resolveSanitizedComponent(ctx context.Context, pattern string) string {
	re := CompileWildcard(pattern)
	if re == nil {
		return ""
	}
	output, err := r.Device.ListInstrumentation(ctx, "")
	if err != nil {
		return ""
	}
	var matches []string
	for _, component := range extractComponents(output) {
		if re.MatchString(component) {
			matches = append(matches, component)
		}
	}
	if len(matches) == 0 {
		return ""
	}
	if len(matches) == 1 {
		return matches[0]
	}
	_, runner := splitComponent(pattern)
	if runner != "" {
		suffixRe, err := regexp.Compile(strings.ReplaceAll(regexp.QuoteMeta(runner), `\*`, ".*") + "$")
		if err == nil {
			for _, match := range matches {
				if suffixRe.MatchString(match) {
					return match
				}
			}
		}
	}
	return matches[0]
}

// preferRequested keeps the caller-requested component when the resolved one
// still carries sanitization artifacts in its package half.
func (r *Resolver) preferRequested(ctx context.Context, requested, resolved string) string {
	if resolved == "" {
		return resolved
	}
	resolvedPkg, _ := splitComponent(resolved)
	if ValidPackageName(resolvedPkg) && !strings.Contains(resolvedPkg, "*") {
		return resolved
	}
	requested = strings.TrimSpace(requested)
	if requested == "" {
		return resolved
	}
	requestedNormalized := r.normalizeComponent(ctx, requested)
	requestedPkg, _ := splitComponent(requestedNormalized)
	if requestedPkg == "" || strings.Contains(requestedPkg, "*") {
		return resolved
	}
	if requestedNormalized != resolved {
		fmt.Fprintf(r.diag(), "Resolved instrumentation component contains sanitized package name; using requested component %s\n", requestedNormalized)
	}
	return requestedNormalized
}

// EnsureTargetInstalled verifies the instrumentation's target package is
// present on the device and returns actionable guidance when it is not.
func (r *Resolver) EnsureTargetInstalled(ctx context.Context, component string) error {
	pkg, _ := splitComponent(component)
	if pkg == "" {
		return nil
	}
	output, err := r.Device.DumpsysPackage(ctx, pkg)
	if err != nil {
		return nil
	}
	target := extractInstrumentationTarget(output, component)
	if target == "" {
		return nil
	}
	if !r.Device.PackageInstalled(ctx, target) {
		return fmt.Errorf("screenshot harness target package %s is not installed; install the app APK (for example with `./gradlew :app:installDebug`) before running the harness", target)
	}
	return nil
}

func (r *Resolver) emitNotFound(install AutoInstallResult) {
	suffix := ""
	if install.Attempted {
		suffix = " after Gradle installation"
	}
	fmt.Fprintf(r.diag(), "Failed to detect screenshot harness instrumentation component%s.\n", suffix)
	if install.VirtualizationUnavailable || VirtualizationUnavailable() {
		fmt.Fprintln(r.diag(), "Android emulator virtualization is unavailable in this environment. Connect a physical device or enable virtualization to install the screenshot harness.")
	}
}

func splitComponent(component string) (pkg, runner string) {
	parts := strings.SplitN(component, "/", 2)
	pkg = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		runner = strings.TrimSpace(parts[1])
	}
	return pkg, runner
}

func extractComponents(output string) []string {
	var components []string
	for _, line := range strings.Split(output, "\n") {
		match := instrumentationLine.FindStringSubmatch(strings.TrimSpace(line))
		if match == nil {
			continue
		}
		if candidate := strings.TrimSpace(match[1]); candidate != "" {
			components = append(components, candidate)
		}
	}
	return components
}

// extractInstrumentationTarget pulls the targetPackage for one component from
// dumpsys package output.
func extractInstrumentationTarget(output, component string) string {
	current := ""
	for _, line := range strings.Split(output, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "Instrumentation ") {
			current = strings.SplitN(strings.TrimPrefix(stripped, "Instrumentation "), ":", 2)[0]
			continue
		}
		if current != component {
			continue
		}
		if strings.HasPrefix(stripped, "targetPackage=") {
			if candidate := strings.TrimSpace(strings.TrimPrefix(stripped, "targetPackage=")); candidate != "" {
				return candidate
			}
		}
	}
	return ""
}
