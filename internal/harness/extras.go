package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// ParseExtraArgs splits KEY=VALUE entries into ordered extras.
func ParseExtraArgs(entries []string) ([]Extra, error) {
	var parsed []Extra
	for _, entry := range entries {
		key, value, found := strings.Cut(entry, "=")
		if !found {
			return nil, fmt.Errorf("invalid --extra-arg entry: %q", entry)
		}
		parsed = append(parsed, Extra{Key: key, Value: value})
	}
	return parsed, nil
}

// extrasValue returns the value of the first extra with the given key.
func extrasValue(extras []Extra, key string) string {
	for _, extra := range extras {
		if extra.Key == key {
			return extra.Value
		}
	}
	return ""
}

// ensureTestPackageArgument guarantees a testPackageName extra is present,
// deriving one when the caller did not supply it: explicit flag, then the
// NOVAPDF_SCREENSHOT_TEST_PACKAGE environment variable, then the fallback
// chain over the extras and the resolved component.
func (c *Controller) ensureTestPackageArgument(ctx context.Context, extras []Extra, component string, diag io.Writer) []Extra {
	if strings.TrimSpace(extrasValue(extras, "testPackageName")) != "" {
		return extras
	}

	candidate := strings.TrimSpace(c.Opts.TestPackage)
	if candidate == "" {
		candidate = strings.TrimSpace(os.Getenv("NOVAPDF_SCREENSHOT_TEST_PACKAGE"))
	}
	if candidate == "" {
		candidate = deriveFallbackPackage(c.Opts.Instrumentation, extras, component)
	}
	if candidate == "" {
		return extras
	}

	if normalized := c.resolver.normalizePackage(ctx, candidate); normalized != "" && normalized != candidate {
		fmt.Fprintf(diag, "Resolved screenshot harness test package %s to %s\n", candidate, normalized)
		candidate = normalized
	}

	extras = append(extras, Extra{Key: "testPackageName", Value: candidate})
	fmt.Fprintf(diag, "Supplying screenshot harness test package via instrumentation extras: %s\n", candidate)
	return extras
}

// deriveFallbackPackage picks the best-effort package for the session before
// any output names one: explicit extra, targetInstrumentation package,
// placeholder app id, then the component's package half.
func deriveFallbackPackage(requestedInstrumentation string, extras []Extra, component string) string {
	if explicit := strings.TrimSpace(extrasValue(extras, "testPackageName")); explicit != "" {
		return explicit
	}
	if target := extrasValue(extras, "targetInstrumentation"); target != "" {
		if pkg := strings.TrimSpace(strings.SplitN(target, "/", 2)[0]); pkg != "" {
			return pkg
		}
	}
	if placeholder := strings.TrimSpace(extrasValue(extras, "novapdfTestAppId")); placeholder != "" {
		return placeholder
	}
	source := component
	if source == "" {
		source = requestedInstrumentation
	}
	return strings.TrimSpace(strings.SplitN(source, "/", 2)[0])
}
