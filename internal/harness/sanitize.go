package harness

import (
	"context"
	"regexp"
	"strings"
	"unicode"
)

var (
	packageNamePattern  = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)
	multipleUnderscores = regexp.MustCompile(`_+`)
	multiplePeriods     = regexp.MustCompile(`\.+`)
	illegalPackageChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)
)

// ValidPackageName reports whether a value satisfies the strict package-name
// grammar accepted for device file operations.
func ValidPackageName(value string) bool {
	return packageNamePattern.MatchString(value)
}

// SanitizeCacheName normalizes a document identifier for use in screenshot
// file names. Empty or entirely-illegal input falls back to the provided
// fallback and finally to "document".
func SanitizeCacheName(value, fallback string) string {
	if s := sanitize(strings.TrimSpace(value)); s != "" {
		return s
	}
	if fallback != "" {
		if s := sanitize(strings.TrimSpace(fallback)); s != "" {
			return s
		}
	}
	return "document"
}

func sanitize(value string) string {
	if value == "" {
		return ""
	}
	var mapped strings.Builder
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) && r < 128, unicode.IsDigit(r) && r < 128:
			mapped.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			mapped.WriteRune(r)
		default:
			mapped.WriteByte('_')
		}
	}
	normalized := multipleUnderscores.ReplaceAllString(mapped.String(), "_")
	normalized = multiplePeriods.ReplaceAllString(normalized, ".")
	return strings.Trim(normalized, "_.")
}

// StripIllegalPackageChars removes every character the package grammar
// rejects. Best-effort cleanup for sanitized identifiers; may return "".
func StripIllegalPackageChars(value string) string {
	return illegalPackageChars.ReplaceAllString(value, "")
}

// CompileWildcard converts a glob-style pattern (with * wildcards) into an
// anchored regular expression. Patterns without a wildcard return nil.
func CompileWildcard(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") {
		return nil
	}
	expanded := strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*")
	re, err := regexp.Compile("^" + expanded + "$")
	if err != nil {
		return nil
	}
	return re
}

// resolveWildcardPackage matches a wildcard pattern against the device's
// installed package list. With several matches the one sharing the pattern's
// literal suffix wins; no match, no wildcard, or a device error yields "".
func resolveWildcardPackage(ctx context.Context, lister PackageLister, pattern string) string {
	if lister == nil {
		return ""
	}
	re := CompileWildcard(pattern)
	if re == nil {
		return ""
	}
	output, err := lister.ListPackages(ctx)
	if err != nil {
		return ""
	}
	var matches []string
	for _, line := range strings.Split(output, "\n") {
		sub := packageLine.FindStringSubmatch(strings.TrimSpace(line))
		if sub == nil {
			continue
		}
		if name := strings.TrimSpace(sub[1]); name != "" && re.MatchString(name) {
			matches = append(matches, name)
		}
	}
	if len(matches) == 0 {
		return ""
	}
	if len(matches) > 1 {
		parts := strings.Split(pattern, "*")
		if suffix := parts[len(parts)-1]; suffix != "" {
			for _, match := range matches {
				if strings.HasSuffix(match, suffix) {
					return match
				}
			}
		}
	}
	return matches[0]
}
