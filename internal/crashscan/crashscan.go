// Package crashscan detects crash and ANR signatures in captured device
// logs. The orchestration engine consumes it as a black-box function.
package crashscan

import (
	"fmt"
	"regexp"
	"strings"
)

// Signature pairs a compiled pattern with its human-readable finding.
type Signature struct {
	Pattern *regexp.Regexp
	Message string
}

// Issue is one signature match: the finding, the contiguous block of log
// lines around the match, and which source text produced it.
type Issue struct {
	Message string
	Snippet string
	Source  string
}

// BuildSignatures returns the ordered crash/ANR signature list for one
// application package.
func BuildSignatures(packageName string) []Signature {
	escaped := regexp.QuoteMeta(packageName)
	return []Signature{
		{
			Pattern: regexp.MustCompile("ANR in " + escaped),
			Message: fmt.Sprintf("Detected Application Not Responding dialog for %s during instrumentation tests", packageName),
		},
		{
			Pattern: regexp.MustCompile("Application is not responding: Process " + escaped),
			Message: fmt.Sprintf("Detected system level 'Application is not responding' warning for %s", packageName),
		},
		{
			Pattern: regexp.MustCompile("FATAL EXCEPTION: .*Process: " + escaped),
			Message: fmt.Sprintf("Detected fatal crash in %s during instrumentation tests", packageName),
		},
		{
			Pattern: regexp.MustCompile("E AndroidRuntime: FATAL EXCEPTION"),
			Message: "AndroidRuntime reported a fatal exception while instrumentation tests were running",
		},
		{
			Pattern: regexp.MustCompile(`Fatal signal \d+ .*? \(SIG[A-Z]+\).*?` + escaped),
			Message: fmt.Sprintf("Detected native crash (fatal signal) for %s during instrumentation tests", packageName),
		},
		{
			Pattern: regexp.MustCompile("Process " + escaped + " has died"),
			Message: fmt.Sprintf("System server logged that %s process died during instrumentation tests", packageName),
		},
		{
			Pattern: regexp.MustCompile("Force finishing activity " + escaped),
			Message: "Activity manager force-finished the application during instrumentation tests",
		},
	}
}

// FindIssues scans the log text with every signature in order. Each matching
// signature yields one issue whose snippet is the paragraph (contiguous
// non-blank lines) around the first matching line.
func FindIssues(contents, source string, signatures []Signature) []Issue {
	lines := strings.Split(contents, "\n")
	var issues []Issue
	for _, signature := range signatures {
		if !signature.Pattern.MatchString(contents) {
			continue
		}
		issues = append(issues, Issue{
			Message: signature.Message,
			Snippet: snippetAround(lines, signature.Pattern),
			Source:  source,
		})
	}
	return issues
}

// snippetAround returns the run of consecutive non-blank lines containing
// the first line the pattern matches.
func snippetAround(lines []string, pattern *regexp.Regexp) string {
	matched := -1
	for i, line := range lines {
		if pattern.MatchString(line) {
			matched = i
			break
		}
	}
	if matched < 0 {
		return ""
	}
	start := matched
	for start > 0 && strings.TrimSpace(lines[start-1]) != "" {
		start--
	}
	end := matched
	for end+1 < len(lines) && strings.TrimSpace(lines[end+1]) != "" {
		end++
	}
	return strings.Join(lines[start:end+1], "\n")
}
