package harness

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"sort"
	"strings"
)

var (
	readyFlagPattern = regexp.MustCompile(`Writing screenshot ready flag to (.+)`)
	doneFlagPattern  = regexp.MustCompile(`completion signal at (.+)`)
	packagePattern   = regexp.MustCompile(`Resolved screenshot harness package name: (.+)`)
	packageLine      = regexp.MustCompile(`^package:(.*)$`)
)

// PackageLister lists the packages installed on the device. The session uses
// it to resolve wildcard-sanitized package names announced by the harness.
type PackageLister interface {
	ListPackages(ctx context.Context) (string, error)
}

// Session accumulates classified instrumentation output into the mutable
// per-attempt aggregate. It is owned by the single consuming goroutine and
// discarded when the attempt ends.
type Session struct {
	Package                        string
	ReadyFlags                     []string
	DoneFlags                      []string
	CaptureCompleted               bool
	SystemCrashDetected            bool
	ProcessCrashDetected           bool
	MissingInstrumentationDetected bool

	TestPoints  *TestPointDispatcher
	PhaseEvents []PhaseEvent

	phaseByAttempt map[phaseKey][]PhaseEvent
	phaseKeys      []phaseKey

	components        map[string]bool
	candidatePackages map[string]bool

	sanitizedPackageWarned    bool
	systemCrashGuidanceDone   bool
	missingInstrGuidanceDone  bool
	phaseTimelineGuidanceDone bool

	lister PackageLister
	diag   io.Writer
}

// NewSession creates a session for one launch attempt. fallbackPackage, when
// valid, seeds the package before any output is observed. lister may be nil;
// diag defaults to stderr.
func NewSession(fallbackPackage string, lister PackageLister, diag io.Writer) *Session {
	if diag == nil {
		diag = os.Stderr
	}
	s := &Session{
		TestPoints:        NewTestPointDispatcher(),
		phaseByAttempt:    make(map[phaseKey][]PhaseEvent),
		components:        make(map[string]bool),
		candidatePackages: make(map[string]bool),
		lister:            lister,
		diag:              diag,
	}
	if fallbackPackage != "" {
		s.setPackage(context.Background(), fallbackPackage, true)
	}
	return s
}

// Observe classifies one output line and folds its effects into the session.
// Every parser runs on every line, in a fixed order.
func (s *Session) Observe(ctx context.Context, line string) {
	stripped := strings.TrimSpace(line)

	if point, detail, ok := ParseTestPoint(stripped); ok {
		s.TestPoints.Dispatch(point, detail)
	}
	if event, ok := ParsePhaseEvent(stripped); ok {
		s.handlePhaseEvent(event)
	}
	if strings.Contains(stripped, "System has crashed") {
		s.SystemCrashDetected = true
	}
	if strings.Contains(stripped, "Process crashed") {
		s.ProcessCrashDetected = true
	}
	if strings.Contains(stripped, "Unable to find instrumentation info for") {
		s.MissingInstrumentationDetected = true
	}

	s.collectReadyFlag(stripped)
	s.collectDoneFlags(stripped)
	s.collectPackage(ctx, stripped)
}

// HandshakeReady reports whether the capture handshake preconditions are all
// simultaneously satisfied and the capture has not fired yet.
func (s *Session) HandshakeReady() bool {
	return !s.CaptureCompleted && s.Package != "" && len(s.ReadyFlags) > 0 && len(s.DoneFlags) > 0
}

// OnTestPoint registers a callback for one test point.
func (s *Session) OnTestPoint(point TestPoint, callback TestPointCallback) {
	s.TestPoints.Register(point, callback)
}

// OnAnyTestPoint registers a callback for every test point.
func (s *Session) OnAnyTestPoint(callback TestPointCallback) {
	s.TestPoints.RegisterAny(callback)
}

func (s *Session) collectReadyFlag(line string) {
	match := readyFlagPattern.FindStringSubmatch(line)
	if match == nil {
		return
	}
	path := strings.TrimSpace(match[1])
	if path == "" {
		return
	}
	for _, existing := range s.ReadyFlags {
		if existing == path {
			return
		}
	}
	s.ReadyFlags = append(s.ReadyFlags, path)
}

func (s *Session) collectDoneFlags(line string) {
	match := doneFlagPattern.FindStringSubmatch(line)
	if match == nil {
		return
	}
	var flags []string
	for _, candidate := range strings.Split(match[1], ",") {
		if trimmed := strings.TrimSpace(candidate); trimmed != "" {
			flags = append(flags, trimmed)
		}
	}
	s.DoneFlags = flags
}

func (s *Session) collectPackage(ctx context.Context, line string) {
	match := packagePattern.FindStringSubmatch(line)
	if match == nil {
		return
	}
	candidate := strings.TrimSpace(match[1])
	if candidate == "" {
		return
	}
	s.setPackage(ctx, candidate, false)
}

// setPackage stores a package name only when it normalizes under the strict
// grammar. Unresolvable values trigger a one-shot warning and leave the
// previous fallback in place.
func (s *Session) setPackage(ctx context.Context, candidate string, suppressWarning bool) bool {
	normalized := s.normalizePackage(ctx, candidate)
	if normalized != "" {
		s.Package = normalized
		s.candidatePackages[normalized] = true
		return true
	}
	if !suppressWarning && !s.sanitizedPackageWarned {
		fallback := s.Package
		if fallback == "" {
			fallback = candidate
		}
		if fallback == "" {
			fallback = "<unknown>"
		}
		fmt.Fprintf(s.diag, "Unable to determine screenshot harness package from instrumentation output; continuing with %s\n", fallback)
		s.sanitizedPackageWarned = true
	}
	return false
}

func (s *Session) normalizePackage(ctx context.Context, candidate string) string {
	value := strings.TrimSpace(candidate)
	if value == "" {
		return ""
	}
	if ValidPackageName(value) {
		return value
	}
	if strings.Contains(value, "*") {
		if resolved := resolveWildcardPackage(ctx, s.lister, value); resolved != "" {
			fmt.Fprintf(s.diag, "Resolved sanitized screenshot harness package %s to %s\n", value, resolved)
			return resolved
		}
	}
	stripped := StripIllegalPackageChars(value)
	if stripped != "" && ValidPackageName(stripped) {
		return stripped
	}
	return ""
}

// AddCandidatePackage records a package for diagnostics cleanup when it
// normalizes under the strict grammar.
func (s *Session) AddCandidatePackage(ctx context.Context, candidate string) {
	if normalized := s.normalizePackage(ctx, candidate); normalized != "" {
		s.candidatePackages[normalized] = true
	}
}

// RegisterComponent records an instrumentation component and seeds its
// package into the candidate set.
func (s *Session) RegisterComponent(ctx context.Context, component string) {
	component = strings.TrimSpace(component)
	if component == "" {
		return
	}
	s.components[component] = true
	pkg := strings.TrimSpace(strings.SplitN(component, "/", 2)[0])
	if pkg != "" {
		s.AddCandidatePackage(ctx, pkg)
	}
}

// CandidatePackages returns the recorded candidate packages in sorted order.
func (s *Session) CandidatePackages() []string {
	packages := make([]string, 0, len(s.candidatePackages))
	for pkg := range s.candidatePackages {
		packages = append(packages, pkg)
	}
	sort.Strings(packages)
	return packages
}

func (s *Session) handlePhaseEvent(event PhaseEvent) {
	s.PhaseEvents = append(s.PhaseEvents, event)
	key := phaseKey{Component: event.Component, Operation: event.Operation, Attempt: event.Attempt}
	if _, seen := s.phaseByAttempt[key]; !seen {
		s.phaseKeys = append(s.phaseKeys, key)
	}
	s.phaseByAttempt[key] = append(s.phaseByAttempt[key], event)
	if event.Type == PhaseAbort || event.Type == PhaseRetry {
		s.emitPhaseAlert(event)
	}
}

func (s *Session) emitPhaseAlert(event PhaseEvent) {
	headline := fmt.Sprintf("Harness phase %s: %s.%s (attempt %d)",
		strings.ToUpper(event.Type), event.Component, event.Operation, event.Attempt)
	if event.Checkpoint != "" {
		if event.Type == PhaseAbort {
			headline += " at checkpoint " + event.Checkpoint
		} else {
			headline += " checkpoint " + event.Checkpoint
		}
	}
	if event.Detail != "" {
		headline += " - " + event.Detail
	}
	fmt.Fprintln(s.diag, headline)
	if context := formatContext(event.Context); context != "" {
		fmt.Fprintf(s.diag, "  context: %s\n", context)
	}
	if event.ErrorType != "" || event.ErrorMessage != "" {
		fmt.Fprintf(s.diag, "  error: %s: %s\n", orUnknown(event.ErrorType), orNone(event.ErrorMessage))
	}
	if event.Type == PhaseRetry && event.NextAttempt != nil {
		fmt.Fprintf(s.diag, "  scheduling retry attempt %d\n", *event.NextAttempt)
	}
}

// EmitSystemCrashGuidance prints crash remediation steps at most once per
// session, and only when a system crash was detected.
func (s *Session) EmitSystemCrashGuidance() {
	if !s.SystemCrashDetected || s.systemCrashGuidanceDone {
		return
	}
	fmt.Fprintln(s.diag, "Android system_server crashed while running the screenshot harness; capture logcat artifacts before retrying.")
	fmt.Fprintln(s.diag, "Helpful steps:")
	fmt.Fprintln(s.diag, "  adb logcat -d > logcat.txt")
	fmt.Fprintln(s.diag, "  novaharness scan --logcat logcat.txt")
	fmt.Fprintln(s.diag, "Restart the emulator or device once diagnostics are collected, then rerun the harness.")
	s.systemCrashGuidanceDone = true
}

// EmitMissingInstrumentationGuidance prints the install command at most once
// per session, and only when the missing-instrumentation marker was seen.
func (s *Session) EmitMissingInstrumentationGuidance() {
	if !s.MissingInstrumentationDetected || s.missingInstrGuidanceDone {
		return
	}
	fmt.Fprintln(s.diag, "Screenshot harness instrumentation is not installed on the target device.")
	fmt.Fprintln(s.diag, "Install the debug APKs before capturing screenshots, for example:")
	fmt.Fprintln(s.diag, "  ./gradlew :app:installDebug :app:installDebugAndroidTest")
	s.missingInstrGuidanceDone = true
}

// EmitPhaseTimeline prints one timeline per (component, operation, attempt)
// group in first-seen order, at most once per session.
func (s *Session) EmitPhaseTimeline() {
	if s.phaseTimelineGuidanceDone || len(s.phaseKeys) == 0 {
		return
	}
	fmt.Fprintln(s.diag, "Harness phase timeline:")
	for _, key := range s.phaseKeys {
		events := s.phaseByAttempt[key]
		types := make([]string, len(events))
		for i, event := range events {
			types[i] = event.Type
		}
		fmt.Fprintf(s.diag, "  %s.%s attempt %d: %s\n", key.Component, key.Operation, key.Attempt, strings.Join(types, " -> "))

		final := events[len(events)-1]
		if context := formatContext(lastContext(events)); context != "" {
			fmt.Fprintf(s.diag, "    context: %s\n", context)
		}
		if checkpoint := lastNonEmpty(events, func(e PhaseEvent) string { return e.Checkpoint }); checkpoint != "" {
			fmt.Fprintf(s.diag, "    checkpoint: %s\n", checkpoint)
		}
		if detail := lastNonEmpty(events, func(e PhaseEvent) string { return e.Detail }); detail != "" {
			fmt.Fprintf(s.diag, "    detail: %s\n", detail)
		}
		if errEvent := lastError(events); errEvent != nil {
			fmt.Fprintf(s.diag, "    error: %s: %s\n", orUnknown(errEvent.ErrorType), orNone(errEvent.ErrorMessage))
		}
		if final.Type == PhaseRetry && final.NextAttempt != nil {
			fmt.Fprintf(s.diag, "    next attempt: %d\n", *final.NextAttempt)
		}
	}
	s.phaseTimelineGuidanceDone = true
}

func lastContext(events []PhaseEvent) map[string]string {
	for i := len(events) - 1; i >= 0; i-- {
		if len(events[i].Context) > 0 {
			return events[i].Context
		}
	}
	return events[len(events)-1].Context
}

func lastNonEmpty(events []PhaseEvent, field func(PhaseEvent) string) string {
	for i := len(events) - 1; i >= 0; i-- {
		if value := field(events[i]); value != "" {
			return value
		}
	}
	return ""
}

func lastError(events []PhaseEvent) *PhaseEvent {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].ErrorType != "" || events[i].ErrorMessage != "" {
			return &events[i]
		}
	}
	return nil
}

func orUnknown(value string) string {
	if value == "" {
		return "<unknown>"
	}
	return value
}

func orNone(value string) string {
	if value == "" {
		return "<none>"
	}
	return value
}
