package harness

// OutcomeKind classifies how one launch attempt ended. The recovery
// controller pattern-matches on it instead of catching control-flow errors.
type OutcomeKind int

const (
	// OutcomeSuccess means the capture completed and the child exited zero.
	OutcomeSuccess OutcomeKind = iota
	// OutcomeResolutionFailed means no instrumentation component was found.
	OutcomeResolutionFailed
	// OutcomeLaunchFailed means the child process could not start.
	OutcomeLaunchFailed
	// OutcomeStartupTimeout means no output arrived within the startup window.
	OutcomeStartupTimeout
	// OutcomeWallClockTimeout means the process exceeded the overall timeout.
	OutcomeWallClockTimeout
	// OutcomeUnexpectedTermination means the child died without an exit code.
	OutcomeUnexpectedTermination
	// OutcomeNonZeroExit carries the child's own exit status.
	OutcomeNonZeroExit
	// OutcomeCaptureIncomplete means the child exited zero without a capture.
	OutcomeCaptureIncomplete
	// OutcomeSkipped means no device can ever become available here
	// (virtualization gap); treated as a non-error skip.
	OutcomeSkipped
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeResolutionFailed:
		return "resolution-failed"
	case OutcomeLaunchFailed:
		return "launch-failed"
	case OutcomeStartupTimeout:
		return "startup-timeout"
	case OutcomeWallClockTimeout:
		return "wall-clock-timeout"
	case OutcomeUnexpectedTermination:
		return "unexpected-termination"
	case OutcomeNonZeroExit:
		return "non-zero-exit"
	case OutcomeCaptureIncomplete:
		return "capture-never-completed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one attempt together with the session it
// accumulated.
type Outcome struct {
	Kind     OutcomeKind
	ExitCode int
	Session  *Session
}

// ProcessExitCode maps the outcome to the harness process exit status:
// 0 for success and environment skips, the child's own status for non-zero
// exits, 1 otherwise.
func (o Outcome) ProcessExitCode() int {
	switch o.Kind {
	case OutcomeSuccess, OutcomeSkipped:
		return 0
	case OutcomeNonZeroExit:
		if o.ExitCode != 0 {
			return o.ExitCode
		}
		return 1
	default:
		return 1
	}
}
