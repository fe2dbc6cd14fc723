package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/p2k3m/novaharness/internal/events"
)

// Defaults mirrored from the device-side harness contract.
const (
	DefaultInstrumentation = "com.novapdf.reader.test/dagger.hilt.android.testing.HiltTestRunner"
	DefaultTest            = "com.novapdf.reader.ScreenshotHarnessTest#openThousandPageDocumentForScreenshots"
	HealthcheckTest        = "com.novapdf.reader.HarnessHealthcheckTest#harnessDependencyGraph"

	DefaultStartTimeout = 10 * time.Second
	DefaultRunTimeout   = 10 * time.Minute
	HealthcheckTimeout  = 30 * time.Second

	activityRecoveryTimeout = 5 * time.Minute
	activityRecoveryPoll    = 5 * time.Second
)

// Device is the full device surface the orchestration engine needs. It is
// satisfied by *adb.Bridge and by fakes in tests.
type Device interface {
	DeviceQuerier
	CaptureDevice
	DiagnosticsDevice
	CheckService(ctx context.Context, name string) (string, error)
	WaitForDevice(ctx context.Context) error
}

// Options configures one harness invocation.
type Options struct {
	Instrumentation      string
	Test                 string
	OutputDir            string
	ExtraArgs            []Extra
	DocumentFactory      string
	StorageClientFactory string
	TestPackage          string
	Serial               string

	StartTimeout          time.Duration
	Timeout               time.Duration
	SkipAutoInstall       bool
	MaxSystemCrashRetries int

	ArtifactRoot    string
	CollectorScript string
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.Instrumentation == "" {
		opts.Instrumentation = DefaultInstrumentation
	}
	if opts.Test == "" {
		opts.Test = DefaultTest
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "screenshots"
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = DefaultStartTimeout
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultRunTimeout
	}
	if opts.MaxSystemCrashRetries <= 0 {
		opts.MaxSystemCrashRetries = 1
	}
	return opts
}

// Controller supervises harness runs end to end: one attempt at a time, with
// bounded crash and auto-install retries across attempts.
type Controller struct {
	Device    Device
	Launcher  Launcher
	Installer Installer
	Sink      events.Sink
	Opts      Options

	RunID  string
	Diag   io.Writer
	Echo   io.Writer
	Logger *slog.Logger

	resolver    *Resolver
	capturer    *Capturer
	diagnostics *Diagnostics

	sleep func(time.Duration)
	now   func() time.Time
}

// NewController wires the sub-components around one device connection.
func NewController(device Device, launcher Launcher, installer Installer, sink events.Sink, opts Options, diag io.Writer, logger *slog.Logger) *Controller {
	if diag == nil {
		diag = os.Stderr
	}
	if logger == nil {
		logger = discardLogger
	}
	if sink == nil {
		sink = events.NopSink{}
	}
	resolved := opts.withDefaults()
	c := &Controller{
		Device:    device,
		Launcher:  launcher,
		Installer: installer,
		Sink:      sink,
		Opts:      resolved,
		RunID:     uuid.NewString(),
		Diag:      diag,
		Echo:      os.Stdout,
		Logger:    logger,
		sleep:     time.Sleep,
		now:       time.Now,
	}
	c.resolver = &Resolver{Device: device, Installer: installer, Diag: diag, Logger: logger}
	if resolved.SkipAutoInstall {
		c.resolver.Installer = nil
	}
	c.capturer = &Capturer{Device: device, OutputDir: resolved.OutputDir, Diag: diag, Logger: logger}
	c.diagnostics = &Diagnostics{
		Device:          device,
		ArtifactRoot:    resolved.ArtifactRoot,
		CollectorScript: resolved.CollectorScript,
		Serial:          resolved.Serial,
		Diag:            diag,
		Logger:          logger,
	}
	return c
}

// Run drives attempts until success or until every recovery budget is
// exhausted, returning the process exit code.
func (c *Controller) Run(ctx context.Context) int {
	systemCrashAttempts := 0
	autoInstallAttempted := c.Opts.SkipAutoInstall

	var outcome Outcome
	for attempt := 1; ; attempt++ {
		outcome = c.RunOnce(ctx, attempt)
		if outcome.Kind == OutcomeSuccess || outcome.Kind == OutcomeSkipped {
			return outcome.ProcessExitCode()
		}

		session := outcome.Session
		if session != nil && session.MissingInstrumentationDetected && !c.Opts.SkipAutoInstall && !autoInstallAttempted && c.Installer != nil {
			autoInstallAttempted = true
			if c.Installer.Install(ctx).Succeeded {
				continue
			}
		}

		if session != nil && session.SystemCrashDetected && systemCrashAttempts < c.Opts.MaxSystemCrashRetries {
			systemCrashAttempts++
			fmt.Fprintln(c.Diag, "Detected system server crash during instrumentation; waiting for recovery before retrying")
			if c.waitForActivityManager(ctx) {
				continue
			}
			fmt.Fprintln(c.Diag, "Unable to verify Activity Manager service after system crash; aborting")
			break
		}

		if session != nil && session.MissingInstrumentationDetected {
			autoInstallAttempted = true
		}
		break
	}
	return outcome.ProcessExitCode()
}

// RunOnce drives a single attempt with a fresh session and returns its
// terminal outcome.
func (c *Controller) RunOnce(ctx context.Context, attempt int) Outcome {
	extras := append([]Extra(nil), c.Opts.ExtraArgs...)
	if c.Opts.DocumentFactory != "" {
		extras = append(extras, Extra{Key: "harnessDocumentFactory", Value: c.Opts.DocumentFactory})
	}
	if c.Opts.StorageClientFactory != "" {
		extras = append(extras, Extra{Key: "harnessStorageClientFactory", Value: c.Opts.StorageClientFactory})
	}
	extras = c.ensureTestPackageArgument(ctx, extras, "", c.Diag)

	component, install, err := c.resolver.Resolve(ctx, c.Opts.Instrumentation)
	if err != nil {
		session := NewSession(deriveFallbackPackage(c.Opts.Instrumentation, extras, ""), c.Device, c.Diag)
		if install.VirtualizationUnavailable || VirtualizationUnavailable() {
			fmt.Fprintln(c.Diag, "Skipping screenshot capture: emulator virtualization is unavailable and no device can become available.")
			return c.finish(Outcome{Kind: OutcomeSkipped, Session: session}, attempt)
		}
		return c.finish(Outcome{Kind: OutcomeResolutionFailed, Session: session}, attempt)
	}

	extras = c.ensureTestPackageArgument(ctx, extras, component, c.Diag)

	if err := c.resolver.EnsureTargetInstalled(ctx, component); err != nil {
		fmt.Fprintln(c.Diag, err.Error())
		session := NewSession(deriveFallbackPackage(c.Opts.Instrumentation, extras, component), c.Device, c.Diag)
		return c.finish(Outcome{Kind: OutcomeResolutionFailed, Session: session}, attempt)
	}

	session := NewSession(deriveFallbackPackage(c.Opts.Instrumentation, extras, component), c.Device, c.Diag)
	session.RegisterComponent(ctx, component)
	if pkg := extrasValue(extras, "testPackageName"); pkg != "" {
		session.AddCandidatePackage(ctx, pkg)
	}
	if target := extrasValue(extras, "targetInstrumentation"); target != "" {
		session.RegisterComponent(ctx, target)
	}

	c.publish(events.KindAttemptStarted, map[string]string{
		"attempt":   strconv.Itoa(attempt),
		"component": component,
	})

	proc, err := c.Launcher.Launch(ctx, LaunchSpec{Component: component, Test: c.Opts.Test, Extras: extras})
	if err != nil {
		fmt.Fprintf(c.Diag, "Failed to start instrumentation: %v\n", err)
		return c.finish(Outcome{Kind: OutcomeLaunchFailed, Session: session}, attempt)
	}
	defer c.diagnostics.CleanupLingering(ctx, session)

	if ok := c.consumeStream(ctx, proc, session); !ok {
		proc.Kill()
		fmt.Fprintf(c.Diag, "Screenshot harness did not emit output within %s\n", c.Opts.StartTimeout)
		c.diagnostics.EmitStartup(ctx, component, session)
		reason := "startup-timeout"
		if session.SystemCrashDetected {
			reason = "system-server-crash"
		}
		c.diagnostics.CollectCrashArtifacts(ctx, session, component, reason)
		c.runHealthcheck(ctx, extras, component)
		session.EmitMissingInstrumentationGuidance()
		session.EmitSystemCrashGuidance()
		session.EmitPhaseTimeline()
		return c.finish(Outcome{Kind: OutcomeStartupTimeout, Session: session}, attempt)
	}

	exitCode, err := proc.Wait(c.Opts.Timeout)
	if err != nil {
		proc.Kill()
		fmt.Fprintln(c.Diag, "Instrumentation timed out")
		reason := "instrumentation-timeout"
		if session.SystemCrashDetected {
			reason = "system-server-crash"
		}
		c.diagnostics.CollectCrashArtifacts(ctx, session, component, reason)
		session.EmitSystemCrashGuidance()
		session.EmitPhaseTimeline()
		return c.finish(Outcome{Kind: OutcomeWallClockTimeout, Session: session}, attempt)
	}

	if exitCode < 0 {
		fmt.Fprintln(c.Diag, "Instrumentation terminated unexpectedly")
		c.diagnostics.CollectCrashArtifacts(ctx, session, component, "unexpected-termination")
		session.EmitMissingInstrumentationGuidance()
		session.EmitSystemCrashGuidance()
		session.EmitPhaseTimeline()
		return c.finish(Outcome{Kind: OutcomeUnexpectedTermination, Session: session}, attempt)
	}

	if exitCode != 0 {
		fmt.Fprintf(c.Diag, "Instrumentation exited with code %d\n", exitCode)
		if session.SystemCrashDetected {
			c.diagnostics.CollectCrashArtifacts(ctx, session, component, "system-server-crash")
		} else if session.ProcessCrashDetected {
			c.diagnostics.CollectCrashArtifacts(ctx, session, component, "process-crash")
		}
		session.EmitMissingInstrumentationGuidance()
		session.EmitSystemCrashGuidance()
		session.EmitPhaseTimeline()
		return c.finish(Outcome{Kind: OutcomeNonZeroExit, ExitCode: exitCode, Session: session}, attempt)
	}

	if !session.CaptureCompleted {
		fmt.Fprintln(c.Diag, "Did not capture any screenshots")
		session.EmitMissingInstrumentationGuidance()
		session.EmitSystemCrashGuidance()
		session.EmitPhaseTimeline()
		return c.finish(Outcome{Kind: OutcomeCaptureIncomplete, Session: session}, attempt)
	}

	return c.finish(Outcome{Kind: OutcomeSuccess, Session: session}, attempt)
}

// consumeStream classifies output lines in arrival order, enforcing the
// startup deadline only until the first line arrives. It returns false on
// startup timeout and true once the stream closes.
func (c *Controller) consumeStream(ctx context.Context, proc Process, session *Session) bool {
	lines := proc.Lines()
	started := false
	startTimer := time.NewTimer(c.Opts.StartTimeout)
	defer startTimer.Stop()

	var systemCrashSent, processCrashSent, missingSent bool
	phaseSeen := 0

	for {
		var line string
		var open bool
		if !started {
			select {
			case line, open = <-lines:
			case <-startTimer.C:
				return false
			}
		} else {
			line, open = <-lines
		}
		if !open {
			return true
		}
		started = true

		fmt.Fprintln(c.Echo, line)
		session.Observe(ctx, line)

		for ; phaseSeen < len(session.PhaseEvents); phaseSeen++ {
			event := session.PhaseEvents[phaseSeen]
			c.publish(events.KindPhase, map[string]string{
				"type":      event.Type,
				"component": event.Component,
				"operation": event.Operation,
				"attempt":   strconv.Itoa(event.Attempt),
			})
		}
		if session.SystemCrashDetected && !systemCrashSent {
			systemCrashSent = true
			c.publish(events.KindSystemCrash, nil)
		}
		if session.ProcessCrashDetected && !processCrashSent {
			processCrashSent = true
			c.publish(events.KindProcessCrash, nil)
		}
		if session.MissingInstrumentationDetected && !missingSent {
			missingSent = true
			c.publish(events.KindMissingInstrumentation, nil)
		}

		if path, captured, err := c.capturer.MaybeCapture(ctx, session); err != nil {
			fmt.Fprintf(c.Diag, "Screenshot capture failed: %v\n", err)
		} else if captured {
			fmt.Fprintf(c.Echo, "Captured screenshot -> %s\n", path)
			c.publish(events.KindCaptureCompleted, map[string]string{"path": path})
		}
	}
}

// runHealthcheck launches the dependency-graph healthcheck test best-effort
// and prints whatever it emits.
func (c *Controller) runHealthcheck(ctx context.Context, extras []Extra, component string) {
	if component == "" {
		return
	}
	fmt.Fprintln(c.Diag, "Attempting harness healthcheck instrumentation run...")
	proc, err := c.Launcher.Launch(ctx, LaunchSpec{Component: component, Test: HealthcheckTest, Extras: extras})
	if err != nil {
		fmt.Fprintf(c.Diag, "Unable to launch harness healthcheck: %v\n", err)
		return
	}

	var output strings.Builder
	deadline := time.NewTimer(HealthcheckTimeout)
	defer deadline.Stop()
	lines := proc.Lines()
drain:
	for {
		select {
		case line, open := <-lines:
			if !open {
				break drain
			}
			output.WriteString(line)
			output.WriteByte('\n')
		case <-deadline.C:
			proc.Kill()
			fmt.Fprintln(c.Diag, "Harness healthcheck timed out before completing")
			return
		}
	}

	if exitCode, err := proc.Wait(HealthcheckTimeout); err == nil && exitCode != 0 {
		fmt.Fprintf(c.Diag, "Harness healthcheck exited with code %d\n", exitCode)
	}
	if output.Len() > 0 {
		fmt.Fprintln(c.Diag, "Harness healthcheck output:")
		printBlock(c.Diag, output.String())
	} else {
		fmt.Fprintln(c.Diag, "Harness healthcheck completed without emitting output")
	}
}

// waitForActivityManager polls until the activity service is reachable again
// after a system-server crash, bounded by the recovery timeout.
func (c *Controller) waitForActivityManager(ctx context.Context) bool {
	deadline := c.now().Add(activityRecoveryTimeout)
	for c.now().Before(deadline) {
		if err := c.Device.WaitForDevice(ctx); err != nil {
			c.sleep(activityRecoveryPoll)
			continue
		}
		status, err := c.Device.CheckService(ctx, "activity")
		if err == nil && strings.HasSuffix(status, ": found") {
			return true
		}
		c.sleep(activityRecoveryPoll)
	}
	return false
}

func (c *Controller) finish(outcome Outcome, attempt int) Outcome {
	fields := map[string]string{
		"attempt": strconv.Itoa(attempt),
		"outcome": outcome.Kind.String(),
	}
	if outcome.Kind == OutcomeNonZeroExit {
		fields["exitCode"] = strconv.Itoa(outcome.ExitCode)
	}
	c.publish(events.KindAttemptFinished, fields)
	return outcome
}

func (c *Controller) publish(kind string, fields map[string]string) {
	c.Sink.Publish(context.Background(), events.Event{
		RunID:  c.RunID,
		Serial: c.Opts.Serial,
		Kind:   kind,
		At:     c.now().UTC(),
		Fields: fields,
	})
}
