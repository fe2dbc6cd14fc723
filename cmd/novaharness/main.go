package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/p2k3m/novaharness/internal/adb"
	"github.com/p2k3m/novaharness/internal/config"
	"github.com/p2k3m/novaharness/internal/events"
	"github.com/p2k3m/novaharness/internal/harness"
)

type rootOptions struct {
	configPath string
	adbPath    string
	serial     string
	natsURL    string
	verbose    bool

	config *config.Config
}

func (r *rootOptions) prepare() error {
	cfg, err := config.Load(r.configPath)
	if err != nil {
		return err
	}
	r.config = cfg
	if cfg == nil {
		return nil
	}
	if r.adbPath == "" {
		r.adbPath = cfg.AdbPath
	}
	if r.serial == "" {
		r.serial = cfg.Serial
	}
	if r.natsURL == "" {
		r.natsURL = cfg.NATSURL
	}
	return nil
}

func (r *rootOptions) logger() *slog.Logger {
	level := slog.LevelInfo
	if r.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (r *rootOptions) bridge() *adb.Bridge {
	serial := r.serial
	if serial == "" {
		serial = strings.TrimSpace(os.Getenv("ANDROID_SERIAL"))
	}
	return adb.New(r.adbPath, serial)
}

// sink connects the optional NATS event stream. Connection failures degrade
// to a no-op sink so a missing broker never blocks a capture run.
func (r *rootOptions) sink(logger *slog.Logger) events.Sink {
	if r.natsURL == "" {
		return events.NopSink{}
	}
	sink, err := events.DialNATS(r.natsURL, logger)
	if err != nil {
		logger.Warn("event stream unavailable", "url", r.natsURL, "err", err)
		return events.NopSink{}
	}
	return sink
}

var exitCode int

func main() {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "novaharness",
		Short: "Drives the NovaPDF on-device screenshot harness over adb",
	}
	defaultConfig := os.Getenv("NOVAHARNESS_CONFIG")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfig, "path to novaharness config file (YAML)")
	rootCmd.PersistentFlags().StringVar(&opts.adbPath, "adb", "", "adb executable (default adb from PATH)")
	rootCmd.PersistentFlags().StringVar(&opts.serial, "serial", "", "device serial (default $ANDROID_SERIAL or the only connected device)")
	rootCmd.PersistentFlags().StringVar(&opts.natsURL, "nats-url", "", "NATS URL for the harness event stream (optional)")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		return opts.prepare()
	}

	rootCmd.AddCommand(newCaptureCmd(opts))
	rootCmd.AddCommand(newFleetCmd(opts))
	rootCmd.AddCommand(newScanCmd(opts))
	rootCmd.AddCommand(newDoctorCmd(opts))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if exitCode == 0 {
			exitCode = 1
		}
	}
	os.Exit(exitCode)
}

type captureFlags struct {
	instrumentation      string
	test                 string
	outputDir            string
	extraArgs            []string
	documentFactory      string
	storageClientFactory string
	testPackage          string
	projectRoot          string
	artifactRoot         string
	collectorScript      string
	envFile              string
	startTimeout         time.Duration
	timeout              time.Duration
	skipAutoInstall      bool
	maxSystemCrashRetry  int
}

func newCaptureCmd(root *rootOptions) *cobra.Command {
	flags := &captureFlags{}
	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run the screenshot harness and capture the handshake screenshot",
		RunE: func(cmd *cobra.Command, _ []string) error {
			applyCaptureConfig(flags, cmd.Flags().Changed, root.config)

			envFile := flags.envFile
			if envFile == "" {
				envFile = config.DefaultEnvFile(flags.projectRoot)
			}
			if envFile != "" {
				if err := config.LoadEnvFile(envFile); err != nil {
					return fmt.Errorf("load harness env file: %w", err)
				}
			}

			extras, err := harness.ParseExtraArgs(flags.extraArgs)
			if err != nil {
				return err
			}
			if root.config != nil {
				for key, value := range root.config.Extras {
					extras = append(extras, harness.Extra{Key: key, Value: value})
				}
			}

			logger := root.logger()
			bridge := root.bridge()
			launcher := &harness.AdbLauncher{Bridge: bridge, Logger: logger}

			var installer harness.Installer
			if flags.projectRoot != "" {
				installer = &harness.GradleInstaller{ProjectRoot: flags.projectRoot, Diag: os.Stderr, Logger: logger}
			}

			sink := root.sink(logger)
			defer sink.Close()

			controller := harness.NewController(bridge, launcher, installer, sink, harness.Options{
				Instrumentation:       flags.instrumentation,
				Test:                  flags.test,
				OutputDir:             flags.outputDir,
				ExtraArgs:             extras,
				DocumentFactory:       flags.documentFactory,
				StorageClientFactory:  flags.storageClientFactory,
				TestPackage:           flags.testPackage,
				Serial:                bridge.Serial,
				StartTimeout:          flags.startTimeout,
				Timeout:               flags.timeout,
				SkipAutoInstall:       flags.skipAutoInstall,
				MaxSystemCrashRetries: flags.maxSystemCrashRetry,
				ArtifactRoot:          flags.artifactRoot,
				CollectorScript:       flags.collectorScript,
			}, os.Stderr, logger)

			exitCode = controller.Run(cmd.Context())
			return nil
		},
	}
	cmd.Flags().StringVar(&flags.instrumentation, "instrumentation", harness.DefaultInstrumentation, "instrumentation component, package/runner (wildcards allowed)")
	cmd.Flags().StringVar(&flags.test, "test", harness.DefaultTest, "fully qualified test class#method to run")
	cmd.Flags().StringVar(&flags.outputDir, "output-dir", "screenshots", "directory for captured screenshots")
	cmd.Flags().StringArrayVar(&flags.extraArgs, "extra-arg", nil, "additional -e KEY=VALUE instrumentation argument (repeatable)")
	cmd.Flags().StringVar(&flags.documentFactory, "document-factory", "", "harnessDocumentFactory extra")
	cmd.Flags().StringVar(&flags.storageClientFactory, "storage-client-factory", "", "harnessStorageClientFactory extra")
	cmd.Flags().StringVar(&flags.testPackage, "test-package", "", "test package for run-as file access (default derived)")
	cmd.Flags().StringVar(&flags.projectRoot, "project-root", "", "Gradle project root used for automatic APK installation")
	cmd.Flags().StringVar(&flags.artifactRoot, "artifact-root", harness.DefaultArtifactRoot, "directory for native crash artifact bundles")
	cmd.Flags().StringVar(&flags.collectorScript, "collector-script", "", "external tombstone collector script")
	cmd.Flags().StringVar(&flags.envFile, "env-file", "", "harness env file (default <project-root>/config/screenshot-harness.env)")
	cmd.Flags().DurationVar(&flags.startTimeout, "start-timeout", harness.DefaultStartTimeout, "max wait for the first output line")
	cmd.Flags().DurationVar(&flags.timeout, "timeout", harness.DefaultRunTimeout, "max wall-clock time for the instrumentation run")
	cmd.Flags().BoolVar(&flags.skipAutoInstall, "skip-auto-install", false, "never run Gradle to install missing APKs")
	cmd.Flags().IntVar(&flags.maxSystemCrashRetry, "max-system-crash-retries", 1, "relaunch budget after system_server crashes")
	return cmd
}

// applyCaptureConfig fills flags the user did not pass on the command line
// from the config file. An explicitly passed flag wins over the file value
// even when set to its default.
func applyCaptureConfig(flags *captureFlags, changed func(name string) bool, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if !changed("instrumentation") && cfg.Instrumentation != "" {
		flags.instrumentation = cfg.Instrumentation
	}
	if !changed("test") && cfg.Test != "" {
		flags.test = cfg.Test
	}
	if !changed("output-dir") && cfg.OutputDir != "" {
		flags.outputDir = cfg.OutputDir
	}
	if !changed("project-root") && cfg.ProjectRoot != "" {
		flags.projectRoot = cfg.ProjectRoot
	}
	if !changed("artifact-root") && cfg.ArtifactRoot != "" {
		flags.artifactRoot = cfg.ArtifactRoot
	}
	if !changed("env-file") && cfg.EnvFile != "" {
		flags.envFile = cfg.EnvFile
	}
	if !changed("start-timeout") && cfg.StartTimeoutSeconds > 0 {
		flags.startTimeout = time.Duration(cfg.StartTimeoutSeconds) * time.Second
	}
	if !changed("timeout") && cfg.RunTimeoutSeconds > 0 {
		flags.timeout = time.Duration(cfg.RunTimeoutSeconds) * time.Second
	}
	if !changed("skip-auto-install") && cfg.SkipAutoInstall {
		flags.skipAutoInstall = true
	}
}
