package main

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/p2k3m/novaharness/internal/config"
	"github.com/p2k3m/novaharness/internal/fleet"
	"github.com/p2k3m/novaharness/internal/harness"
)

func newDoctorCmd(root *rootOptions) *cobra.Command {
	var projectRoot string
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Print local diagnostic information for troubleshooting",
		RunE: func(cmd *cobra.Command, _ []string) error {
			adbPath := root.adbPath
			if adbPath == "" {
				adbPath = "adb"
			}
			look, _ := exec.LookPath(adbPath)
			look = strings.TrimSpace(look)
			fmt.Fprintf(os.Stdout, "adb_executable=%s\n", adbPath)
			if look != "" {
				fmt.Fprintf(os.Stdout, "adb_on_path=%s\n", look)
			} else {
				fmt.Fprintln(os.Stdout, "adb_on_path=false (install platform-tools or pass --adb)")
			}

			fmt.Fprintf(os.Stdout, "serial_flag=%s\n", root.serial)
			fmt.Fprintf(os.Stdout, "ANDROID_SERIAL=%s\n", os.Getenv("ANDROID_SERIAL"))

			if look != "" {
				listing, err := root.bridge().Devices(cmd.Context())
				if err != nil {
					fmt.Fprintf(os.Stdout, "devices_error=%s\n", err.Error())
				} else {
					records := fleet.ParseDevices(listing)
					fmt.Fprintf(os.Stdout, "devices_connected=%d\n", len(records))
					for _, record := range records {
						fmt.Fprintf(os.Stdout, "device=%s state=%s model=%s\n", record.Serial, record.State, record.Attrs["model"])
					}
				}
			}

			fmt.Fprintf(os.Stdout, "config_path=%s\n", root.configPath)
			cfg, err := config.Load(root.configPath)
			switch {
			case err != nil:
				fmt.Fprintf(os.Stdout, "config_error=%s\n", err.Error())
			case cfg == nil:
				fmt.Fprintln(os.Stdout, "config_present=false")
			default:
				fmt.Fprintln(os.Stdout, "config_present=true")
			}

			fmt.Fprintf(os.Stdout, "virtualization_unavailable=%t\n", harness.VirtualizationUnavailable())

			if projectRoot != "" {
				wrapper := filepath.Join(projectRoot, "gradlew")
				_, err := os.Stat(wrapper)
				fmt.Fprintf(os.Stdout, "gradle_wrapper=%s present=%t\n", wrapper, err == nil)
				envFile := config.DefaultEnvFile(projectRoot)
				_, err = os.Stat(envFile)
				fmt.Fprintf(os.Stdout, "harness_env_file=%s present=%t\n", envFile, err == nil)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectRoot, "project-root", "", "Gradle project root to inspect")
	return cmd
}
