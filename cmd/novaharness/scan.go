package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/p2k3m/novaharness/internal/crashscan"
	"github.com/p2k3m/novaharness/internal/harness"
)

func newScanCmd(root *rootOptions) *cobra.Command {
	var (
		logcatFiles []string
		packageName string
		fromDevice  bool
		tailLines   int
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan logcat output for crash and ANR signatures",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(logcatFiles) == 0 && !fromDevice {
				return fmt.Errorf("provide --logcat files or --device")
			}
			signatures := crashscan.BuildSignatures(packageName)

			var issues []crashscan.Issue
			for _, path := range logcatFiles {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				issues = append(issues, crashscan.FindIssues(string(data), path, signatures)...)
			}
			if fromDevice {
				tail, err := root.bridge().LogcatTail(cmd.Context(), tailLines)
				if err != nil {
					return err
				}
				issues = append(issues, crashscan.FindIssues(tail, "device logcat", signatures)...)
			}

			if len(issues) == 0 {
				fmt.Println("No crash signatures found.")
				return nil
			}
			for _, issue := range issues {
				fmt.Printf("%s [%s]\n", issue.Message, issue.Source)
				if issue.Snippet != "" {
					for _, line := range strings.Split(issue.Snippet, "\n") {
						fmt.Printf("  %s\n", line)
					}
				}
			}
			exitCode = 1
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&logcatFiles, "logcat", nil, "logcat capture file to scan (repeatable)")
	cmd.Flags().StringVar(&packageName, "package", "com.novapdf.reader", "application package the signatures target")
	cmd.Flags().BoolVar(&fromDevice, "device", false, "also scan the connected device's recent logcat")
	cmd.Flags().IntVar(&tailLines, "tail", harness.LogcatTailLines, "device logcat lines to scan with --device")
	return cmd
}
