package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"unicode"

	"github.com/spf13/cobra"
	"github.com/srg/blesession/pkg/device"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// formatVersion adds 'v' prefix if version starts with a digit
func formatVersion(ver string) string {
	if len(ver) > 0 && unicode.IsDigit(rune(ver[0])) {
		return "v" + ver
	}
	return ver
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "blesession",
	Short: "Bluetooth Low Energy session tool",
	Long: `Drives Bluetooth Low Energy peripherals through cancellable sessions:

- Scan for advertisements and optionally publish them to an MQTT broker
- Connect to a peripheral, waiting for it to come into range when needed
- Discover services, read and write characteristics, stream notifications

Output is colored text on a terminal and JSON lines otherwise.`,
	Version: fmt.Sprintf("%s (commit %s, built %s)", formatVersion(version), commit, date),
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Ctrl+C is a normal exit, not an error - exit silently
		if errors.Is(err, context.Canceled) || device.IsCancelled(err) {
			return
		}
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", FormatUserError(err))
		os.Exit(1)
	}
}

func init() {
	// Silence Cobra's "Error:" prefix - main() prints clean errors
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(servicesCmd)
	rootCmd.AddCommand(idCmd)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&globalLogLevel, "log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().StringVar(&globalConfigPath, "config", "", "Path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&globalBackend, "backend", "", "Host stack backend (go-ble, tinygo); overrides the config file")
	rootCmd.PersistentFlags().StringVarP(&globalOutput, "output", "o", outputAuto, "Output format (auto, text, json)")

	// Add -v as a short flag for --version
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
}
