package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	dryRun   bool
	verbose  bool
	output   string
	cfgFile  string
	userFlag string
	baseDir  string
)

const (
	groupTasks = "tasks"
	groupFocus = "focus"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "wl",
	Short: "A task list that lies about deadlines",
	Long: `wl is a personal task tracker that shows you an earlier deadline than
the real one. How much earlier depends on your track record: finish on time
and the lies shrink, run late and they grow.

Ask it to pick a task for you. Ask twice without finishing and it locks you
into single-task mode until you complete a few picked tasks in a row.

Deadlines accept a duration (90m, 36h, 3d) or a time (RFC3339,
"2006-01-02 15:04", "2006-01-02").`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		syncConfigFlagToEnv()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: groupTasks, Title: "Tasks:"},
		&cobra.Group{ID: groupFocus, Title: "Focus:"},
	)

	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "Show what would happen without writing anything")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "", "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: .whitelie/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&userFlag, "user", "", "User whose tasks to operate on")
	rootCmd.PersistentFlags().StringVar(&baseDir, "base-dir", "", "Data directory (default: .whitelie/data)")
}

// GetDryRun returns the dry-run flag value for use by subcommands.
func GetDryRun() bool {
	return dryRun
}

// GetVerbose returns the verbose flag value for use by subcommands.
func GetVerbose() bool {
	return verbose
}

// GetOutput returns the output format for use by subcommands.
func GetOutput() string {
	if output == "" {
		return "table"
	}
	return output
}

// GetConfigFile returns the config file path for use by subcommands.
func GetConfigFile() string {
	return cfgFile
}

// VerbosePrintf prints to stderr only when verbose mode is enabled, so
// structured output on stdout stays parseable.
func VerbosePrintf(format string, args ...interface{}) {
	if verbose {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func syncConfigFlagToEnv() {
	path := strings.TrimSpace(GetConfigFile())
	if path == "" {
		return
	}
	_ = os.Setenv("WHITELIE_CONFIG", path)
}
