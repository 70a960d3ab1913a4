package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/whitelie/whitelie/internal/config"
)

var (
	configShow bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration",
	Long: `View whitelie configuration.

Configuration priority (highest to lowest):
  1. Command-line flags
  2. Environment variables (WHITELIE_*)
  3. Project config (.whitelie/config.yaml)
  4. Home config (~/.whitelie/config.yaml)
  5. Defaults

Environment variables:
  WHITELIE_CONFIG             - Explicit config file path (replaces the project config)
  WHITELIE_OUTPUT             - Default output format (table, json, yaml)
  WHITELIE_BASE_DIR           - Data directory path
  WHITELIE_VERBOSE            - Enable verbose output (true/1)
  WHITELIE_USER               - User id
  WHITELIE_STORAGE_BACKEND    - file, sqlite or memory
  WHITELIE_SQLITE_PATH        - SQLite database file (default: <base_dir>/whitelie.db)
  WHITELIE_LOG_LEVEL          - debug, info, warn, error
  WHITELIE_LOG_FORMAT         - console or json
  WHITELIE_GRACE_WINDOW       - Minimum lead a displayed deadline keeps (e.g. 30m)
  WHITELIE_ESCALATION_ENABLED - Turn single-task mode on or off
  WHITELIE_ESCALATION_SEED    - Fixed seed for pick-for-me (0 = random)

Examples:
  wl config --show           # Show resolved configuration
  wl config --show -o json   # Output as JSON`,
	RunE: runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.Flags().BoolVar(&configShow, "show", false, "Show resolved configuration with sources")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if !configShow {
		return cmd.Help()
	}

	resolved := config.Resolve(config.Flags{
		Output:  output,
		BaseDir: baseDir,
		User:    userFlag,
		Verbose: GetVerbose(),
	})

	return render(cmd.OutOrStdout(), resolved, func(w io.Writer) error {
		return configText(w, resolved)
	})
}

func configText(w io.Writer, resolved *config.ResolvedConfig) error {
	fmt.Fprintln(w, "whitelie configuration")
	fmt.Fprintln(w, "======================")
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Config files:")
	home, project := config.Paths()
	for _, f := range []struct{ label, path string }{{"Home:   ", home}, {"Project:", project}} {
		if _, err := os.Stat(f.path); err == nil {
			fmt.Fprintf(w, "  ✓ %s %s\n", f.label, f.path)
		} else {
			fmt.Fprintf(w, "  ✗ %s %s (not found)\n", f.label, f.path)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Resolved values:")
	fmt.Fprintf(w, "  output:          %v  (from %s)\n", resolved.Output.Value, resolved.Output.Source)
	fmt.Fprintf(w, "  base_dir:        %v  (from %s)\n", resolved.BaseDir.Value, resolved.BaseDir.Source)
	fmt.Fprintf(w, "  user:            %v  (from %s)\n", resolved.User.Value, resolved.User.Source)
	fmt.Fprintf(w, "  verbose:         %v  (from %s)\n", resolved.Verbose.Value, resolved.Verbose.Source)
	fmt.Fprintf(w, "  storage.backend: %v  (from %s)\n", resolved.StorageBackend.Value, resolved.StorageBackend.Source)
	fmt.Fprintf(w, "  storage.sqlite_path: %v  (from %s)\n", resolved.SQLitePath.Value, resolved.SQLitePath.Source)
	fmt.Fprintf(w, "  log.level:       %v  (from %s)\n", resolved.LogLevel.Value, resolved.LogLevel.Source)
	fmt.Fprintf(w, "  log.format:      %v  (from %s)\n", resolved.LogFormat.Value, resolved.LogFormat.Source)
	fmt.Fprintf(w, "  deception.grace_window: %v  (from %s)\n", resolved.GraceWindow.Value, resolved.GraceWindow.Source)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Environment variables (if set):")
	anySet := false
	for _, env := range config.EnvVars {
		if v := os.Getenv(env); v != "" {
			fmt.Fprintf(w, "  %s=%s\n", env, v)
			anySet = true
		}
	}
	if !anySet {
		fmt.Fprintln(w, "  (none set)")
	}
	return nil
}
