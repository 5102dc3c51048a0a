package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/arbiter/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"   __ _ _ __| |__ (_) |_ ___ _ __\n" +
		"  / _` | '__| '_ \\| | __/ _ \\ '__|\n" +
		" | (_| | |  | |_) | | ||  __/ |\n" +
		"  \\__,_|_|  |_.__/|_|\\__\\___|_|\n"
)

// configPath is the --config flag; empty means ARBITER_CONFIG or the default.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "arbiter",
	Short: "arbiter - adaptive routing and resilience for agent tasks",
	Long: color.CyanString(logo) + "\nDecides when a task needs a multi-agent team, which agents to use, " +
		"and keeps their failures contained with circuit breakers and retries.",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (JSON or YAML)")
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "arbiter %s\n", version)
	},
}
