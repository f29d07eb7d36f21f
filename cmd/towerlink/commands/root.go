package commands

import (
	"fmt"
	"os"

	"github.com/dyluth/towerlink/internal/config"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
	envFile    string
	logLevel   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "towerlink",
	Short: "towerlink - latch-guarded command relay",
	Long: `towerlink relays operator commands to a physical actuation agent through
a shared key-value store (Redis or NATS JetStream KV).

An operator arms the latch and requests a command; the agent runs the action
registered for it exactly once, answers on the command key and releases the
latch. Requests made without an armed latch are refused.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	PersistentPreRunE: setup,
	// Enable strict flag parsing - unknown flags will cause an error
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Called once by main.main().
func Execute() error {
	// Silence Cobra's default error and usage printing
	// We print formatted colored errors directly in the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "towerlink.yml", "Path to the configuration file")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file read before the configuration")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", fmt.Sprintf("Log level (overrides %s)", config.EnvLogLevel))
}

// setup loads the environment file and applies the log level
func setup(cmd *cobra.Command, args []string) error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return printer.Error(
			"failed to load environment file",
			err.Error(),
			[]string{fmt.Sprintf("Fix or remove %s, or point --env-file elsewhere", envFile)},
		)
	}

	level := logLevel
	if level == "" {
		level = os.Getenv(config.EnvLogLevel)
	}
	if level == "" {
		return nil
	}

	if err := logging.Set(logging.Level(level)); err != nil {
		return printer.Error(
			"invalid log level",
			fmt.Sprintf("Unknown level: %s", level),
			[]string{"Valid levels: panic, fatal, error, warn, info, debug, trace"},
		)
	}
	return nil
}
