package commands

import (
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/dyluth/towerlink/internal/scaffold"
	"github.com/spf13/cobra"
)

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter towerlink.yml",
	Long: `Create towerlink.yml in the current directory with the default store,
timing and health settings and two example commands.

Use --force to replace an existing file.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Replace an existing towerlink.yml")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := scaffold.Initialize(".", initForce)
	if err != nil {
		if !initForce && scaffold.CheckExisting(".") != nil {
			return printer.Error(
				"already initialized",
				"Found existing towerlink.yml.",
				[]string{"Use 'towerlink init --force' to overwrite it"},
			)
		}
		return printer.Error("initialization failed", err.Error(), nil)
	}

	printer.Success("Created %s\n", path)
	printer.Info("\nNext steps:\n")
	printer.Info("  1. Point store.url at your Redis or NATS server\n")
	printer.Info("  2. Replace the example commands with your own programs\n")
	printer.Info("  3. Run '%s agent' on the actuation host\n", rootCmd.Name())
	return nil
}
