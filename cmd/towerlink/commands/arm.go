package commands

import (
	"github.com/dyluth/towerlink/internal/console"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/spf13/cobra"
)

var armCmd = &cobra.Command{
	Use:   "arm",
	Short: "Arm the latch",
	Long: `Set LATCH=SET so the next requested command is executed.

The agent releases the latch (LATCH=UNSET) after every execution, so each
request needs its own arming.`,
	Args: cobra.NoArgs,
	RunE: runArm,
}

func init() {
	rootCmd.AddCommand(armCmd)
}

func runArm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	store, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	c := console.New(store, logging.New("console"))
	if err := c.Arm(ctx); err != nil {
		return printer.Error("failed to arm latch", err.Error(), nil)
	}

	printer.Success("Latch armed (%s=%s)\n", protocol.LatchKey, protocol.LatchSet)
	return nil
}
