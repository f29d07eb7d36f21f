package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/dyluth/towerlink/internal/console"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/spf13/cobra"
)

var (
	requestArm  bool
	requestWait time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request <command>",
	Short: "Request a configured command",
	Long: `Set a command key to PLEASE and wait for the agent's answer.

Answers:
  ready         the action ran successfully
  ERROR         the action failed; arm and request again
  I need latch  the latch was not armed; nothing ran

Examples:
  # Arm and request in one step
  towerlink request v360_on --arm

  # Fire and forget
  towerlink request wifi_on --wait 0`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().BoolVar(&requestArm, "arm", false, "Arm the latch before requesting")
	requestCmd.Flags().DurationVar(&requestWait, "wait", 30*time.Second, "How long to wait for the agent's answer (0 = don't wait)")
	rootCmd.AddCommand(requestCmd)
}

func runRequest(cmd *cobra.Command, args []string) error {
	command := args[0]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if _, ok := cfg.Commands.Map()[command]; !ok {
		return printer.Error(
			fmt.Sprintf("unknown command '%s'", command),
			fmt.Sprintf("%s does not define '%s'.", configPath, command),
			[]string{fmt.Sprintf("Configured commands: %s", strings.Join(cfg.Commands.Names(), ", "))},
		)
	}

	ctx := cmd.Context()
	store, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	c := console.New(store, logging.New("console"))

	if requestArm {
		if err := c.Arm(ctx); err != nil {
			return printer.Error("failed to arm latch", err.Error(), nil)
		}
	}

	if err := c.Request(ctx, command); err != nil {
		return printer.Error(fmt.Sprintf("failed to request '%s'", command), err.Error(), nil)
	}

	if requestWait <= 0 {
		printer.Success("Requested %s\n", command)
		return nil
	}

	printer.Step("Waiting for agent to answer %s...\n", command)

	outcome, err := c.WaitForResult(ctx, command, requestWait)
	if err != nil {
		return printer.Error(
			"no answer from agent",
			fmt.Sprintf("Error: %v", err),
			[]string{
				"Check the agent is running:\n  towerlink status",
				"Wait longer with --wait",
			},
		)
	}

	return reportOutcome(outcome)
}

func reportOutcome(outcome *console.Outcome) error {
	switch outcome.Value {
	case protocol.Ready:
		printer.Success("%s: %s (STATUS=%s)\n", outcome.Command, outcome.Value, outcome.Status)
		return nil

	case protocol.NeedLatch:
		return printer.Error(
			"latch not armed",
			fmt.Sprintf("The agent refused '%s' because LATCH was not SET.", outcome.Command),
			[]string{fmt.Sprintf("Arm and request again:\n  towerlink request %s --arm", outcome.Command)},
		)

	default:
		return printer.ErrorWithContext(
			fmt.Sprintf("'%s' failed", outcome.Command),
			"The action ran but did not succeed. The latch has been released.",
			map[string]string{"Command": outcome.Value, "Status": outcome.Status},
			[]string{fmt.Sprintf("Check the agent logs, then retry:\n  towerlink request %s --arm", outcome.Command)},
		)
	}
}
