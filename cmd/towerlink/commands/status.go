package commands

import (
	"fmt"

	"github.com/dyluth/towerlink/internal/console"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/spf13/cobra"
)

var statusOutputFormat string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show every key in the store",
	Long: `Print LATCH, STATUS, the command keys and any other keys in the store.

Output Formats:
  table - Human-readable table (default)
  jsonl - One JSON object per key`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutputFormat, "output", "o", "table", "Output format (table or jsonl)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusOutputFormat != "table" && statusOutputFormat != "jsonl" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", statusOutputFormat),
			[]string{"Valid formats: table, jsonl"},
		)
	}

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

	values, err := console.New(store, logging.New("console")).Status(ctx)
	if err != nil {
		return printer.Error("failed to read store", err.Error(), nil)
	}

	entries := console.Entries(values, cfg.Commands.Names())
	if statusOutputFormat == "jsonl" {
		return console.FormatJSONL(printer.Writer(), entries)
	}

	console.FormatTable(printer.Writer(), entries, cfg.Instance)
	return nil
}
