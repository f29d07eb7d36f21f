package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dyluth/towerlink/internal/console"
	"github.com/dyluth/towerlink/internal/indicator"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/printer"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
	"github.com/spf13/cobra"
)

var watchOutputFormat string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream the indicator board",
	Long: `Follow the store and show one indicator per command, plus the store
connection, LATCH, STATUS and the agent heartbeat.

The full board is printed once the store is in sync; after that one line is
printed per change.

Output Formats:
  default - Coloured indicator lines
  json    - One JSON object per indicator change`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVarP(&watchOutputFormat, "output", "o", "default", "Output format (default or json)")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchOutputFormat != "default" && watchOutputFormat != "json" {
		return printer.Error(
			"invalid output format",
			fmt.Sprintf("Unknown format: %s", watchOutputFormat),
			[]string{"Valid formats: default, json"},
		)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := connect(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	board := console.NewBoard(cfg.Commands.Names())
	c := console.New(store, logging.New("console"))

	return c.Follow(ctx, board, func(ev keystore.Event) {
		for _, ind := range changed(board, ev) {
			printIndicator(ind)
		}
	})
}

// changed returns the indicators an event touched, in board order
func changed(board *console.Board, ev keystore.Event) []*indicator.Indicator {
	var names []string
	switch ev.Kind {
	case keystore.EventSynced:
		for _, view := range board.Snapshot() {
			names = append(names, view.Name)
		}
	case keystore.EventConnected, keystore.EventDisconnected, keystore.EventError:
		names = []string{console.StoreIndicator}
	case keystore.EventKeyChanged:
		if ev.Reason == keystore.ReasonCurrentValue {
			// Printed with the full board on sync
			return nil
		}
		key := ev.Key
		if protocol.IsHeartbeat(key) {
			key = protocol.HeartbeatKey
		}
		names = []string{key}
	}

	var indicators []*indicator.Indicator
	for _, name := range names {
		if ind := board.Indicator(name); ind != nil {
			indicators = append(indicators, ind)
		}
	}
	return indicators
}

func printIndicator(ind *indicator.Indicator) {
	if watchOutputFormat != "json" {
		printer.Println(indicator.Render(ind))
		return
	}

	state, text := ind.State()
	data, err := json.Marshal(console.IndicatorView{Name: ind.Name(), State: state.String(), Text: text})
	if err != nil {
		return
	}
	printer.Println(string(data))
}
