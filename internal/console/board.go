package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dyluth/towerlink/internal/indicator"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
)

// StoreIndicator is the board entry tracking the connection itself.
const StoreIndicator = "store"

// Board holds one indicator per command plus the store connection, LATCH,
// STATUS and heartbeat.
type Board struct {
	mu         sync.Mutex
	order      []string
	indicators map[string]*indicator.Indicator
	commands   map[string]bool
}

// NewBoard creates detached indicators for commands.
func NewBoard(commands []string) *Board {
	b := &Board{
		indicators: make(map[string]*indicator.Indicator),
		commands:   make(map[string]bool),
	}

	names := append([]string{StoreIndicator, protocol.LatchKey, protocol.StatusKey, protocol.HeartbeatKey}, commands...)
	for _, name := range names {
		if _, exists := b.indicators[name]; exists {
			continue
		}
		b.order = append(b.order, name)
		b.indicators[name] = indicator.New(name)
	}
	for _, name := range commands {
		b.commands[name] = true
	}

	return b
}

// Indicator returns the indicator for name, or nil.
func (b *Board) Indicator(name string) *indicator.Indicator {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.indicators[name]
}

// Press marks a command as requested until the agent answers.
func (b *Board) Press(command string) {
	if ind := b.Indicator(command); ind != nil && b.commands[command] {
		ind.ButtonPressed()
	}
}

// Apply updates the board from one store event.
func (b *Board) Apply(ev keystore.Event) {
	switch ev.Kind {
	case keystore.EventConnected:
		b.each(func(ind *indicator.Indicator) { ind.Attach() })

	case keystore.EventSynced:
		b.Indicator(StoreIndicator).OutputChangedText(true, "connected")

	case keystore.EventDisconnected:
		b.each(func(ind *indicator.Indicator) { ind.Detach() })

	case keystore.EventError:
		text := "store error"
		if ev.Err != nil {
			text = ev.Err.Error()
		}
		b.Indicator(StoreIndicator).Error(text)

	case keystore.EventKeyChanged:
		b.ApplyValue(ev.Key, ev.Value)
	}
}

// ApplyValue maps a key's new value onto its indicator.
// Returns false for keys the board does not track.
func (b *Board) ApplyValue(key, value string) bool {
	switch {
	case key == protocol.LatchKey:
		b.Indicator(key).OutputChangedText(value == protocol.LatchSet, value)

	case key == protocol.StatusKey:
		ind := b.Indicator(key)
		switch {
		case value == protocol.StatusReady, value == protocol.StatusMessageSent:
			ind.OutputChangedText(true, value)
		case value == protocol.StatusEnableLatch, strings.Contains(value, protocol.Failed):
			ind.Error(value)
		default:
			ind.OutputChangedText(false, value)
		}

	case protocol.IsHeartbeat(key):
		b.Indicator(protocol.HeartbeatKey).OutputChangedText(true, value)

	case b.commands[key]:
		ind := b.Indicator(key)
		switch value {
		case protocol.Ready:
			ind.OutputChangedText(true, value)
		case protocol.Failed, protocol.NeedLatch:
			ind.Error(value)
		case protocol.Please:
			ind.ButtonPressed()
		default:
			ind.OutputChangedText(false, value)
		}

	default:
		return false
	}
	return true
}

func (b *Board) each(fn func(*indicator.Indicator)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, name := range b.order {
		fn(b.indicators[name])
	}
}

// Render writes one coloured line per indicator.
func (b *Board) Render(w io.Writer) {
	b.each(func(ind *indicator.Indicator) {
		fmt.Fprintln(w, indicator.Render(ind))
	})
}

// Snapshot returns state and text per indicator, in board order.
func (b *Board) Snapshot() []IndicatorView {
	var views []IndicatorView
	b.each(func(ind *indicator.Indicator) {
		state, text := ind.State()
		views = append(views, IndicatorView{Name: ind.Name(), State: state.String(), Text: text})
	})
	return views
}

// IndicatorView is a serialisable indicator state.
type IndicatorView struct {
	Name  string `json:"name"`
	State string `json:"state"`
	Text  string `json:"text,omitempty"`
}
