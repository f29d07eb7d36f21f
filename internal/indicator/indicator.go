// Package indicator tracks the display state of one monitored entity: a
// command channel, the latch or the status line.
//
// Transitions are driven by events from the store; rendering is looked up
// from a fixed table (see Display) so many indicators share one palette.
package indicator

import "sync"

// State is the displayed condition of an indicator.
type State int

const (
	Detached State = iota
	Thinking
	Open
	Closed
	Error
)

func (s State) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Thinking:
		return "Thinking"
	case Open:
		return "Open"
	case Closed:
		return "Closed"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Indicator is the state machine for one entity. Safe for concurrent use.
type Indicator struct {
	name string

	mu    sync.RWMutex
	state State
	text  string
}

// New returns a detached indicator.
func New(name string) *Indicator {
	ind := &Indicator{name: name}
	ind.SetState(Detached, "")
	return ind
}

// Name returns the entity the indicator tracks.
func (i *Indicator) Name() string {
	return i.name
}

// State returns the current state and display text.
func (i *Indicator) State() (State, string) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.state, i.text
}

// SetState moves to state. Thinking always clears the text; any other state
// shows text when given, else its own name.
func (i *Indicator) SetState(state State, text string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = state
	switch {
	case state == Thinking:
		i.text = ""
	case text != "":
		i.text = text
	default:
		i.text = state.String()
	}
}

// Attach reports the entity became reachable; its value is not yet known.
func (i *Indicator) Attach() {
	i.SetState(Thinking, "")
}

// Detach reports the entity is no longer reachable. Overrides any state.
func (i *Indicator) Detach() {
	i.SetState(Detached, "")
}

// OutputChanged reports a new authoritative value.
func (i *Indicator) OutputChanged(value bool) {
	i.OutputChangedText(value, "")
}

// OutputChangedText is OutputChanged with a display text override.
func (i *Indicator) OutputChangedText(value bool, text string) {
	if value {
		i.SetState(Open, text)
		return
	}
	i.SetState(Closed, text)
}

// Error reports a fault. Overrides any state until the next event.
func (i *Indicator) Error(text string) {
	i.SetState(Error, text)
}

// ButtonPressed is the optimistic update after the operator issues a request;
// the next authoritative event replaces it.
func (i *Indicator) ButtonPressed() {
	i.SetState(Thinking, "")
}
