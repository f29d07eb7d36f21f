package indicator

import "github.com/fatih/color"

// RGBA is a colour with components in [0, 1].
type RGBA [4]float64

// Style is how a state is rendered.
type Style struct {
	RGBA  RGBA
	Color *color.Color
}

var palette = map[State]Style{
	Detached: {RGBA: RGBA{.1, .1, .1, 1}, Color: color.New(color.FgHiBlack)},
	Thinking: {RGBA: RGBA{0, 1, 1, 1}, Color: color.New(color.FgCyan)},
	Open:     {RGBA: RGBA{0, 1, .5, 1}, Color: color.New(color.FgGreen)},
	Closed:   {RGBA: RGBA{1, 0, 0, 1}, Color: color.New(color.FgRed)},
	Error:    {RGBA: RGBA{1, 1, 0, 1}, Color: color.New(color.FgYellow, color.Bold)},
}

// Display returns the style for state. Unknown states render as Detached.
func Display(state State) Style {
	if style, ok := palette[state]; ok {
		return style
	}
	return palette[Detached]
}

// Render formats an indicator as a coloured "name: text" line fragment.
func Render(ind *Indicator) string {
	state, text := ind.State()
	label := text
	if label == "" {
		label = state.String()
	}
	return Display(state).Color.Sprintf("● %s: %s", ind.Name(), label)
}
