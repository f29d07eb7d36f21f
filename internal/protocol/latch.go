package protocol

// LatchState is the agent's view of the LATCH key.
type LatchState int

const (
	// Unset covers UNSET, INITIALIZED and any value other than SET
	Unset LatchState = iota
	Set
)

func (s LatchState) String() string {
	if s == Set {
		return "Set"
	}
	return "Unset"
}

// ParseLatch maps a stored LATCH value to its state.
func ParseLatch(value string) LatchState {
	if value == LatchSet {
		return Set
	}
	return Unset
}

// Decision is what the agent does about one command key.
type Decision int

const (
	// Idle means no request is pending
	Idle Decision = iota

	// Execute means run the action and release the latch
	Execute

	// Reject means answer "I need latch" without running anything
	Reject
)

func (d Decision) String() string {
	switch d {
	case Execute:
		return "execute"
	case Reject:
		return "reject"
	default:
		return "idle"
	}
}

// Decide returns the decision for a command key holding commandValue while
// the latch is in the given state.
func Decide(latch LatchState, commandValue string) Decision {
	if commandValue != Please {
		return Idle
	}
	if latch == Set {
		return Execute
	}
	return Reject
}

// Outcome lists the writes, in order, that close a latch cycle.
// The settle write (STATUS=READY after a success) is not included; Settled
// reports whether one is due.
type Outcome struct {
	Writes  []Write
	Settled bool
}

// Write is a single key/value upsert.
type Write struct {
	Key   string
	Value string
}

// SuccessOutcome releases the latch after a successful execution.
func SuccessOutcome(command string) Outcome {
	return Outcome{
		Writes: []Write{
			{Key: LatchKey, Value: LatchUnset},
			{Key: StatusKey, Value: StatusMessageSent},
			{Key: command, Value: Ready},
		},
		Settled: true,
	}
}

// FailureOutcome releases the latch after a failed execution.
func FailureOutcome(command string) Outcome {
	return Outcome{
		Writes: []Write{
			{Key: LatchKey, Value: LatchUnset},
			{Key: StatusKey, Value: StatusTryAgain},
			{Key: command, Value: Failed},
		},
	}
}

// RejectOutcome answers a request made without the latch. The latch is left alone.
func RejectOutcome(command string) Outcome {
	return Outcome{
		Writes: []Write{
			{Key: command, Value: NeedLatch},
			{Key: StatusKey, Value: StatusEnableLatch},
		},
	}
}

// SettleWrite is written once the settle delay after a success has elapsed.
func SettleWrite() Write {
	return Write{Key: StatusKey, Value: StatusReady}
}
