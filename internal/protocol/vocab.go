// Package protocol defines the latch handshake shared by the console and the
// relay agent: the values written into the store, which side may write them,
// and the decision the agent takes for a pending request.
package protocol

import "strings"

// Reserved keys
const (
	LatchKey     = "LATCH"
	StatusKey    = "STATUS"
	HeartbeatKey = "Heartbeat"
)

// Values written into command keys.
const (
	// Initialized is the bootstrap value of every key
	Initialized = "INITIALIZED"

	// Please requests execution of the command
	Please = "PLEASE"

	// Ready reports a successful execution
	Ready = "ready"

	// Failed reports a failed execution
	Failed = "ERROR"

	// NeedLatch rejects a request made while the latch was not armed
	NeedLatch = "I need latch"
)

// Values written into the LATCH key.
const (
	LatchSet   = "SET"
	LatchUnset = "UNSET"
)

// Values written into the STATUS key.
const (
	StatusMessageSent = "MESSAGE SENT"
	StatusReady       = "READY"
	StatusTryAgain    = "ERROR, TRY AGAIN"
	StatusEnableLatch = "ENABLE LATCH"
)

// IsReserved reports whether key is one of the protocol's own keys rather
// than a command key.
func IsReserved(key string) bool {
	return key == LatchKey || key == StatusKey || IsHeartbeat(key)
}

// IsHeartbeat reports whether key carries liveness noise that should not be
// logged on every change.
func IsHeartbeat(key string) bool {
	return strings.Contains(key, HeartbeatKey)
}
