package protocol

import "fmt"

// Role identifies which process is writing to the store.
type Role int

const (
	RoleAgent Role = iota
	RoleConsole
)

func (r Role) String() string {
	switch r {
	case RoleAgent:
		return "agent"
	case RoleConsole:
		return "console"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// CheckWrite enforces key ownership. The console may only arm the latch and
// request commands; everything else belongs to the agent. Returns an
// *OwnershipError when role may not write value under key.
func CheckWrite(role Role, key, value string) error {
	if key == "" {
		return &OwnershipError{Role: role, Key: key, Value: value}
	}

	var allowed bool
	switch role {
	case RoleConsole:
		switch {
		case key == LatchKey:
			allowed = value == LatchSet
		case IsReserved(key):
			allowed = false
		default:
			allowed = value == Please
		}

	case RoleAgent:
		switch {
		case key == LatchKey:
			allowed = value == LatchUnset || value == Initialized
		case key == StatusKey, IsHeartbeat(key):
			allowed = true
		default:
			allowed = value != Please
		}
	}

	if !allowed {
		return &OwnershipError{Role: role, Key: key, Value: value}
	}
	return nil
}
