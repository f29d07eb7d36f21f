package protocol

import "fmt"

// ConnectionError reports that the store could not be reached.
// Fatal during startup, recoverable once the agent is running.
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("store %s unreachable: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ExecutionError reports a failed action: a nonzero exit, a start failure,
// a timeout or output on stderr.
type ExecutionError struct {
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecutionError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("action %s failed (exit code %d): %v", e.Command, e.ExitCode, e.Err)
	case e.Stderr != "":
		return fmt.Sprintf("action %s failed (exit code %d): %s", e.Command, e.ExitCode, e.Stderr)
	default:
		return fmt.Sprintf("action %s failed (exit code %d)", e.Command, e.ExitCode)
	}
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// ProtocolViolation reports a request observed while the latch was not armed.
type ProtocolViolation struct {
	Command string
	Latch   string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("command %s requested while LATCH=%q", e.Command, e.Latch)
}

// StoreProtocolError reports a malformed or unexpected notification.
type StoreProtocolError struct {
	Detail string
	Err    error
}

func (e *StoreProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store protocol error: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("store protocol error: %s", e.Detail)
}

func (e *StoreProtocolError) Unwrap() error { return e.Err }

// OwnershipError reports a write to a key the role does not own.
type OwnershipError struct {
	Role  Role
	Key   string
	Value string
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("%s may not write %q to key %q", e.Role, e.Value, e.Key)
}
