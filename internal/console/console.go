// Package console is the operator side of the latch handshake: it arms the
// latch, requests commands, waits for the agent's answer and keeps a board of
// indicators in step with the store.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
)

const defaultPollInterval = 200 * time.Millisecond

// Console writes requests on behalf of the operator.
type Console struct {
	store        keystore.Store
	log          logging.Logger
	pollInterval time.Duration
}

// New returns a console writing to store.
func New(store keystore.Store, log logging.Logger) *Console {
	if log == nil {
		log = logging.New("console")
	}
	return &Console{store: store, log: log, pollInterval: defaultPollInterval}
}

// Arm sets LATCH=SET.
func (c *Console) Arm(ctx context.Context) error {
	return c.write(ctx, protocol.LatchKey, protocol.LatchSet)
}

// Request writes PLEASE into the command key.
func (c *Console) Request(ctx context.Context, command string) error {
	return c.write(ctx, command, protocol.Please)
}

func (c *Console) write(ctx context.Context, key, value string) error {
	if err := protocol.CheckWrite(protocol.RoleConsole, key, value); err != nil {
		return err
	}
	if err := c.store.Upsert(ctx, key, value); err != nil {
		return fmt.Errorf("failed to write %s=%s: %w", key, value, err)
	}
	c.log.WithField("key", key).WithField("value", value).Debug("Wrote key")
	return nil
}

// Outcome is the agent's answer to a request.
type Outcome struct {
	Command string `json:"command"`
	Value   string `json:"value"`
	Status  string `json:"status"`
}

// Succeeded reports whether the action ran successfully.
func (o *Outcome) Succeeded() bool {
	return o.Value == protocol.Ready
}

// IsResult reports whether a command value is an answer from the agent.
func IsResult(value string) bool {
	switch value {
	case protocol.Ready, protocol.Failed, protocol.NeedLatch:
		return true
	default:
		return false
	}
}

// WaitForResult polls the command key until the agent has answered.
// Returns an error if the timeout expires first.
func (c *Console) WaitForResult(ctx context.Context, command string, timeout time.Duration) (*Outcome, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	timeoutCh := time.After(timeout)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-timeoutCh:
			return nil, fmt.Errorf("timeout waiting for %s after %v", command, timeout)

		case <-ticker.C:
			value, err := c.store.Get(ctx, command)
			if err != nil {
				if keystore.IsNotFound(err) {
					// Agent has not initialized the key yet
					continue
				}
				return nil, fmt.Errorf("failed to read %s: %w", command, err)
			}
			if !IsResult(value) {
				continue
			}

			status, err := c.store.Get(ctx, protocol.StatusKey)
			if err != nil && !keystore.IsNotFound(err) {
				return nil, fmt.Errorf("failed to read %s: %w", protocol.StatusKey, err)
			}

			return &Outcome{Command: command, Value: value, Status: status}, nil
		}
	}
}

// Status returns every key in the store.
func (c *Console) Status(ctx context.Context) (map[string]string, error) {
	values, err := c.store.Snapshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read store: %w", err)
	}
	return values, nil
}

// Follow applies store events to board until ctx is cancelled. onEvent is
// called after each event has been applied.
func (c *Console) Follow(ctx context.Context, board *Board, onEvent func(keystore.Event)) error {
	watch, err := c.store.Watch(ctx)
	if err != nil {
		return fmt.Errorf("failed to watch store: %w", err)
	}
	defer watch.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watch.Events():
			if !ok {
				return nil
			}
			board.Apply(ev)
			if onEvent != nil {
				onEvent(ev)
			}
		}
	}
}
