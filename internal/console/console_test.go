package console

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupConsole(t *testing.T) (*Console, *keystore.MemoryStore) {
	server := keystore.NewMemoryStore()
	c := New(server.Client(), nil)
	c.pollInterval = 5 * time.Millisecond
	return c, server
}

func TestConsole_ArmAndRequest(t *testing.T) {
	c, server := setupConsole(t)
	ctx := context.Background()

	require.NoError(t, c.Arm(ctx))
	require.NoError(t, c.Request(ctx, "v360_on"))

	latch, _ := server.Value(protocol.LatchKey)
	assert.Equal(t, protocol.LatchSet, latch)
	value, _ := server.Value("v360_on")
	assert.Equal(t, protocol.Please, value)
}

func TestConsole_RequestReservedKey(t *testing.T) {
	c, server := setupConsole(t)

	err := c.Request(context.Background(), protocol.StatusKey)

	var ownErr *protocol.OwnershipError
	require.True(t, errors.As(err, &ownErr))
	assert.Equal(t, protocol.RoleConsole, ownErr.Role)
	assert.Empty(t, server.History())
}

func TestConsole_WriteFailsWhenOffline(t *testing.T) {
	c, server := setupConsole(t)
	server.SetOnline(false)

	err := c.Arm(context.Background())
	assert.ErrorIs(t, err, keystore.ErrOffline)
}

func TestConsole_WaitForResult(t *testing.T) {
	t.Run("returns the agent's answer", func(t *testing.T) {
		c, server := setupConsole(t)
		ctx := context.Background()
		require.NoError(t, c.Request(ctx, "v360_on"))

		go func() {
			time.Sleep(20 * time.Millisecond)
			server.Set(protocol.StatusKey, protocol.StatusMessageSent)
			server.Set("v360_on", protocol.Ready)
		}()

		outcome, err := c.WaitForResult(ctx, "v360_on", time.Second)
		require.NoError(t, err)
		assert.Equal(t, protocol.Ready, outcome.Value)
		assert.Equal(t, protocol.StatusMessageSent, outcome.Status)
		assert.True(t, outcome.Succeeded())
	})

	t.Run("rejection is an answer", func(t *testing.T) {
		c, server := setupConsole(t)
		server.Set("wifi_on", protocol.NeedLatch)
		server.Set(protocol.StatusKey, protocol.StatusEnableLatch)

		outcome, err := c.WaitForResult(context.Background(), "wifi_on", time.Second)
		require.NoError(t, err)
		assert.False(t, outcome.Succeeded())
		assert.Equal(t, protocol.StatusEnableLatch, outcome.Status)
	})

	t.Run("times out while pending", func(t *testing.T) {
		c, server := setupConsole(t)
		server.Set("v360_on", protocol.Please)

		_, err := c.WaitForResult(context.Background(), "v360_on", 30*time.Millisecond)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for v360_on")
	})

	t.Run("honours cancellation", func(t *testing.T) {
		c, _ := setupConsole(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.WaitForResult(ctx, "v360_on", time.Second)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestConsole_Status(t *testing.T) {
	c, server := setupConsole(t)
	server.Set(protocol.LatchKey, protocol.LatchUnset)

	values, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{protocol.LatchKey: protocol.LatchUnset}, values)
}

func TestConsole_Follow(t *testing.T) {
	c, server := setupConsole(t)
	server.Set("v360_on", protocol.Initialized)
	board := NewBoard([]string{"v360_on"})

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan keystore.Event, 16)
	done := make(chan error, 1)
	go func() {
		done <- c.Follow(ctx, board, func(ev keystore.Event) { events <- ev })
	}()

	waitFor := func(kind keystore.EventKind) {
		t.Helper()
		for {
			select {
			case ev := <-events:
				if ev.Kind == kind {
					return
				}
			case <-time.After(time.Second):
				t.Fatalf("no %s event", kind)
			}
		}
	}

	waitFor(keystore.EventSynced)
	server.Set("v360_on", protocol.Ready)
	waitFor(keystore.EventKeyChanged)

	state, text := board.Indicator("v360_on").State()
	assert.Equal(t, "Open", state.String())
	assert.Equal(t, protocol.Ready, text)

	cancel()
	assert.NoError(t, <-done)
}
