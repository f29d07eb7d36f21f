package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dyluth/towerlink/internal/action"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRunner records calls and fails the commands listed in fail
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
	onRun func(command string)
}

func (f *fakeRunner) Run(ctx context.Context, command string) (action.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, command)
	fail := f.fail[command]
	hook := f.onRun
	f.mu.Unlock()

	if hook != nil {
		hook(command)
	}

	if fail {
		return action.Result{Command: command, ExitCode: 1, Stderr: "no device"},
			&protocol.ExecutionError{Command: command, ExitCode: 1, Stderr: "no device"}
	}
	return action.Result{Command: command, Stdout: "sent\n", Duration: time.Millisecond}, nil
}

func (f *fakeRunner) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type harness struct {
	server  *keystore.MemoryStore
	console *keystore.MemoryClient
	runner  *fakeRunner
	agent   *Agent
	metrics *Metrics
}

func testOptions(commands ...string) Options {
	return Options{
		Commands:       commands,
		TimeUnit:       time.Millisecond,
		ConnectTimeout: 50 * time.Millisecond,
		StoreAddr:      "memory",
	}
}

// setupAgent initializes an agent on a memory store and applies the initial snapshot
func setupAgent(t *testing.T, commands ...string) *harness {
	server := keystore.NewMemoryStore()
	runner := &fakeRunner{fail: map[string]bool{}}
	metrics := NewMetrics(prom.NewRegistry())

	a := New(testOptions(commands...), server.Client(), runner, metrics, nil)
	require.NoError(t, a.Initialize(context.Background()))
	t.Cleanup(func() { a.watch.Close() })

	h := &harness{server: server, console: server.Client(), runner: runner, agent: a, metrics: metrics}
	h.drain(t)
	require.True(t, a.State().Synced)
	return h
}

// drain hands every queued watch event to the agent
func (h *harness) drain(t *testing.T) {
	t.Helper()
	for {
		select {
		case ev, ok := <-h.agent.watch.Events():
			require.True(t, ok)
			h.agent.HandleEvent(context.Background(), ev)
		case <-time.After(50 * time.Millisecond):
			return
		}
	}
}

func (h *harness) request(t *testing.T, command string) {
	require.NoError(t, h.console.Upsert(context.Background(), command, protocol.Please))
}

func (h *harness) arm(t *testing.T) {
	require.NoError(t, h.console.Upsert(context.Background(), protocol.LatchKey, protocol.LatchSet))
}

func (h *harness) value(key string) string {
	v, _ := h.server.Value(key)
	return v
}

func TestInitialize(t *testing.T) {
	t.Run("resets every key", func(t *testing.T) {
		h := setupAgent(t, "v360_on", "wifi_on")

		for _, key := range []string{"v360_on", "wifi_on", protocol.LatchKey, protocol.StatusKey} {
			assert.Equal(t, protocol.Initialized, h.value(key), key)
		}
	})

	t.Run("fails with connection error when store is unreachable", func(t *testing.T) {
		server := keystore.NewMemoryStore()
		server.SetOnline(false)

		a := New(testOptions("v360_on"), server.Client(), &fakeRunner{}, nil, nil)
		err := a.Initialize(context.Background())

		var connErr *protocol.ConnectionError
		require.True(t, errors.As(err, &connErr))
		assert.Equal(t, "memory", connErr.Addr)
		assert.ErrorIs(t, err, keystore.ErrOffline)
	})

	t.Run("waits for a store that comes up", func(t *testing.T) {
		server := keystore.NewMemoryStore()
		server.SetOnline(false)
		go func() {
			time.Sleep(10 * time.Millisecond)
			server.SetOnline(true)
		}()

		a := New(testOptions("v360_on"), server.Client(), &fakeRunner{}, nil, nil)
		require.NoError(t, a.Initialize(context.Background()))
		defer a.watch.Close()
	})
}

func TestSuccessfulExecution(t *testing.T) {
	h := setupAgent(t, "v360_on")
	ctx := context.Background()

	h.request(t, "v360_on")
	h.arm(t)
	h.drain(t)
	h.agent.ProcessPending(ctx)

	assert.Equal(t, []string{"v360_on"}, h.runner.Calls())
	assert.Equal(t, protocol.Ready, h.value("v360_on"))
	assert.Equal(t, protocol.LatchUnset, h.value(protocol.LatchKey))
	assert.Equal(t, []string{protocol.Initialized, protocol.StatusMessageSent, protocol.StatusReady}, h.server.ValuesOf(protocol.StatusKey))

	// Agent writes after the request, in order
	var tail []keystore.Record
	for _, r := range h.server.History()[5:] {
		tail = append(tail, keystore.Record{Key: r.Key, Value: r.Value})
	}
	assert.Equal(t, []keystore.Record{
		{Key: protocol.LatchKey, Value: protocol.LatchUnset},
		{Key: protocol.StatusKey, Value: protocol.StatusMessageSent},
		{Key: "v360_on", Value: protocol.Ready},
		{Key: protocol.StatusKey, Value: protocol.StatusReady},
	}, tail)

	state := h.agent.State()
	assert.Equal(t, 1, state.Executions)
	require.NotNil(t, state.LastExecution)
	assert.Equal(t, "success", state.LastExecution.Outcome)
	assert.Equal(t, "sent", state.LastExecution.Message)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.executions.WithLabelValues("v360_on", "success")))
}

func TestRejectionWithoutLatch(t *testing.T) {
	h := setupAgent(t, "wifi_on")
	ctx := context.Background()

	h.server.Set(protocol.LatchKey, protocol.LatchUnset)
	h.request(t, "wifi_on")
	h.drain(t)
	h.agent.ProcessPending(ctx)

	assert.Empty(t, h.runner.Calls())
	assert.Equal(t, protocol.NeedLatch, h.value("wifi_on"))
	assert.Equal(t, protocol.StatusEnableLatch, h.value(protocol.StatusKey))
	assert.Equal(t, []string{protocol.Initialized, protocol.LatchUnset}, h.server.ValuesOf(protocol.LatchKey))
	assert.Equal(t, 1, h.agent.State().Rejections)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.rejections.WithLabelValues("wifi_on")))

	// The rejection consumed the request; nothing more happens until it is reissued
	h.agent.ProcessPending(ctx)
	assert.Equal(t, []string{protocol.Initialized, protocol.Please, protocol.NeedLatch}, h.server.ValuesOf("wifi_on"))
}

func TestFailedExecution(t *testing.T) {
	h := setupAgent(t, "v360_on")
	h.runner.fail["v360_on"] = true

	h.request(t, "v360_on")
	h.arm(t)
	h.drain(t)
	h.agent.ProcessPending(context.Background())

	assert.Equal(t, []string{"v360_on"}, h.runner.Calls())
	assert.Equal(t, protocol.Failed, h.value("v360_on"))
	assert.Equal(t, protocol.LatchUnset, h.value(protocol.LatchKey))
	assert.Equal(t, protocol.StatusTryAgain, h.value(protocol.StatusKey))
	assert.NotContains(t, h.server.ValuesOf(protocol.StatusKey), protocol.StatusReady)
	assert.Equal(t, "failure", h.agent.State().LastExecution.Outcome)
}

func TestEitherOrderExecutesOnce(t *testing.T) {
	orders := map[string]func(h *harness, t *testing.T){
		"request then arm": func(h *harness, t *testing.T) { h.request(t, "v360_on"); h.arm(t) },
		"arm then request": func(h *harness, t *testing.T) { h.arm(t); h.request(t, "v360_on") },
	}

	for name, write := range orders {
		t.Run(name, func(t *testing.T) {
			h := setupAgent(t, "v360_on")
			write(h, t)
			h.drain(t)

			for i := 0; i < 3; i++ {
				h.agent.ProcessPending(context.Background())
			}

			assert.Equal(t, []string{"v360_on"}, h.runner.Calls())
			assert.Equal(t, protocol.Ready, h.value("v360_on"))
		})
	}
}

func TestIdempotence(t *testing.T) {
	h := setupAgent(t, "v360_on")
	ctx := context.Background()

	h.request(t, "v360_on")
	h.arm(t)
	h.drain(t)
	h.agent.ProcessPending(ctx)
	require.Len(t, h.runner.Calls(), 1)

	// Re-observing the consumed request with the latch released never executes
	h.agent.HandleKeyChange("v360_on", protocol.Please, keystore.ReasonCurrentValue)
	h.agent.ProcessPending(ctx)
	h.agent.ProcessPending(ctx)

	assert.Len(t, h.runner.Calls(), 1)
	assert.Equal(t, protocol.LatchUnset, h.value(protocol.LatchKey))
}

func TestOneExecutionPerArming(t *testing.T) {
	h := setupAgent(t, "v360_on", "wifi_on")

	h.request(t, "v360_on")
	h.request(t, "wifi_on")
	h.arm(t)
	h.drain(t)
	h.agent.ProcessPending(context.Background())

	// The first command releases the latch, so the second is rejected
	assert.Equal(t, []string{"v360_on"}, h.runner.Calls())
	assert.Equal(t, protocol.Ready, h.value("v360_on"))
	assert.Equal(t, protocol.NeedLatch, h.value("wifi_on"))
}

func TestDisconnectSuspendsProcessing(t *testing.T) {
	h := setupAgent(t, "v360_on")
	ctx := context.Background()

	h.request(t, "v360_on")
	h.arm(t)
	h.drain(t)

	h.server.SetOnline(false)
	h.drain(t)
	assert.False(t, h.agent.State().Connected)

	h.agent.ProcessPending(ctx)
	assert.Empty(t, h.runner.Calls())

	h.server.SetOnline(true)
	h.drain(t)
	assert.True(t, h.agent.State().Connected)

	h.agent.ProcessPending(ctx)
	assert.Equal(t, []string{"v360_on"}, h.runner.Calls())
	assert.Equal(t, protocol.Ready, h.value("v360_on"))
}

func TestQueuedWritesReplayAfterReconnect(t *testing.T) {
	h := setupAgent(t, "v360_on")
	ctx := context.Background()

	// The store goes away while the action runs
	h.runner.onRun = func(string) { h.server.SetOnline(false) }

	h.request(t, "v360_on")
	h.arm(t)
	h.drain(t)
	h.agent.ProcessPending(ctx)

	assert.Equal(t, protocol.Please, h.value("v360_on"))
	assert.Equal(t, protocol.LatchSet, h.value(protocol.LatchKey))
	assert.Equal(t, 3, h.agent.State().QueuedWrites)

	h.runner.onRun = nil
	h.server.SetOnline(true)
	h.drain(t)

	assert.Equal(t, protocol.Ready, h.value("v360_on"))
	assert.Equal(t, protocol.LatchUnset, h.value(protocol.LatchKey))
	assert.Equal(t, protocol.StatusReady, h.value(protocol.StatusKey))
	assert.Zero(t, h.agent.State().QueuedWrites)

	// The stale snapshot must not trigger a second run
	h.agent.ProcessPending(ctx)
	assert.Len(t, h.runner.Calls(), 1)
}

func TestHeartbeat(t *testing.T) {
	h := setupAgent(t, "v360_on")
	h.agent.opts.HeartbeatEvery = 2
	ctx := context.Background()

	h.agent.Tick(ctx)
	_, ok := h.server.Value(protocol.HeartbeatKey)
	assert.False(t, ok)

	h.agent.Tick(ctx)
	beat, ok := h.server.Value(protocol.HeartbeatKey)
	require.True(t, ok)
	_, err := time.Parse(time.RFC3339, beat)
	assert.NoError(t, err)
}

func TestUnknownKeysIgnored(t *testing.T) {
	h := setupAgent(t, "v360_on")

	h.agent.HandleKeyChange("rr_on", protocol.Please, keystore.ReasonEntryAdded)
	h.agent.HandleKeyChange(protocol.LatchKey, protocol.LatchSet, keystore.ReasonValueChanged)
	h.agent.ProcessPending(context.Background())

	assert.Empty(t, h.runner.Calls())
	_, tracked := h.agent.State().Values["rr_on"]
	assert.False(t, tracked)
}

func TestOnErrorKeepsRunning(t *testing.T) {
	h := setupAgent(t, "v360_on")

	h.agent.HandleEvent(context.Background(), keystore.Event{Kind: keystore.EventError, Err: keystore.ErrMalformedChange})
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.storeErrors))

	h.request(t, "v360_on")
	h.arm(t)
	h.drain(t)
	h.agent.ProcessPending(context.Background())
	assert.Len(t, h.runner.Calls(), 1)
}

func TestRun(t *testing.T) {
	server := keystore.NewMemoryStore()
	runner := &fakeRunner{}
	a := New(testOptions("v360_on"), server.Client(), runner, nil, nil)
	require.NoError(t, a.Initialize(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	// Arm first so no tick can see the request without the latch
	console := server.Client()
	require.NoError(t, console.Upsert(ctx, protocol.LatchKey, protocol.LatchSet))
	require.NoError(t, console.Upsert(ctx, "v360_on", protocol.Please))

	assert.Eventually(t, func() bool {
		v, _ := server.Value(protocol.StatusKey)
		return v == protocol.StatusReady
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"v360_on"}, runner.Calls())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunRequiresInitialize(t *testing.T) {
	a := New(testOptions("v360_on"), keystore.NewMemoryStore().Client(), &fakeRunner{}, nil, nil)
	assert.Error(t, a.Run(context.Background()))
}
