// Package agent implements the command relay agent: it mirrors the command
// keys, LATCH and STATUS from the shared store, runs the registered action
// for an armed PLEASE exactly once, and reports the outcome back through the
// store.
//
// All store events and clock ticks are handled on one goroutine (Run), so a
// notification is fully handled, including a blocking action run, before the
// next one is looked at.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/towerlink/internal/action"
	"github.com/dyluth/towerlink/internal/logging"
	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	defaultTimeUnit       = time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultSettleUnits    = 3
)

// Options configures an Agent.
type Options struct {
	// Commands are the command keys, in the order pending work is evaluated
	Commands []string

	// TimeUnit is the tick period; the settle delay is SettleUnits of it
	TimeUnit time.Duration

	// ConnectTimeout bounds the wait for the store in Initialize
	ConnectTimeout time.Duration

	// HeartbeatEvery is the number of ticks between heartbeat writes (0 = disabled)
	HeartbeatEvery int

	// SettleUnits is the delay between STATUS=MESSAGE SENT and STATUS=READY
	SettleUnits int

	// StoreAddr is only used to describe connection failures
	StoreAddr string
}

// Agent relays commands from the store to the action runner.
type Agent struct {
	opts    Options
	store   keystore.Store
	runner  action.Runner
	metrics *Metrics
	log     logging.Logger
	runID   string
	watch   *keystore.Watch
	ticks   int

	mu         sync.RWMutex
	values     map[string]string // write-through mirror of tracked keys
	tracked    map[string]bool
	connected  bool
	synced     bool
	outbox     []protocol.Write // writes not yet accepted by the store
	executions int
	rejections int
	last       *Execution
}

// Execution summarises the most recent action run.
type Execution struct {
	Command  string        `json:"command"`
	Outcome  string        `json:"outcome"`
	Message  string        `json:"message,omitempty"`
	Error    string        `json:"error,omitempty"`
	Finished time.Time     `json:"finished"`
	Duration time.Duration `json:"duration"`
}

// New creates an agent. Initialize must be called before Run.
func New(opts Options, store keystore.Store, runner action.Runner, metrics *Metrics, log logging.Logger) *Agent {
	if opts.TimeUnit <= 0 {
		opts.TimeUnit = defaultTimeUnit
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.SettleUnits <= 0 {
		opts.SettleUnits = defaultSettleUnits
	}
	if log == nil {
		log = logging.New("agent")
	}

	runID := uuid.New().String()

	tracked := map[string]bool{protocol.LatchKey: true, protocol.StatusKey: true}
	for _, name := range opts.Commands {
		tracked[name] = true
	}

	return &Agent{
		opts:    opts,
		store:   store,
		runner:  runner,
		metrics: metrics,
		log:     log.WithField("run_id", runID),
		runID:   runID,
		values:  make(map[string]string),
		tracked: tracked,
	}
}

// Initialize waits for the store, resets every command key, LATCH and STATUS
// to INITIALIZED, and starts watching for changes.
// Returns a *protocol.ConnectionError when the store cannot be reached in time.
func (a *Agent) Initialize(ctx context.Context) error {
	if err := a.waitForStore(ctx); err != nil {
		return err
	}

	keys := append(append([]string(nil), a.opts.Commands...), protocol.LatchKey, protocol.StatusKey)
	for _, key := range keys {
		if err := protocol.CheckWrite(protocol.RoleAgent, key, protocol.Initialized); err != nil {
			return err
		}
		if err := a.store.Upsert(ctx, key, protocol.Initialized); err != nil {
			return &protocol.ConnectionError{Addr: a.opts.StoreAddr, Err: fmt.Errorf("failed to initialize %s: %w", key, err)}
		}
		a.setValue(key, protocol.Initialized)
	}

	watch, err := a.store.Watch(ctx)
	if err != nil {
		return &protocol.ConnectionError{Addr: a.opts.StoreAddr, Err: err}
	}
	a.watch = watch

	a.log.WithField("commands", a.opts.Commands).Info("Agent initialized")
	return nil
}

// waitForStore pings the store once per time unit until it answers or the
// connect timeout expires.
func (a *Agent) waitForStore(ctx context.Context) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
	defer cancel()

	ticker := time.NewTicker(a.opts.TimeUnit)
	defer ticker.Stop()

	var lastErr error
	for {
		pingCtx, pingCancel := context.WithTimeout(timeoutCtx, a.opts.TimeUnit)
		lastErr = a.store.Ping(pingCtx)
		pingCancel()
		if lastErr == nil {
			return nil
		}
		a.log.WithError(lastErr).Debug("Store not reachable yet")

		select {
		case <-timeoutCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &protocol.ConnectionError{
				Addr: a.opts.StoreAddr,
				Err:  fmt.Errorf("no answer within %s: %w", a.opts.ConnectTimeout, lastErr),
			}
		case <-ticker.C:
		}
	}
}

// Run handles store events and ticks until ctx is cancelled.
// Returns nil on cancellation; handler errors never end the loop.
func (a *Agent) Run(ctx context.Context) error {
	if a.watch == nil {
		return fmt.Errorf("agent not initialized")
	}
	defer a.watch.Close()

	ticker := time.NewTicker(a.opts.TimeUnit)
	defer ticker.Stop()

	a.log.WithField("time_unit", a.opts.TimeUnit).Info("Agent running")

	for {
		select {
		case <-ctx.Done():
			a.log.Info("Shutdown signal received, stopping agent")
			return nil

		case ev, ok := <-a.watch.Events():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("store watch ended unexpectedly")
			}
			a.HandleEvent(ctx, ev)

		case <-ticker.C:
			a.Tick(ctx)
		}
	}
}

// HandleEvent dispatches one store event.
func (a *Agent) HandleEvent(ctx context.Context, ev keystore.Event) {
	switch ev.Kind {
	case keystore.EventKeyChanged:
		a.HandleKeyChange(ev.Key, ev.Value, ev.Reason)
	case keystore.EventConnected:
		a.OnServerConnected()
	case keystore.EventSynced:
		a.OnSynced(ctx)
	case keystore.EventDisconnected:
		a.OnServerDisconnected(ev.Err)
	case keystore.EventError:
		a.OnError(ev.Err)
	}
}

// HandleKeyChange records the value of a tracked key. Values for other keys
// are ignored. The reason only matters for logging.
func (a *Agent) HandleKeyChange(key, value string, reason keystore.ChangeReason) {
	if !protocol.IsHeartbeat(key) {
		a.log.WithFields(logrus.Fields{
			"key":    key,
			"value":  value,
			"reason": reason.Label(),
		}).Info("Key changed")
	}

	if !a.tracked[key] {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// A snapshot value for a key we still owe the store a write for is stale
	if reason == keystore.ReasonCurrentValue && a.pendingLocked(key) {
		return
	}
	a.values[key] = value
}

// OnServerConnected marks the store reachable. Pending work stays suspended
// until the snapshot that follows has been applied (OnSynced).
func (a *Agent) OnServerConnected() {
	a.mu.Lock()
	a.connected = true
	a.synced = false
	a.mu.Unlock()

	a.metrics.setConnected(true)
	a.log.Info("Connected to store")
}

// OnSynced resumes processing and replays writes queued while disconnected.
func (a *Agent) OnSynced(ctx context.Context) {
	a.mu.Lock()
	a.synced = true
	a.mu.Unlock()

	a.flushOutbox(ctx)
	a.log.Debug("Store snapshot applied")
}

// OnServerDisconnected suspends processing until the store is back.
func (a *Agent) OnServerDisconnected(cause error) {
	a.mu.Lock()
	wasConnected := a.connected
	a.connected = false
	a.synced = false
	a.mu.Unlock()

	if wasConnected {
		a.metrics.setConnected(false)
	}

	entry := a.log
	if cause != nil {
		entry = entry.WithError(cause)
	}
	entry.Warn("Disconnected from store, processing suspended")
}

// OnError logs a store-level error.
func (a *Agent) OnError(err error) {
	var protoErr *protocol.StoreProtocolError
	if !errors.As(err, &protoErr) {
		protoErr = &protocol.StoreProtocolError{Detail: "store notification", Err: err}
	}

	a.metrics.recordStoreError()
	a.log.WithError(protoErr).Error("Store error")
}

// Tick retries queued writes, evaluates pending work and writes the
// heartbeat when due.
func (a *Agent) Tick(ctx context.Context) {
	if a.active() {
		a.flushOutbox(ctx)
	}
	a.ProcessPending(ctx)

	a.ticks++
	if a.opts.HeartbeatEvery > 0 && a.ticks%a.opts.HeartbeatEvery == 0 {
		a.heartbeat(ctx)
	}
}

// ProcessPending acts on every command key holding PLEASE, in command order.
// Nothing happens while the store is disconnected or not yet synced.
func (a *Agent) ProcessPending(ctx context.Context) {
	if !a.active() {
		return
	}

	for _, command := range a.opts.Commands {
		if ctx.Err() != nil {
			return
		}

		latch := a.value(protocol.LatchKey)
		switch protocol.Decide(protocol.ParseLatch(latch), a.value(command)) {
		case protocol.Execute:
			a.execute(ctx, command)
		case protocol.Reject:
			a.reject(ctx, command, latch)
		}
	}
}

func (a *Agent) execute(ctx context.Context, command string) {
	log := a.log.WithField("command", command)
	log.Info("Executing action")

	result, err := a.runner.Run(ctx, command)

	exec := &Execution{
		Command:  command,
		Finished: time.Now(),
		Duration: result.Duration,
	}

	if err != nil {
		exec.Outcome = "failure"
		exec.Error = err.Error()
		a.recordExecution(exec)
		a.metrics.recordExecution(command, exec.Outcome, result.Duration)

		log.WithError(err).WithField("stderr", result.Stderr).Error("Action failed")
		a.apply(ctx, protocol.FailureOutcome(command))
		return
	}

	exec.Outcome = "success"
	exec.Message = result.Message()
	a.recordExecution(exec)
	a.metrics.recordExecution(command, exec.Outcome, result.Duration)

	log.WithField("message", exec.Message).Info("Message sent")
	a.apply(ctx, protocol.SuccessOutcome(command))
}

func (a *Agent) reject(ctx context.Context, command, latch string) {
	violation := &protocol.ProtocolViolation{Command: command, Latch: latch}
	a.log.WithError(violation).Warn("Incorrect command sequence")

	a.mu.Lock()
	a.rejections++
	a.mu.Unlock()
	a.metrics.recordRejection(command)

	a.apply(ctx, protocol.RejectOutcome(command))
}

// apply writes an outcome and, after a success, waits the settle delay
// before reporting READY. The delay is cut short by shutdown.
func (a *Agent) apply(ctx context.Context, outcome protocol.Outcome) {
	for _, w := range outcome.Writes {
		a.write(ctx, w.Key, w.Value)
	}

	if !outcome.Settled {
		return
	}

	timer := time.NewTimer(time.Duration(a.opts.SettleUnits) * a.opts.TimeUnit)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}

	settle := protocol.SettleWrite()
	a.write(ctx, settle.Key, settle.Value)
}

// write updates the mirror and the store. A write the store does not accept
// is queued and replayed once the store is back and synced.
func (a *Agent) write(ctx context.Context, key, value string) {
	if err := protocol.CheckWrite(protocol.RoleAgent, key, value); err != nil {
		a.log.WithError(err).Error("Refusing write")
		return
	}

	a.mu.Lock()
	a.values[key] = value
	online := a.connected && a.synced && len(a.outbox) == 0
	if !online {
		a.enqueueLocked(key, value)
	}
	a.mu.Unlock()

	if !online {
		a.log.WithFields(logrus.Fields{"key": key, "value": value}).Debug("Store unavailable, write queued")
		return
	}

	if err := a.store.Upsert(ctx, key, value); err != nil {
		a.log.WithError(err).WithField("key", key).Warn("Write failed, queued for retry")
		a.mu.Lock()
		a.enqueueLocked(key, value)
		a.mu.Unlock()
	}
}

func (a *Agent) heartbeat(ctx context.Context) {
	if !a.active() {
		return
	}
	value := time.Now().UTC().Format(time.RFC3339)
	if err := a.store.Upsert(ctx, protocol.HeartbeatKey, value); err != nil {
		a.log.WithError(err).Debug("Heartbeat write failed")
	}
}

// flushOutbox replays queued writes in order, stopping at the first failure.
func (a *Agent) flushOutbox(ctx context.Context) {
	for {
		a.mu.Lock()
		if len(a.outbox) == 0 || !a.connected {
			a.mu.Unlock()
			return
		}
		w := a.outbox[0]
		a.mu.Unlock()

		if err := a.store.Upsert(ctx, w.Key, w.Value); err != nil {
			a.log.WithError(err).WithField("key", w.Key).Warn("Replay of queued write failed")
			return
		}

		a.mu.Lock()
		if len(a.outbox) > 0 && a.outbox[0] == w {
			a.outbox = a.outbox[1:]
		}
		a.mu.Unlock()

		a.log.WithFields(logrus.Fields{"key": w.Key, "value": w.Value}).Info("Queued write replayed")
	}
}

// enqueueLocked queues a write; a queued older write of the same key is dropped.
func (a *Agent) enqueueLocked(key, value string) {
	outbox := a.outbox[:0]
	for _, w := range a.outbox {
		if w.Key != key {
			outbox = append(outbox, w)
		}
	}
	a.outbox = append(outbox, protocol.Write{Key: key, Value: value})
}

func (a *Agent) pendingLocked(key string) bool {
	for _, w := range a.outbox {
		if w.Key == key {
			return true
		}
	}
	return false
}

func (a *Agent) active() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.connected && a.synced
}

func (a *Agent) value(key string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.values[key]
}

func (a *Agent) setValue(key, value string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.values[key] = value
}

func (a *Agent) recordExecution(exec *Execution) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.executions++
	a.last = exec
}

// State is a point-in-time view of the agent, served on /state.
type State struct {
	RunID         string            `json:"run_id"`
	Connected     bool              `json:"connected"`
	Synced        bool              `json:"synced"`
	Values        map[string]string `json:"values"`
	QueuedWrites  int               `json:"queued_writes"`
	Executions    int               `json:"executions"`
	Rejections    int               `json:"rejections"`
	LastExecution *Execution        `json:"last_execution,omitempty"`
}

// State returns a copy of the agent's current view. Safe to call from any goroutine.
func (a *Agent) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	values := make(map[string]string, len(a.values))
	for k, v := range a.values {
		values[k] = v
	}

	var last *Execution
	if a.last != nil {
		copied := *a.last
		last = &copied
	}

	return State{
		RunID:         a.runID,
		Connected:     a.connected,
		Synced:        a.synced,
		Values:        values,
		QueuedWrites:  len(a.outbox),
		Executions:    a.executions,
		Rejections:    a.rejections,
		LastExecution: last,
	}
}
