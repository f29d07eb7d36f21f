package keystore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store is the capability the console and the agent need from the shared
// key-value service. Implementations must be safe for concurrent use.
type Store interface {
	// Ping verifies that the server is reachable.
	Ping(ctx context.Context) error

	// Upsert writes value under key, creating the key if needed, and notifies
	// every other subscriber.
	Upsert(ctx context.Context, key, value string) error

	// Get returns the current value of key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Snapshot returns every key and its current value.
	Snapshot(ctx context.Context) (map[string]string, error)

	// Watch starts delivering change and lifecycle events until the context
	// is cancelled or the returned Watch is closed.
	Watch(ctx context.Context) (*Watch, error)

	// Close releases the connection. The store must not be used afterwards.
	Close() error
}

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("key not found")

// ErrMalformedChange marks a notification that could not be decoded.
var ErrMalformedChange = errors.New("malformed change notification")

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// EventKind distinguishes the events delivered by a Watch.
type EventKind int

const (
	EventKeyChanged EventKind = iota
	EventConnected
	EventSynced
	EventDisconnected
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventKeyChanged:
		return "key_changed"
	case EventConnected:
		return "connected"
	case EventSynced:
		return "synced"
	case EventDisconnected:
		return "disconnected"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// ChangeReason explains why a key change was reported.
type ChangeReason string

const (
	// ReasonValueChanged reports a new value for an existing key
	ReasonValueChanged ChangeReason = "value_changed"

	// ReasonEntryAdded reports the first write of a key
	ReasonEntryAdded ChangeReason = "entry_added"

	// ReasonEntryRemoving reports a key being deleted
	ReasonEntryRemoving ChangeReason = "entry_removing"

	// ReasonCurrentValue reports a value read from the snapshot taken on connect
	ReasonCurrentValue ChangeReason = "current_value"
)

// Validate checks that the reason is one of the known reasons.
func (r ChangeReason) Validate() error {
	switch r {
	case ReasonValueChanged, ReasonEntryAdded, ReasonEntryRemoving, ReasonCurrentValue:
		return nil
	default:
		return fmt.Errorf("invalid change reason: %q", string(r))
	}
}

// Label returns the human readable form used in logs.
func (r ChangeReason) Label() string {
	switch r {
	case ReasonValueChanged:
		return "Value Changed"
	case ReasonEntryAdded:
		return "Entry Added"
	case ReasonEntryRemoving:
		return "Entry Removed"
	case ReasonCurrentValue:
		return "Current Value"
	default:
		return string(r)
	}
}

// Event is a single notification from a Watch.
// Key, Value and Reason are set for EventKeyChanged; Err is set for
// EventDisconnected (cause, may be nil) and EventError.
type Event struct {
	Kind   EventKind
	Key    string
	Value  string
	Reason ChangeReason
	Err    error
}

// Change is the record published for every Redis write.
type Change struct {
	Key      string       `json:"key"`
	Value    string       `json:"value"`
	Reason   ChangeReason `json:"reason"`
	Writer   string       `json:"writer"`   // UUID of the writing client
	Revision int64        `json:"revision"` // value of the revision counter after the write
}

// Validate checks the fields a subscriber relies on.
func (c *Change) Validate() error {
	if c.Key == "" {
		return fmt.Errorf("key is required")
	}
	if err := c.Reason.Validate(); err != nil {
		return err
	}
	if _, err := uuid.Parse(c.Writer); err != nil {
		return fmt.Errorf("writer must be a valid UUID: %w", err)
	}
	if c.Revision <= 0 {
		return fmt.Errorf("revision must be positive, got %d", c.Revision)
	}
	return nil
}

// Watch represents an active subscription to store events.
// Caller must call Close() when done to release resources.
type Watch struct {
	events <-chan Event
	cancel func()
	done   <-chan struct{}
	once   sync.Once
}

func newWatch(events <-chan Event, cancel func(), done <-chan struct{}) *Watch {
	return &Watch{events: events, cancel: cancel, done: done}
}

// Events returns the event channel. It is closed once the watch stops.
func (w *Watch) Events() <-chan Event {
	return w.events
}

// Close stops the watch and waits for its goroutine to exit. Implements io.Closer.
// Safe to call multiple times.
func (w *Watch) Close() error {
	w.once.Do(w.cancel)
	<-w.done
	return nil
}

// Option tunes backend behaviour.
type Option func(*options)

type options struct {
	healthInterval time.Duration
	retryInterval  time.Duration
	bufferSize     int
}

func defaultOptions() options {
	return options{
		healthInterval: 5 * time.Second,
		retryInterval:  time.Second,
		bufferSize:     64,
	}
}

// WithHealthInterval sets how long a watch may stay silent before it checks
// the connection.
func WithHealthInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.healthInterval = d
		}
	}
}

// WithRetryInterval sets the delay between reconnection attempts.
func WithRetryInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.retryInterval = d
		}
	}
}

// WithBufferSize sets the capacity of the event channel.
func WithBufferSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// send delivers ev unless ctx is cancelled first. Returns false on cancellation.
func send(ctx context.Context, events chan<- Event, ev Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// sleep waits for d or ctx cancellation. Returns false on cancellation.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SortedKeys returns the keys of a snapshot in lexical order.
func SortedKeys(values map[string]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
