package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrOffline is returned by MemoryStore clients while the server is offline.
var ErrOffline = errors.New("store offline")

// Record is one accepted write, kept in MemoryStore's history.
type Record struct {
	Writer string
	Key    string
	Value  string
}

// MemoryStore is an in-process server shared by any number of clients.
// It follows the same event contract as the network backends and can be
// switched offline to exercise reconnection.
type MemoryStore struct {
	mu      sync.Mutex
	values  map[string]string
	online  bool
	watches map[*memWatch]struct{}
	history []Record
}

// NewMemoryStore returns an online, empty server.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values:  make(map[string]string),
		online:  true,
		watches: make(map[*memWatch]struct{}),
	}
}

// Client returns a Store handle with its own writer identity.
func (m *MemoryStore) Client() *MemoryClient {
	return &MemoryClient{server: m, writerID: uuid.New().String()}
}

// Set writes a value as an anonymous writer; every watch sees it.
func (m *MemoryStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upsertLocked("", key, value)
}

// Value returns the stored value of key.
func (m *MemoryStore) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// History returns every accepted write in order.
func (m *MemoryStore) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}

// ValuesOf returns the values written to key, in order.
func (m *MemoryStore) ValuesOf(key string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var values []string
	for _, r := range m.history {
		if r.Key == key {
			values = append(values, r.Value)
		}
	}
	return values
}

// SetOnline switches the server on or off. Going offline reports
// EventDisconnected to every watch; coming back reports EventConnected,
// the current value of every key and EventSynced.
func (m *MemoryStore) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.online == online {
		return
	}
	m.online = online

	for w := range m.watches {
		if online {
			m.replayLocked(w)
		} else {
			w.push(Event{Kind: EventDisconnected, Err: ErrOffline})
		}
	}
}

func (m *MemoryStore) upsertLocked(writer, key, value string) {
	reason := ReasonValueChanged
	if _, exists := m.values[key]; !exists {
		reason = ReasonEntryAdded
	}

	m.values[key] = value
	m.history = append(m.history, Record{Writer: writer, Key: key, Value: value})

	// Disconnected watches catch up from the snapshot when the server returns
	if !m.online {
		return
	}
	for w := range m.watches {
		if writer != "" && w.owner == writer {
			continue
		}
		w.push(Event{Kind: EventKeyChanged, Key: key, Value: value, Reason: reason})
	}
}

func (m *MemoryStore) replayLocked(w *memWatch) {
	w.push(Event{Kind: EventConnected})
	for _, key := range SortedKeys(m.values) {
		w.push(Event{Kind: EventKeyChanged, Key: key, Value: m.values[key], Reason: ReasonCurrentValue})
	}
	w.push(Event{Kind: EventSynced})
}

// MemoryClient is one process's handle on a MemoryStore.
type MemoryClient struct {
	server   *MemoryStore
	writerID string
}

var _ Store = (*MemoryClient)(nil)

// Ping fails while the server is offline.
func (c *MemoryClient) Ping(ctx context.Context) error {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if !c.server.online {
		return ErrOffline
	}
	return ctx.Err()
}

// Upsert writes value; other clients' watches are notified.
func (c *MemoryClient) Upsert(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if !c.server.online {
		return ErrOffline
	}
	c.server.upsertLocked(c.writerID, key, value)
	return nil
}

// Get returns the value of key or ErrNotFound.
func (c *MemoryClient) Get(ctx context.Context, key string) (string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if !c.server.online {
		return "", ErrOffline
	}
	value, ok := c.server.values[key]
	if !ok {
		return "", ErrNotFound
	}
	return value, nil
}

// Snapshot copies every key.
func (c *MemoryClient) Snapshot(ctx context.Context) (map[string]string, error) {
	c.server.mu.Lock()
	defer c.server.mu.Unlock()
	if !c.server.online {
		return nil, ErrOffline
	}
	values := make(map[string]string, len(c.server.values))
	for k, v := range c.server.values {
		values[k] = v
	}
	return values, nil
}

// Watch registers a watch. If the server is online the snapshot is queued
// immediately; otherwise it follows when the server comes back.
func (c *MemoryClient) Watch(ctx context.Context) (*Watch, error) {
	watchCtx, cancel := context.WithCancel(ctx)
	w := &memWatch{owner: c.writerID, signal: make(chan struct{}, 1)}

	c.server.mu.Lock()
	c.server.watches[w] = struct{}{}
	if c.server.online {
		c.server.replayLocked(w)
	}
	c.server.mu.Unlock()

	events := make(chan Event)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(events)
		defer func() {
			c.server.mu.Lock()
			delete(c.server.watches, w)
			c.server.mu.Unlock()
		}()
		w.pump(watchCtx, events)
	}()

	return newWatch(events, cancel, done), nil
}

// Close is a no-op; the server outlives its clients.
func (c *MemoryClient) Close() error {
	return nil
}

// memWatch queues events without bound so writers never block on readers.
type memWatch struct {
	owner  string
	mu     sync.Mutex
	queue  []Event
	signal chan struct{}
}

func (w *memWatch) push(ev Event) {
	w.mu.Lock()
	w.queue = append(w.queue, ev)
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

func (w *memWatch) pump(ctx context.Context, events chan<- Event) {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.mu.Unlock()
			select {
			case <-w.signal:
				continue
			case <-ctx.Done():
				return
			}
		}
		ev := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if !send(ctx, events, ev) {
			return
		}
	}
}
