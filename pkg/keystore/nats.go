package keystore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// maxPendingEchoes bounds the per-key list of values written but not yet observed.
const maxPendingEchoes = 16

// NATSStore implements Store on a JetStream key-value bucket.
// Connection handlers registered on the NATS connection feed the lifecycle
// events (connected, disconnected, error) of every Watch.
type NATSStore struct {
	conn   *nats.Conn
	js     jetstream.JetStream
	kv     jetstream.KeyValue
	bucket string
	opts   options

	lifecycle chan Event

	mu      sync.Mutex
	pending map[string][]string // values written by this store, not yet seen on a watch
}

var _ Store = (*NATSStore)(nil)

// NewNATSStore connects to NATS and opens (or creates) the bucket.
// The connection reconnects forever; reconnection and disconnection are
// reported through Watch.
func NewNATSStore(ctx context.Context, url, bucket string, opts ...Option) (*NATSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	s := &NATSStore{
		bucket:    bucket,
		opts:      o,
		lifecycle: make(chan Event, o.bufferSize),
		pending:   make(map[string][]string),
	}

	conn, err := nats.Connect(url,
		nats.Name("towerlink"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(o.retryInterval),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			s.notify(Event{Kind: EventDisconnected, Err: err})
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			s.notify(Event{Kind: EventConnected})
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			s.notify(Event{Kind: EventError, Err: err})
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	s.conn = conn

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	s.js = js

	kv, err := js.KeyValue(ctx, bucket)
	if err != nil {
		// Create the bucket if it doesn't exist
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      bucket,
			Description: "towerlink shared command state",
			History:     1,
		})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create KV bucket %s: %w", bucket, err)
		}
	}
	s.kv = kv

	return s, nil
}

// notify is called from NATS callback goroutines and must never block.
func (s *NATSStore) notify(ev Event) {
	select {
	case s.lifecycle <- ev:
	default:
	}
}

// Close drains nothing and closes the connection. Implements io.Closer.
func (s *NATSStore) Close() error {
	s.conn.Close()
	return nil
}

// Ping round-trips to the server.
func (s *NATSStore) Ping(ctx context.Context) error {
	if !s.conn.IsConnected() {
		return fmt.Errorf("not connected to NATS (status %s)", s.conn.Status())
	}
	return s.conn.FlushWithContext(ctx)
}

// Upsert puts the value into the bucket.
func (s *NATSStore) Upsert(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	s.remember(key, value)
	if _, err := s.kv.Put(ctx, key, []byte(value)); err != nil {
		s.forgetLast(key)
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return nil
}

// Get returns the current value of key.
func (s *NATSStore) Get(ctx context.Context, key string) (string, error) {
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	return string(entry.Value()), nil
}

// Snapshot reads the initial values of a short-lived watcher.
func (s *NATSStore) Snapshot(ctx context.Context) (map[string]string, error) {
	watcher, err := s.kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to watch bucket %s: %w", s.bucket, err)
	}
	defer watcher.Stop()

	values := make(map[string]string)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok || entry == nil {
				return values, nil
			}
			values[entry.Key()] = string(entry.Value())
		}
	}
}

// Watch streams bucket updates and connection lifecycle events.
// Initial values are reported with ReasonCurrentValue, then EventSynced.
// After a reconnection the ordered consumer resumes where it stopped, so
// EventConnected is directly followed by EventSynced.
func (s *NATSStore) Watch(ctx context.Context) (*Watch, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	watcher, err := s.kv.WatchAll(watchCtx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch bucket %s: %w", s.bucket, err)
	}

	events := make(chan Event, s.opts.bufferSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(events)
		defer watcher.Stop()
		s.watchLoop(watchCtx, watcher, events)
	}()

	return newWatch(events, cancel, done), nil
}

func (s *NATSStore) watchLoop(ctx context.Context, watcher jetstream.KeyWatcher, events chan<- Event) {
	if !send(ctx, events, Event{Kind: EventConnected}) {
		return
	}

	initial := true
	for {
		select {
		case <-ctx.Done():
			return

		case ev := <-s.lifecycle:
			if !send(ctx, events, ev) {
				return
			}
			if ev.Kind == EventConnected && !initial {
				if !send(ctx, events, Event{Kind: EventSynced}) {
					return
				}
			}

		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}

			// A nil entry marks the end of the initial values
			if entry == nil {
				initial = false
				if !send(ctx, events, Event{Kind: EventSynced}) {
					return
				}
				continue
			}

			ev, deliver := s.translate(entry, initial)
			if !deliver {
				continue
			}
			if !send(ctx, events, ev) {
				return
			}
		}
	}
}

func (s *NATSStore) translate(entry jetstream.KeyValueEntry, initial bool) (Event, bool) {
	value := string(entry.Value())
	ev := Event{Kind: EventKeyChanged, Key: entry.Key(), Value: value}

	switch entry.Operation() {
	case jetstream.KeyValueDelete, jetstream.KeyValuePurge:
		ev.Reason = ReasonEntryRemoving
		return ev, !initial
	}

	echo := s.consumeEcho(entry.Key(), value)
	if initial {
		ev.Reason = ReasonCurrentValue
		return ev, true
	}
	if echo {
		return ev, false
	}
	ev.Reason = ReasonValueChanged
	return ev, true
}

func (s *NATSStore) remember(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := append(s.pending[key], value)
	if len(values) > maxPendingEchoes {
		values = values[len(values)-maxPendingEchoes:]
	}
	s.pending[key] = values
}

func (s *NATSStore) forgetLast(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.pending[key]
	if len(values) > 0 {
		s.pending[key] = values[:len(values)-1]
	}
}

// consumeEcho reports whether value is the oldest unobserved write of key by
// this store, and drops it if so.
func (s *NATSStore) consumeEcho(key, value string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	values := s.pending[key]
	if len(values) == 0 || values[0] != value {
		return false
	}
	if len(values) == 1 {
		delete(s.pending, key)
	} else {
		s.pending[key] = values[1:]
	}
	return true
}
