package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of a Redis hash plus Pub/Sub change records.
// All keys and channels are namespaced with the instance name.
// The store is thread-safe and can be used concurrently from multiple goroutines.
type RedisStore struct {
	rdb          *redis.Client
	instanceName string
	writerID     string
	opts         options
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store for the specified instance.
//
// Parameters:
//   - redisOpts: Redis connection options (address, password, DB, etc.)
//   - instanceName: deployment identifier (must not be empty)
//
// Each store gets a fresh writer UUID; change records carrying that UUID are
// not delivered back to the same store's watches.
func NewRedisStore(redisOpts *redis.Options, instanceName string, opts ...Option) (*RedisStore, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return &RedisStore{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		writerID:     uuid.New().String(),
		opts:         o,
	}, nil
}

// WriterID returns the UUID stamped on this store's change records.
func (s *RedisStore) WriterID() string {
	return s.writerID
}

// Close closes the Redis connection. Implements io.Closer.
func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

// Ping verifies Redis connectivity.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Upsert writes the value and publishes a change record.
// The revision counter and the hash field are updated in one MULTI/EXEC so a
// snapshot either contains the write or precedes its revision.
func (s *RedisStore) Upsert(ctx context.Context, key, value string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}

	var revCmd, hsetCmd *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		revCmd = pipe.Incr(ctx, RevisionKey(s.instanceName))
		hsetCmd = pipe.HSet(ctx, KeysHashKey(s.instanceName), key, value)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write key %s to Redis: %w", key, err)
	}

	reason := ReasonValueChanged
	if hsetCmd.Val() == 1 {
		reason = ReasonEntryAdded
	}

	change := &Change{
		Key:      key,
		Value:    value,
		Reason:   reason,
		Writer:   s.writerID,
		Revision: revCmd.Val(),
	}

	changeJSON, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change for key %s: %w", key, err)
	}

	if err := s.rdb.Publish(ctx, ChangesChannel(s.instanceName), changeJSON).Err(); err != nil {
		return fmt.Errorf("failed to publish change for key %s: %w", key, err)
	}

	return nil
}

// Get returns the current value of key.
// Returns ("", ErrNotFound) if the key has never been written.
func (s *RedisStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.rdb.HGet(ctx, KeysHashKey(s.instanceName), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("failed to read key %s from Redis: %w", key, err)
	}
	return value, nil
}

// Snapshot returns all keys and their current values.
// Returns an empty map (not an error) when nothing has been written yet.
func (s *RedisStore) Snapshot(ctx context.Context) (map[string]string, error) {
	_, values, err := s.snapshot(ctx)
	return values, err
}

// snapshot reads the revision counter and the hash atomically.
func (s *RedisStore) snapshot(ctx context.Context) (int64, map[string]string, error) {
	var revCmd *redis.StringCmd
	var allCmd *redis.MapStringStringCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		revCmd = pipe.Get(ctx, RevisionKey(s.instanceName))
		allCmd = pipe.HGetAll(ctx, KeysHashKey(s.instanceName))
		return nil
	})
	// A missing revision key only means nothing has been written yet
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, nil, fmt.Errorf("failed to read snapshot from Redis: %w", err)
	}

	var revision int64
	if revCmd.Err() == nil {
		revision, err = revCmd.Int64()
		if err != nil {
			return 0, nil, fmt.Errorf("invalid revision counter: %w", err)
		}
	}

	values := allCmd.Val()
	if values == nil {
		values = map[string]string{}
	}
	return revision, values, nil
}

// Watch subscribes to change records for this instance.
// The returned Watch reconnects on its own: every (re)connection is reported
// as EventConnected, followed by the current value of every key, then
// EventSynced, then live changes. Connection loss is reported as
// EventDisconnected.
//
// Events are delivered on a buffered channel; a slow consumer applies
// backpressure to the watch goroutine rather than losing events.
func (s *RedisStore) Watch(ctx context.Context) (*Watch, error) {
	events := make(chan Event, s.opts.bufferSize)
	done := make(chan struct{})
	watchCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(done)
		defer close(events)
		s.watchLoop(watchCtx, events)
	}()

	return newWatch(events, cancel, done), nil
}

func (s *RedisStore) watchLoop(ctx context.Context, events chan<- Event) {
	for {
		if !s.waitForServer(ctx) {
			return
		}

		established, err := s.session(ctx, events)
		if ctx.Err() != nil {
			return
		}

		ev := Event{Kind: EventError, Err: err}
		if established {
			ev = Event{Kind: EventDisconnected, Err: err}
		}
		if !send(ctx, events, ev) {
			return
		}

		if !sleep(ctx, s.opts.retryInterval) {
			return
		}
	}
}

// waitForServer pings until Redis answers. Returns false on cancellation.
func (s *RedisStore) waitForServer(ctx context.Context) bool {
	for {
		if err := s.rdb.Ping(ctx).Err(); err == nil {
			return true
		}
		if !sleep(ctx, s.opts.retryInterval) {
			return false
		}
	}
}

// session runs one subscription until it fails or ctx is cancelled.
// established reports whether EventConnected was delivered.
func (s *RedisStore) session(ctx context.Context, events chan<- Event) (established bool, err error) {
	pubsub := s.rdb.Subscribe(ctx, ChangesChannel(s.instanceName))
	defer pubsub.Close()

	// Unblock ReceiveTimeout as soon as the watch is cancelled
	stop := context.AfterFunc(ctx, func() { _ = pubsub.Close() })
	defer stop()

	// Wait for the subscription confirmation so no change published after
	// the snapshot can be missed
	if _, err := pubsub.Receive(ctx); err != nil {
		return false, fmt.Errorf("failed to subscribe to changes: %w", err)
	}

	revision, values, err := s.snapshot(ctx)
	if err != nil {
		return false, err
	}

	if !send(ctx, events, Event{Kind: EventConnected}) {
		return true, nil
	}

	for _, key := range SortedKeys(values) {
		ev := Event{Kind: EventKeyChanged, Key: key, Value: values[key], Reason: ReasonCurrentValue}
		if !send(ctx, events, ev) {
			return true, nil
		}
	}

	if !send(ctx, events, Event{Kind: EventSynced}) {
		return true, nil
	}

	return true, s.receive(ctx, pubsub, revision, events)
}

// receive forwards change records newer than the snapshot revision.
// A silent subscription is health-checked with PING; a missing PONG ends the session.
func (s *RedisStore) receive(ctx context.Context, pubsub *redis.PubSub, revision int64, events chan<- Event) error {
	awaitingPong := false

	for {
		msg, err := pubsub.ReceiveTimeout(ctx, s.opts.healthInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isTimeout(err) && !awaitingPong {
				if err := pubsub.Ping(ctx); err != nil {
					return fmt.Errorf("health check failed: %w", err)
				}
				awaitingPong = true
				continue
			}
			return fmt.Errorf("subscription lost: %w", err)
		}

		switch m := msg.(type) {
		case *redis.Pong:
			awaitingPong = false

		case *redis.Message:
			awaitingPong = false

			ev, ok, err := s.decode(m.Payload, revision)
			if err != nil {
				if !send(ctx, events, Event{Kind: EventError, Err: err}) {
					return nil
				}
				continue
			}
			if !ok {
				continue
			}
			if !send(ctx, events, ev) {
				return nil
			}
		}
	}
}

// decode turns a change record into an event. ok is false for records this
// store wrote itself and for records already covered by the snapshot.
func (s *RedisStore) decode(payload string, revision int64) (Event, bool, error) {
	var change Change
	if err := json.Unmarshal([]byte(payload), &change); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}
	if err := change.Validate(); err != nil {
		return Event{}, false, fmt.Errorf("%w: %v", ErrMalformedChange, err)
	}

	if change.Writer == s.writerID || change.Revision <= revision {
		return Event{}, false, nil
	}

	return Event{
		Kind:   EventKeyChanged,
		Key:    change.Key,
		Value:  change.Value,
		Reason: change.Reason,
	}, true, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
