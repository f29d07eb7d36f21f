// Package keystore provides the typed client capability for the shared key-value
// store that towerlink processes use as their only communication channel.
//
// # Overview
//
// The console and the relay agent never talk to each other directly. Each side
// upserts string values into named keys, and every other subscriber is notified
// of the change. The store itself is an external service; this package hides the
// backend behind the Store interface so that the agent core depends on a
// capability rather than on a concrete client.
//
// # Events
//
// A Watch delivers a single ordered stream of Events:
//
//   - EventConnected: the backend reached the server and is listening
//   - EventKeyChanged: a key was written by another process (or is reported as part
//     of the current-value snapshot taken after connecting)
//   - EventSynced: the current-value snapshot is complete
//   - EventDisconnected: the server became unreachable; the watch keeps retrying
//   - EventError: a malformed notification or a non-fatal backend error
//
// Writers are never notified of their own writes.
//
// # Backends
//
// RedisStore keeps all keys of an instance in one Redis hash and publishes a JSON
// change record on a Pub/Sub channel for every write. Writes and snapshots carry a
// revision number so that changes already covered by a snapshot are not replayed.
//
//	towerlink:{instance}:keys      HASH   key -> value
//	towerlink:{instance}:revision  STRING monotonically increasing write counter
//	towerlink:{instance}:changes   PUBSUB change records
//
// NATSStore keeps the keys in a JetStream key-value bucket and maps the NATS
// connection handlers onto connect/disconnect/error events.
package keystore
