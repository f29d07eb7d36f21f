package keystore

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name so that
// several towerlink deployments can share one Redis server.
//
// Key pattern: towerlink:{instance_name}:{entity}

// KeysHashKey returns the Redis key of the hash holding every shared key.
// Pattern: towerlink:{instance_name}:keys
func KeysHashKey(instanceName string) string {
	return fmt.Sprintf("towerlink:%s:keys", instanceName)
}

// RevisionKey returns the Redis key of the write counter.
// Pattern: towerlink:{instance_name}:revision
func RevisionKey(instanceName string) string {
	return fmt.Sprintf("towerlink:%s:revision", instanceName)
}

// ChangesChannel returns the Pub/Sub channel carrying change records.
// Pattern: towerlink:{instance_name}:changes
func ChangesChannel(instanceName string) string {
	return fmt.Sprintf("towerlink:%s:changes", instanceName)
}
