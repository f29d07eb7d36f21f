package console

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/dyluth/towerlink/internal/protocol"
	"github.com/dyluth/towerlink/pkg/keystore"
)

// KeyEntry is one store key as printed by status.
type KeyEntry struct {
	Key   string `json:"key"`
	Kind  string `json:"kind"`
	Value string `json:"value"`
}

// Entries classifies the keys of a snapshot, reserved keys first, then
// commands in the given order, then anything else.
func Entries(values map[string]string, commands []string) []KeyEntry {
	var entries []KeyEntry
	seen := make(map[string]bool)

	add := func(key, kind string) {
		if seen[key] {
			return
		}
		value, ok := values[key]
		if !ok {
			return
		}
		seen[key] = true
		entries = append(entries, KeyEntry{Key: key, Kind: kind, Value: value})
	}

	add(protocol.LatchKey, "latch")
	add(protocol.StatusKey, "status")
	for _, command := range commands {
		add(command, "command")
	}
	for _, key := range keystore.SortedKeys(values) {
		if protocol.IsHeartbeat(key) {
			add(key, "heartbeat")
		} else {
			add(key, "other")
		}
	}

	return entries
}

// FormatTable writes the entries as a formatted table to the provided writer.
// Returns the number of keys formatted.
func FormatTable(w io.Writer, entries []KeyEntry, instanceName string) int {
	if len(entries) == 0 {
		fmt.Fprintf(w, "No keys found for instance '%s'\n", instanceName)
		return 0
	}

	fmt.Fprintf(w, "Keys for instance '%s':\n\n", instanceName)

	fmt.Fprintf(w, "%-20s %-10s %s\n", "KEY", "KIND", "VALUE")
	fmt.Fprintf(w, "%-20s %-10s %s\n", "--------------------", "----------", "------------------------------")

	for _, e := range entries {
		fmt.Fprintf(w, "%-20s %-10s %s\n", e.Key, e.Kind, e.Value)
	}

	countMsg := "key"
	if len(entries) != 1 {
		countMsg = "keys"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(entries), countMsg)

	return len(entries)
}

// FormatJSONL writes each entry as a single JSON object on its own line.
func FormatJSONL(w io.Writer, entries []KeyEntry) error {
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal key to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}
