package console

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleValues() map[string]string {
	return map[string]string{
		"wifi_on":   "I need latch",
		"v360_on":   "ready",
		"LATCH":     "UNSET",
		"STATUS":    "ENABLE LATCH",
		"Heartbeat": "2026-10-16T12:00:00Z",
		"legacy":    "x",
	}
}

func TestEntries(t *testing.T) {
	entries := Entries(sampleValues(), []string{"wifi_on", "v360_on", "atv_on"})

	var keys, kinds []string
	for _, e := range entries {
		keys = append(keys, e.Key)
		kinds = append(kinds, e.Kind)
	}
	assert.Equal(t, []string{"LATCH", "STATUS", "wifi_on", "v360_on", "Heartbeat", "legacy"}, keys)
	assert.Equal(t, []string{"latch", "status", "command", "command", "heartbeat", "other"}, kinds)
}

func TestFormatTable(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		buf := &bytes.Buffer{}
		assert.Equal(t, 0, FormatTable(buf, nil, "tower"))
		assert.Equal(t, "No keys found for instance 'tower'\n", buf.String())
	})

	t.Run("rows", func(t *testing.T) {
		buf := &bytes.Buffer{}
		n := FormatTable(buf, Entries(sampleValues(), []string{"v360_on"}), "tower")
		assert.Equal(t, 6, n)

		out := buf.String()
		assert.Contains(t, out, "Keys for instance 'tower':")
		assert.Contains(t, out, "LATCH                latch      UNSET\n")
		assert.True(t, strings.HasSuffix(out, "\n6 keys found\n"))
	})
}

func TestFormatJSONL(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, FormatJSONL(buf, []KeyEntry{
		{Key: "LATCH", Kind: "latch", Value: "SET"},
		{Key: "v360_on", Kind: "command", Value: "PLEASE"},
	}))

	assert.Equal(t, `{"key":"LATCH","kind":"latch","value":"SET"}
{"key":"v360_on","kind":"command","value":"PLEASE"}
`, buf.String())
}
