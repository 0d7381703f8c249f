package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tallybook/tally/internal/broadcast"
	"github.com/tallybook/tally/internal/ledger"
	"gopkg.in/yaml.v3"
)

func sampleStatus() ledger.Status {
	return ledger.Status{
		Authenticated: true,
		Account:       "alice",
		SessionID:     "s1",
		LastSync:      1_700_000_000_000,
		Records:       map[string]int{"expenses": 2},
		Tombstones:    1,
		Budget:        "1200.5",
	}
}

func TestWriteStatus(t *testing.T) {
	st := sampleStatus()

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeStatus(&buf, st, "json", "USD"))
		var got ledger.Status
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, st, got)
	})

	t.Run("yaml", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeStatus(&buf, st, "yaml", "USD"))
		var got ledger.Status
		require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, st, got)
	})

	t.Run("text", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeStatus(&buf, st, "text", "USD"))
		out := buf.String()
		assert.Contains(t, out, "Signed in as alice")
		assert.Contains(t, out, "expenses")
		assert.Contains(t, out, "$1,200.50")
		assert.Contains(t, out, "Deletions:  1")
	})

	t.Run("signed out", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, writeStatus(&buf, ledger.Status{}, "", "USD"))
		assert.Contains(t, buf.String(), "Not signed in")
		assert.Contains(t, buf.String(), "Last sync:  never")
	})

	t.Run("unknown", func(t *testing.T) {
		var buf bytes.Buffer
		assert.Error(t, writeStatus(&buf, st, "xml", "USD"))
	})
}

func TestLocalRecordsWarning(t *testing.T) {
	signedIn := sampleStatus()
	assert.Empty(t, localRecordsWarning(signedIn))

	empty := ledger.Status{Records: map[string]int{"expenses": 0}}
	assert.Empty(t, localRecordsWarning(empty))

	offline := ledger.Status{Records: map[string]int{"expenses": 2, "categories": 1}}
	msg := localRecordsWarning(offline)
	assert.Contains(t, msg, "3 local record(s)")
	assert.Contains(t, msg, "replace")
}

func TestDescribe(t *testing.T) {
	msg, err := broadcast.NewMessage(broadcast.MessageTypeSyncFailed,
		broadcast.SyncFailedData{Op: "upload", Error: "service unavailable"})
	require.NoError(t, err)
	assert.Contains(t, describe(msg), "upload failed: service unavailable")

	msg, err = broadcast.NewMessage(broadcast.MessageTypeDataChanged,
		broadcast.DataChangedData{Keys: []string{"expenses"}, Full: true})
	require.NoError(t, err)
	assert.Contains(t, describe(msg), "data replaced: [expenses]")

	msg, err = broadcast.NewMessage(broadcast.MessageTypeSyncComplete,
		broadcast.SyncCompleteData{Trigger: "periodic", Duration: 1500 * time.Microsecond})
	require.NoError(t, err)
	assert.Contains(t, describe(msg), "periodic sync complete in 2ms")
}
