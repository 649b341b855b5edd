// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2024-present Datadog, Inc.

package interaction

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "interactions.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func record(ip string) *Record {
	return &Record{
		AttackerIP: ip,
		Protocol:   "modbus",
		Request:    []byte{0x00, 0x01},
		Response:   []byte{0x00, 0x02},
		Metadata:   map[string]interface{}{"modbus.func_code": 3},
	}
}

func Test_record_assignsMonotonicIDs(t *testing.T) {
	store, _ := openTestStore(t)

	r1, r2 := record("10.0.0.1"), record("10.0.0.2")
	require.NoError(t, store.Record(r1))
	require.NoError(t, store.Record(r2))

	assert.Greater(t, r2.ID, r1.ID)
	assert.False(t, r1.Timestamp.IsZero())
}

func Test_pendingBatch_returnsOldestFirst(t *testing.T) {
	store, _ := openTestStore(t)

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		require.NoError(t, store.Record(record(ip)))
	}

	batch, err := store.PendingBatch(2)
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, "10.0.0.1", batch[0].AttackerIP)
	assert.Equal(t, "10.0.0.2", batch[1].AttackerIP)

	// raw frames and metadata survive the round trip
	assert.Equal(t, []byte{0x00, 0x01}, batch[0].Request)
	assert.Equal(t, []byte{0x00, 0x02}, batch[0].Response)
	assert.Equal(t, float64(3), batch[0].Metadata["modbus.func_code"])
}

func Test_markUploaded_removesFromPendingQueue(t *testing.T) {
	store, _ := openTestStore(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Record(record("10.0.0.1")))
	}
	batch, err := store.PendingBatch(2)
	require.NoError(t, err)
	require.NoError(t, store.MarkUploaded([]int64{batch[0].ID, batch[1].ID}))

	remaining, err := store.PendingBatch(10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)

	n, err := store.Pending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func Test_open_sealsBacklogFromPreviousRun(t *testing.T) {
	store, path := openTestStore(t)
	require.NoError(t, store.Record(record("10.0.0.1")))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	batch, err := reopened.PendingBatch(10)
	require.NoError(t, err)
	assert.Empty(t, batch)
}

func Test_marshalJSON_wireShape(t *testing.T) {
	store, _ := openTestStore(t)
	rec := record("10.0.0.9")
	require.NoError(t, store.Record(rec))

	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "10.0.0.9", decoded["attacker_ip"])
	assert.Equal(t, "modbus", decoded["protocol"])
	assert.Equal(t, "0001", decoded["request_data"])
	assert.Equal(t, "0002", decoded["response_data"])
	assert.NotEmpty(t, decoded["timestamp"])
	meta, ok := decoded["metadata"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, float64(3), meta["modbus.func_code"])
}
