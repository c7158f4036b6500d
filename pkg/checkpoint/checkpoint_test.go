package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot(runID string, superstep int) *Snapshot {
	return &Snapshot{
		RunID:     runID,
		Superstep: superstep,
		Channels: map[string]any{
			"x":     float64(3),
			"A.out": float64(4),
		},
		Pending:         []string{"B"},
		CycleIterations: map[string]int{"C": 2},
		Writes: []Write{
			{TaskID: "1:A", Channel: "A.out", Value: float64(4)},
		},
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestEncode_Deterministic(t *testing.T) {
	snapshot := sampleSnapshot("run-1", 1)
	snapshot.Channels["zz"] = "last"
	snapshot.Channels["aa"] = "first"

	first, err := Encode(snapshot)
	require.NoError(t, err)

	second, err := Encode(snapshot)
	require.NoError(t, err)

	assert.Equal(t, string(first), string(second))

	decoded, err := Decode(first)
	require.NoError(t, err)
	assert.Equal(t, snapshot, decoded)
}

func TestEncode_BinaryAsBase64(t *testing.T) {
	snapshot := sampleSnapshot("run-1", 1)
	snapshot.Channels["blob"] = []byte{0x01, 0x02}

	data, err := Encode(snapshot)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"blob":"AQI="`)
}

func storeBackends(t *testing.T) map[string]Store {
	t.Helper()

	ctx := context.Background()

	sqlite, err := NewSQLiteStore(ctx, filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = sqlite.Close()
	})

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestStore_SaveAndLoad(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			latest, err := store.LoadLatest(ctx, "run-1")
			require.NoError(t, err)
			assert.Nil(t, latest)

			require.NoError(t, store.Save(ctx, sampleSnapshot("run-1", 0)))
			require.NoError(t, store.Save(ctx, sampleSnapshot("run-1", 1)))
			require.NoError(t, store.Save(ctx, sampleSnapshot("run-2", 0)))

			latest, err = store.LoadLatest(ctx, "run-1")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, 1, latest.Superstep)

			snapshots, err := store.List(ctx, "run-1")
			require.NoError(t, err)
			require.Len(t, snapshots, 2)
			assert.Equal(t, 0, snapshots[0].Superstep)
			assert.Equal(t, 1, snapshots[1].Superstep)
		})
	}
}

func TestStore_DeleteRun(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, store.Save(ctx, sampleSnapshot("run-1", 0)))
			require.NoError(t, store.Save(ctx, sampleSnapshot("run-2", 0)))

			require.NoError(t, store.DeleteRun(ctx, "run-1"))

			latest, err := store.LoadLatest(ctx, "run-1")
			require.NoError(t, err)
			assert.Nil(t, latest)

			latest, err = store.LoadLatest(ctx, "run-2")
			require.NoError(t, err)
			require.NotNil(t, latest)
		})
	}
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	snapshot := sampleSnapshot("run-1", 0)

	clone, err := snapshot.Clone()
	require.NoError(t, err)

	clone.Channels["x"] = float64(99)
	assert.Equal(t, float64(3), snapshot.Channels["x"])
}
