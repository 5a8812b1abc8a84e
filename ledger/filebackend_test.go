package ledger

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T, path string, m *Metrics) *FileBackend {
	t.Helper()
	b, err := NewFileBackend(FileBackendConfig{
		Path:        path,
		LockTimeout: 200 * time.Millisecond,
		LockRetry:   10 * time.Millisecond,
		Metrics:     m,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestFileBackend_LoadMissingIsNotFound(t *testing.T) {
	b := newTestFileBackend(t, filepath.Join(t.TempDir(), "calls.json"), nil)
	_, err := b.Load(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileBackend_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "calls.json")
	b := newTestFileBackend(t, path, nil)

	s, clock := newTestStore(t)
	a := mustCreate(t, s, Fields{Caller: "J. Doe", Code: "Red", Description: "smoke\nseen"})
	clock.Advance(time.Minute)
	require.NoError(t, s.Update(a, Fields{Caller: "J. Doe", Code: "Red", Answered: true, AnsweredBy: "op1", Resolved: true, ResolvedBy: "sup1"}, "op1"))
	d := mustCreate(t, s, Fields{Caller: "Other"})
	require.NoError(t, s.ToggleFlag(d, "op1"))
	require.NoError(t, s.SoftDelete(d, "op1"))

	snap := s.Snapshot()
	saved, err := b.Save(context.Background(), snap)
	require.NoError(t, err)
	assert.Equal(t, snap.Records, saved.Records)

	loaded, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "DC26", loaded.Prefix)
	assert.Equal(t, 3, loaded.Counter)
	assert.Equal(t, snap.Records, loaded.Records)
	assert.Equal(t, snap.History, loaded.History)

	// Absent timestamps stay absent on disk.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.EqualValues(t, fileFormatVersion, doc["version"])
	second := doc["records"].([]any)[1].(map[string]any)
	_, hasAt := second["resolved"].(map[string]any)["at"]
	assert.False(t, hasAt)
}

func TestFileBackend_RoundTripEmpty(t *testing.T) {
	b := newTestFileBackend(t, filepath.Join(t.TempDir(), "calls.json"), nil)
	s, _ := newTestStore(t)

	_, err := b.Save(context.Background(), s.Snapshot())
	require.NoError(t, err)

	loaded, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.Empty(t, loaded.Records)
	assert.Empty(t, loaded.History)
	assert.Equal(t, 1, loaded.Counter)
}

func TestFileBackend_LockTimeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.json")
	m := NewMetrics(prometheus.NewRegistry())
	b := newTestFileBackend(t, path, m)

	holder := flock.New(path + ".lock")
	require.NoError(t, holder.Lock())
	defer func() { _ = holder.Unlock() }()

	s, _ := newTestStore(t)
	mustCreate(t, s, Fields{})

	start := time.Now()
	_, err := b.Save(context.Background(), s.Snapshot())
	assert.ErrorIs(t, err, ErrLockTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	_, statErr := os.Stat(path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)

	_, err = b.Load(context.Background())
	assert.ErrorIs(t, err, ErrLockTimeout)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.LockTimeouts))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Saves.WithLabelValues("file", "lock_timeout")))
}

func TestFileBackend_SharedReadersDoNotBlock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.json")
	b := newTestFileBackend(t, path, nil)
	s, _ := newTestStore(t)
	mustCreate(t, s, Fields{})
	_, err := b.Save(context.Background(), s.Snapshot())
	require.NoError(t, err)

	reader := flock.New(path + ".lock")
	require.NoError(t, reader.RLock())
	defer func() { _ = reader.Unlock() }()

	_, err = b.Load(context.Background())
	assert.NoError(t, err)
}

func TestFileBackend_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	b := newTestFileBackend(t, path, nil)

	_, err := b.Load(context.Background())
	assert.ErrorIs(t, err, ErrPersist)

	s, _ := newTestStore(t)
	mustCreate(t, s, Fields{})
	_, err = b.Save(context.Background(), s.Snapshot())
	assert.ErrorIs(t, err, ErrPersist)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(raw))
}

func TestFileBackend_RejectsNewerFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"version": 99, "records": []}`), 0o644))
	b := newTestFileBackend(t, path, nil)
	_, err := b.Load(context.Background())
	assert.ErrorIs(t, err, ErrPersist)
}

func TestFileBackend_SaveMergesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calls.json")
	m := NewMetrics(prometheus.NewRegistry())
	b := newTestFileBackend(t, path, m)

	// Both stores start from the same empty file.
	sa, _ := newTestStore(t)
	sb, _ := newTestStore(t)

	x := mustCreate(t, sa, Fields{Caller: "X"})
	_, err := b.Save(context.Background(), sa.Snapshot())
	require.NoError(t, err)

	y := mustCreate(t, sb, Fields{Caller: "Y"})
	require.Equal(t, x, y)

	merged, err := b.Save(context.Background(), sb.Snapshot())
	require.NoError(t, err)
	require.Len(t, merged.Records, 2)
	assert.Equal(t, "X", merged.Records[0].Caller)
	assert.Equal(t, x, merged.Records[0].ID)
	assert.Equal(t, "Y", merged.Records[1].Caller)
	assert.Equal(t, "DC26-0002", merged.Records[1].ID)
	assert.Equal(t, 3, merged.Counter)
	require.Len(t, merged.History, 2)
	assert.Equal(t, "DC26-0002", merged.History[1].RecordID)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecordsAdopted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.IDsReassigned))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Saves.WithLabelValues("file", "ok")))
}
