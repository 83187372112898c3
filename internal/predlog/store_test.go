package predlog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

func record(t *testing.T, predicted, actual string, confidence float64, at time.Time) models.PredictionRecord {
	t.Helper()
	rec, err := models.NewPredictionRecord(models.PredictionInput{
		InputRef:       "data/processed/test/" + actual + "/1.jpg",
		PredictedClass: predicted,
		ActualClass:    actual,
		Confidence:     &confidence,
	}, at)
	require.NoError(t, err)
	return rec
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	first, err := store.Append(ctx, record(t, "cat", "cat", 0.9, base))
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	_, err = store.Append(ctx, record(t, "cat", "dog", 0.8, base.Add(time.Second)))
	require.NoError(t, err)
	_, err = store.Append(ctx, record(t, "dog", "dog", 0.7, base.Add(2*time.Second)))
	require.NoError(t, err)

	all, err := store.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.ID, all[0].ID)
	assert.Equal(t, "dog", all[2].PredictedClass)
	assert.True(t, all[0].IsCorrect())
	assert.False(t, all[1].IsCorrect())
	assert.True(t, all[2].Timestamp.Equal(base.Add(2*time.Second)))
}

func TestFileStoreAppendAndRead(t *testing.T) {
	store, err := OpenFileStore(filepath.Join(t.TempDir(), "log", "predictions.jsonl"), true, nil)
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.jsonl")
	store, err := OpenFileStore(path, true, nil)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), record(t, "cat", "cat", 0.9, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenFileStore(path, true, nil)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Append(context.Background(), record(t, "dog", "cat", 0.6, time.Now()))
	require.NoError(t, err)

	all, err := reopened.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestFileStoreSkipsTornTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.jsonl")
	store, err := OpenFileStore(path, false, nil)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Append(context.Background(), record(t, "cat", "cat", 0.9, time.Now()))
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"timestamp":"2025-03-01T12:00:00Z","predic`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStoreRepairsTornTailOnOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "predictions.jsonl")
	store, err := OpenFileStore(path, false, nil)
	require.NoError(t, err)
	_, err = store.Append(ctx, record(t, "cat", "cat", 0.9, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"id":"x","timestamp":"2026-`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	reopened, err := OpenFileStore(path, false, nil)
	require.NoError(t, err)
	defer reopened.Close()
	_, err = reopened.Append(ctx, record(t, "dog", "dog", 0.8, time.Now()))
	require.NoError(t, err)
	_, err = reopened.Append(ctx, record(t, "cat", "dog", 0.7, time.Now()))
	require.NoError(t, err)

	all, err := reopened.All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "dog", all[1].PredictedClass)
	assert.Equal(t, "cat", all[2].PredictedClass)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"id":"x"`)
}

func TestFileStoreTruncatesWhollyTornFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"predicted_class":"ca`), 0o644))

	store, err := OpenFileStore(path, false, nil)
	require.NoError(t, err)
	defer store.Close()
	_, err = store.Append(context.Background(), record(t, "cat", "cat", 0.9, time.Now()))
	require.NoError(t, err)

	all, err := store.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStoreRejectsCorruptMiddleLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"predicted_class\":\"cat\",\"timestamp\":\"2025-03-01T12:00:00Z\"}\n"), 0o644))
	store, err := OpenFileStore(path, false, nil)
	require.NoError(t, err)
	defer store.Close()

	_, err = store.All(context.Background())
	assert.Error(t, err)
}

func TestBadgerStoreAppendAndRead(t *testing.T) {
	store, err := OpenBadgerStore(BadgerOptions{InMemory: true})
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestBadgerStorePersists(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenBadgerStore(BadgerOptions{Path: dir, SyncWrites: true})
	require.NoError(t, err)
	_, err = store.Append(context.Background(), record(t, "cat", "cat", 0.9, time.Now()))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := OpenBadgerStore(BadgerOptions{Path: dir})
	require.NoError(t, err)
	defer reopened.Close()
	all, err := reopened.All(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestOpenSelectsBackend(t *testing.T) {
	dir := t.TempDir()

	fileStore, err := Open(config.PredictionsConfig{Backend: "file", Path: filepath.Join(dir, "p.jsonl")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, fileStore)
	require.NoError(t, fileStore.Close())

	badgerStore, err := Open(config.PredictionsConfig{Backend: "badger", Path: filepath.Join(dir, "db")}, nil)
	require.NoError(t, err)
	assert.IsType(t, &BadgerStore{}, badgerStore)
	require.NoError(t, badgerStore.Close())

	_, err = Open(config.PredictionsConfig{Backend: "sqlite", Path: dir}, nil)
	assert.Error(t, err)
}
