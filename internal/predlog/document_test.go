package predlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/models"
)

func TestWriteThenReadDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_performance.json")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []models.PredictionRecord{
		record(t, "cat", "cat", 0.9, at),
		record(t, "dog", "cat", 0.8, at.Add(time.Minute)),
	}
	recs[0].ID = "first"
	recs[1].ID = "second"

	require.NoError(t, WriteDocument(path, recs, at))

	loaded, err := ReadDocument(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "second", loaded[1].ID)
	assert.False(t, loaded[1].IsCorrect())
	assert.True(t, loaded[0].Timestamp.Equal(at))

	matches, err := filepath.Glob(filepath.Join(filepath.Dir(path), ".*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestReadLegacyDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_performance.json")
	legacy := `{
  "last_updated": "2024-05-02T10:00:00.123456",
  "total_predictions": 2,
  "predictions": [
    {"timestamp": "2024-05-02T09:59:00.000001", "image_path": "a.jpg", "predicted_class": "cat", "actual_class": "cat", "confidence": 0.91, "correct": true},
    {"timestamp": "2024-05-02T09:59:30", "image_path": "b.jpg", "predicted_class": "dog", "actual_class": null, "confidence": null, "correct": null}
  ]
}`
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	loaded, err := ReadDocument(path)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.True(t, loaded[0].Labeled())
	assert.False(t, loaded[1].Labeled())
	assert.Nil(t, loaded[1].Confidence)
	assert.Equal(t, 2024, loaded[0].Timestamp.Year())
}

func TestReadDocumentRejectsSchemaViolations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model_performance.json")
	bad := `{"predictions": [{"timestamp": "2024-05-02T09:59:30", "predicted_class": "cat", "confidence": 1.7}]}`
	require.NoError(t, os.WriteFile(path, []byte(bad), 0o644))

	_, err := ReadDocument(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid document")
}
