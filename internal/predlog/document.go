package predlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/utils"
)

// Document is the whole-file export format of the prediction log.
type Document struct {
	LastUpdated      time.Time                 `json:"last_updated"`
	TotalPredictions int                       `json:"total_predictions"`
	Predictions      []models.PredictionRecord `json:"predictions"`
}

const documentSchema = `{
  "type": "object",
  "required": ["predictions"],
  "properties": {
    "last_updated": {"type": "string"},
    "total_predictions": {"type": "integer", "minimum": 0},
    "predictions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["timestamp", "predicted_class"],
        "properties": {
          "id": {"type": "string"},
          "timestamp": {"type": "string", "minLength": 1},
          "image_path": {"type": ["string", "null"]},
          "predicted_class": {"type": "string", "minLength": 1},
          "actual_class": {"type": ["string", "null"]},
          "confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
          "correct": {"type": ["boolean", "null"]}
        }
      }
    }
  }
}`

// WriteDocument writes records as a single document, replacing path atomically.
func WriteDocument(path string, records []models.PredictionRecord, now time.Time) error {
	if records == nil {
		records = []models.PredictionRecord{}
	}
	doc := Document{LastUpdated: now, TotalPredictions: len(records), Predictions: records}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return utils.NewAppError("predlog.WriteDocument", "marshal document", err)
	}
	return writeFileAtomic(path, data)
}

// ReadDocument loads and validates a document, including ones written by older tooling
// with zone-less timestamps.
func ReadDocument(path string) ([]models.PredictionRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, utils.NewAppError("predlog.ReadDocument", "read document", err)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(documentSchema),
		gojsonschema.NewBytesLoader(data),
	)
	if err != nil {
		return nil, utils.NewAppError("predlog.ReadDocument", "validate document", err)
	}
	if !result.Valid() {
		problems := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			problems = append(problems, e.String())
		}
		return nil, utils.NewAppError("predlog.ReadDocument", "invalid document: "+strings.Join(problems, "; "), nil)
	}

	var raw struct {
		Predictions []struct {
			ID             string   `json:"id"`
			Timestamp      string   `json:"timestamp"`
			ImagePath      *string  `json:"image_path"`
			PredictedClass *string  `json:"predicted_class"`
			ActualClass    *string  `json:"actual_class"`
			Confidence     *float64 `json:"confidence"`
		} `json:"predictions"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, utils.NewAppError("predlog.ReadDocument", "decode document", err)
	}

	records := make([]models.PredictionRecord, 0, len(raw.Predictions))
	for i, p := range raw.Predictions {
		ts, err := utils.ParseTimestamp(p.Timestamp)
		if err != nil {
			return nil, utils.NewAppError("predlog.ReadDocument", fmt.Sprintf("prediction %d", i), err)
		}
		in := models.PredictionInput{Confidence: p.Confidence}
		if p.ImagePath != nil {
			in.InputRef = *p.ImagePath
		}
		if p.PredictedClass != nil {
			in.PredictedClass = *p.PredictedClass
		}
		if p.ActualClass != nil {
			in.ActualClass = *p.ActualClass
		}
		rec, err := models.NewPredictionRecord(in, ts)
		if err != nil {
			return nil, utils.NewAppError("predlog.ReadDocument", fmt.Sprintf("prediction %d", i), err)
		}
		rec.ID = p.ID
		records = append(records, rec)
	}
	return records, nil
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return utils.NewAppError("predlog.WriteDocument", "create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return utils.NewAppError("predlog.WriteDocument", "write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return utils.NewAppError("predlog.WriteDocument", "sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return utils.NewAppError("predlog.WriteDocument", "close temp file", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return utils.NewAppError("predlog.WriteDocument", "replace document", err)
	}
	return nil
}
