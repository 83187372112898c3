package models

import (
	"fmt"
	"strings"
	"time"
)

// Prediction is the /predict response body of the inference service.
type Prediction struct {
	PredictedClass string             `json:"predicted_class"`
	Confidence     float64            `json:"confidence"`
	Probabilities  map[string]float64 `json:"probabilities,omitempty"`
}

// HealthStatus is the /health response body of the inference service.
type HealthStatus struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Ready reports whether the service declares itself healthy with the model loaded.
func (h HealthStatus) Ready() bool {
	return h.Status == "healthy" && h.ModelLoaded
}

// PredictionRecord is one logged inference outcome. Records are immutable once written.
type PredictionRecord struct {
	ID             string    `json:"id,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	InputRef       string    `json:"image_path"`
	PredictedClass string    `json:"predicted_class"`
	ActualClass    *string   `json:"actual_class"`
	Confidence     *float64  `json:"confidence"`
	Correct        *bool     `json:"correct"`
}

// PredictionInput carries the caller-supplied fields of a new record.
type PredictionInput struct {
	InputRef       string   `json:"image_path"`
	PredictedClass string   `json:"predicted_class" binding:"required"`
	ActualClass    string   `json:"actual_class"`
	Confidence     *float64 `json:"confidence"`
}

// NewPredictionRecord builds a record and derives correctness when a label is present.
func NewPredictionRecord(in PredictionInput, at time.Time) (PredictionRecord, error) {
	predicted := strings.TrimSpace(in.PredictedClass)
	if predicted == "" {
		return PredictionRecord{}, fmt.Errorf("predicted class is required")
	}
	rec := PredictionRecord{
		Timestamp:      at,
		InputRef:       in.InputRef,
		PredictedClass: predicted,
	}
	if in.Confidence != nil {
		c := *in.Confidence
		if c < 0 || c > 1 {
			return PredictionRecord{}, fmt.Errorf("confidence %.4f outside [0,1]", c)
		}
		rec.Confidence = &c
	}
	if actual := strings.TrimSpace(in.ActualClass); actual != "" {
		correct := actual == predicted
		rec.ActualClass = &actual
		rec.Correct = &correct
	}
	return rec, nil
}

// Labeled reports whether the record carries a ground-truth label.
func (r PredictionRecord) Labeled() bool {
	return r.ActualClass != nil && *r.ActualClass != ""
}

// IsCorrect reports derived correctness; false for unlabeled records.
func (r PredictionRecord) IsCorrect() bool {
	if !r.Labeled() {
		return false
	}
	return r.PredictedClass == *r.ActualClass
}
