package models

import "time"

// PerformanceSnapshot is a derived view over labeled prediction records.
// Accuracy values are percentages on the 0-100 scale.
type PerformanceSnapshot struct {
	OverallAccuracy float64            `json:"overall_accuracy"`
	TotalLabeled    int                `json:"total_predictions"`
	RecentAccuracy  float64            `json:"recent_accuracy_24h"`
	RecentCount     int                `json:"recent_predictions_24h"`
	RecentWindow    time.Duration      `json:"recent_window"`
	AvgConfidence   float64            `json:"average_confidence"`
	MinConfidence   float64            `json:"min_confidence"`
	MaxConfidence   float64            `json:"max_confidence"`
	ClassAccuracy   map[string]float64 `json:"class_accuracy"`
	ComputedAt      time.Time          `json:"last_updated"`
}

// Empty reports the undefined snapshot produced when no labeled records exist.
func (s PerformanceSnapshot) Empty() bool {
	return s.TotalLabeled == 0
}

// DriftResult is the outcome of a drift check.
type DriftResult struct {
	Flagged         bool    `json:"drift_detected"`
	Drift           float64 `json:"drift"`
	Threshold       float64 `json:"threshold"`
	OverallAccuracy float64 `json:"overall_accuracy"`
	RecentAccuracy  float64 `json:"recent_accuracy"`
	RecentCount     int     `json:"recent_count"`
	// Reason explains a non-flagged result that was not computed from evidence.
	Reason string `json:"reason,omitempty"`
}

// EvaluationSummary aggregates one post-deployment evaluation run.
// Accuracy values are fractions on the 0-1 scale.
type EvaluationSummary struct {
	OverallAccuracy    float64            `json:"overall_accuracy"`
	AverageConfidence  float64            `json:"average_confidence"`
	TotalPredictions   int                `json:"total_predictions"`
	CorrectPredictions int                `json:"correct_predictions"`
	ClassAccuracy      map[string]float64 `json:"class_accuracy"`
	ClassCorrect       map[string]int     `json:"class_correct"`
	ClassTotal         map[string]int     `json:"class_total"`
	Timestamp          time.Time          `json:"timestamp"`
}

// BatchResult summarises a known-images monitoring pass.
type BatchResult struct {
	Accuracy float64 `json:"accuracy"`
	Correct  int     `json:"correct"`
	Total    int     `json:"total"`
	Failed   int     `json:"failed"`
}
