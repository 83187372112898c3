package monitor

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/miradorstack/mirador-rollout/internal/models"
)

// ComputeSnapshot derives performance statistics from labeled records. Records are
// recent when their timestamp is strictly after now-window.
func ComputeSnapshot(records []models.PredictionRecord, now time.Time, window time.Duration) models.PerformanceSnapshot {
	snap := models.PerformanceSnapshot{
		RecentWindow:  window,
		ComputedAt:    now,
		ClassAccuracy: map[string]float64{},
	}

	cutoff := now.Add(-window)
	var (
		correct       int
		recentCorrect int
		confSum       float64
		confCount     int
		classCorrect  = map[string]int{}
		classTotal    = map[string]int{}
	)
	snap.MinConfidence = math.Inf(1)
	snap.MaxConfidence = math.Inf(-1)

	for _, rec := range records {
		if !rec.Labeled() {
			continue
		}
		snap.TotalLabeled++
		actual := *rec.ActualClass
		classTotal[actual]++
		ok := rec.IsCorrect()
		if ok {
			correct++
			classCorrect[actual]++
		}
		if rec.Confidence != nil {
			c := *rec.Confidence
			confSum += c
			confCount++
			snap.MinConfidence = math.Min(snap.MinConfidence, c)
			snap.MaxConfidence = math.Max(snap.MaxConfidence, c)
		}
		if rec.Timestamp.After(cutoff) {
			snap.RecentCount++
			if ok {
				recentCorrect++
			}
		}
	}

	if confCount == 0 {
		snap.MinConfidence, snap.MaxConfidence = 0, 0
	} else {
		snap.AvgConfidence = confSum / float64(confCount)
	}
	if snap.TotalLabeled == 0 {
		return snap
	}

	snap.OverallAccuracy = percent(correct, snap.TotalLabeled)
	if snap.RecentCount > 0 {
		snap.RecentAccuracy = percent(recentCorrect, snap.RecentCount)
	}
	for class, total := range classTotal {
		snap.ClassAccuracy[class] = percent(classCorrect[class], total)
	}
	return snap
}

// DetectDrift flags degradation of the recent window relative to the overall accuracy.
// Improvement is never flagged, and a window with no records yields no verdict.
func DetectDrift(snap models.PerformanceSnapshot, threshold float64) models.DriftResult {
	res := models.DriftResult{
		Threshold:       threshold,
		OverallAccuracy: snap.OverallAccuracy,
		RecentAccuracy:  snap.RecentAccuracy,
		RecentCount:     snap.RecentCount,
	}
	if snap.Empty() {
		res.Reason = "no labeled predictions"
		return res
	}
	if snap.RecentCount == 0 {
		res.Reason = "no predictions in recent window"
		return res
	}
	res.Drift = snap.OverallAccuracy - snap.RecentAccuracy
	res.Flagged = res.Drift > threshold
	return res
}

// RenderReport formats a snapshot as the plain-text performance report.
func RenderReport(snap models.PerformanceSnapshot) string {
	if snap.Empty() {
		return "No performance data available. Run tests with known images first."
	}

	rule := strings.Repeat("=", 50)
	var b strings.Builder
	fmt.Fprintf(&b, "\nModel Performance Report\n%s\n\n", rule)
	b.WriteString("Overall Performance:\n")
	fmt.Fprintf(&b, "   • Accuracy: %.2f%%\n", snap.OverallAccuracy)
	fmt.Fprintf(&b, "   • Total Predictions: %d\n", snap.TotalLabeled)
	fmt.Fprintf(&b, "   • Average Confidence: %.2f\n\n", snap.AvgConfidence)
	fmt.Fprintf(&b, "Recent Performance (%s):\n", windowLabel(snap.RecentWindow))
	fmt.Fprintf(&b, "   • Recent Accuracy: %.2f%%\n", snap.RecentAccuracy)
	fmt.Fprintf(&b, "   • Recent Predictions: %d\n\n", snap.RecentCount)
	b.WriteString("Class-wise Performance:\n")

	classes := make([]string, 0, len(snap.ClassAccuracy))
	for class := range snap.ClassAccuracy {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	for _, class := range classes {
		fmt.Fprintf(&b, "   • %s: %.2f%%\n", capitalize(class), snap.ClassAccuracy[class])
	}

	b.WriteString("\nConfidence Range:\n")
	fmt.Fprintf(&b, "   • Min: %.2f\n", snap.MinConfidence)
	fmt.Fprintf(&b, "   • Max: %.2f\n\n", snap.MaxConfidence)
	fmt.Fprintf(&b, "Last Updated: %s\n\n%s\n", snap.ComputedAt.Format(time.RFC3339), rule)
	return b.String()
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

func windowLabel(d time.Duration) string {
	if d > 0 && d%time.Hour == 0 {
		return fmt.Sprintf("%dh", int(d/time.Hour))
	}
	return d.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
