package models

import "time"

// ProbeStatus is the outcome of a single smoke probe.
type ProbeStatus string

const (
	ProbePass ProbeStatus = "PASS"
	ProbeFail ProbeStatus = "FAIL"
	ProbeSkip ProbeStatus = "SKIP"
)

// ProbeResult captures one smoke probe.
type ProbeResult struct {
	Name     string        `json:"name"`
	Status   ProbeStatus   `json:"status"`
	Message  string        `json:"message"`
	Required bool          `json:"required"`
	Duration time.Duration `json:"duration"`
}

// SmokeReport aggregates an ordered list of probe results.
type SmokeReport struct {
	Results []ProbeResult `json:"results"`
	Passed  int           `json:"passed"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
}

// NewSmokeReport tallies results without reordering them.
func NewSmokeReport(results []ProbeResult) SmokeReport {
	report := SmokeReport{Results: append([]ProbeResult(nil), results...)}
	for _, r := range results {
		switch r.Status {
		case ProbePass:
			report.Passed++
		case ProbeFail:
			report.Failed++
		default:
			report.Skipped++
		}
	}
	return report
}

// OK is true iff no probe failed. Skipped probes never affect the verdict.
func (r SmokeReport) OK() bool {
	return r.Failed == 0
}

// FailedNames lists the names of failing probes in order.
func (r SmokeReport) FailedNames() []string {
	var names []string
	for _, res := range r.Results {
		if res.Status == ProbeFail {
			names = append(names, res.Name)
		}
	}
	return names
}
