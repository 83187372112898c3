package remediation

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/miradorstack/mirador-rollout/internal/models"
)

// RuleEngine attaches operator hints to failed deploy outcomes.
type RuleEngine struct {
	rules  []Rule
	logger *slog.Logger
}

// Rule represents a single hint rule.
type Rule struct {
	ID              string    `yaml:"id"`
	Match           RuleMatch `yaml:"match"`
	Recommendations []string  `yaml:"recommendations"`
}

// RuleMatch defines optional attributes for rule matching. Empty fields match anything.
type RuleMatch struct {
	Kind               string   `yaml:"kind"`
	Failure            string   `yaml:"failure"`
	State              string   `yaml:"state"`
	DiagnosticsContain []string `yaml:"diagnostics_contain"`
	FailedProbes       []string `yaml:"failed_probes"`
	CommandContains    string   `yaml:"command_contains"`
}

// RuleConfigFile is the YAML root structure.
type RuleConfigFile struct {
	Rules []Rule `yaml:"rules"`
}

// DefaultRules cover the common failure modes of compose and cluster rollouts.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:              "timeout",
			Match:           RuleMatch{Failure: string(models.FailureTimeout)},
			Recommendations: []string{"Inspect the inference container logs; the model may still be loading or crashed during start-up"},
		},
		{
			ID:              "compose-build",
			Match:           RuleMatch{Kind: string(models.PlanCompose), Failure: string(models.FailureInfrastructure), CommandContains: "build"},
			Recommendations: []string{"Run the image build locally to reproduce the failure"},
		},
		{
			ID:              "command-missing",
			Match:           RuleMatch{Failure: string(models.FailureInfrastructure), DiagnosticsContain: []string{"executable file not found"}},
			Recommendations: []string{"Install the deployment tool on this host or fix the plan command"},
		},
		{
			ID:              "cluster-rollout",
			Match:           RuleMatch{Kind: string(models.PlanCluster), Failure: string(models.FailureInfrastructure), CommandContains: "rollout"},
			Recommendations: []string{"Check pod events with kubectl describe; run rollback to restore the previous revision"},
		},
		{
			ID:              "prediction-probe",
			Match:           RuleMatch{Failure: string(models.FailureVerification), FailedProbes: []string{"prediction"}},
			Recommendations: []string{"Verify the model artifact shipped with the image and the /predict upload field"},
		},
		{
			ID:              "verification",
			Match:           RuleMatch{Failure: string(models.FailureVerification)},
			Recommendations: []string{"Run the smoke command against the service to re-check before rolling back"},
		},
	}
}

// NewRuleEngine loads rules from the provided path. An empty or missing path yields
// the default rules.
func NewRuleEngine(path string, logger *slog.Logger) (*RuleEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		return &RuleEngine{rules: DefaultRules(), logger: logger}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Warn("remediation rules not found, using defaults", slog.String("path", path))
			return &RuleEngine{rules: DefaultRules(), logger: logger}, nil
		}
		return nil, err
	}
	var cfg RuleConfigFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &RuleEngine{rules: cfg.Rules, logger: logger}, nil
}

// Recommend returns the hints of every matching rule in rule order, deduplicated.
// Successful outcomes get none.
func (e *RuleEngine) Recommend(outcome models.DeployOutcome) []string {
	if e == nil || outcome.Succeeded() {
		return nil
	}

	matched := make([]string, 0)
	for _, rule := range e.rules {
		if !rule.Match.matches(outcome) {
			continue
		}
		e.logger.Debug("remediation rule matched", slog.String("rule", rule.ID))
		matched = appendUnique(matched, rule.Recommendations...)
	}
	return matched
}

func (m RuleMatch) matches(o models.DeployOutcome) bool {
	if m.Kind != "" && !strings.EqualFold(m.Kind, string(o.Kind)) {
		return false
	}
	if m.Failure != "" && !strings.EqualFold(m.Failure, string(o.Failure)) {
		return false
	}
	if m.State != "" && !strings.EqualFold(m.State, string(o.FailedState)) {
		return false
	}
	if m.CommandContains != "" && !strings.Contains(strings.ToLower(o.Command), strings.ToLower(m.CommandContains)) {
		return false
	}
	if len(m.DiagnosticsContain) > 0 && !containsAny(o.Diagnostics, m.DiagnosticsContain) {
		return false
	}
	if len(m.FailedProbes) > 0 && !probesFailed(m.FailedProbes, o.Smoke) {
		return false
	}
	return true
}

func containsAny(text string, keywords []string) bool {
	text = strings.ToLower(text)
	for _, kw := range keywords {
		if kw != "" && strings.Contains(text, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func probesFailed(names []string, report *models.SmokeReport) bool {
	if report == nil {
		return false
	}
	for _, failed := range report.FailedNames() {
		for _, name := range names {
			if strings.EqualFold(failed, name) {
				return true
			}
		}
	}
	return false
}

func appendUnique(existing []string, additions ...string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, rec := range existing {
		seen[rec] = struct{}{}
	}
	for _, item := range additions {
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		existing = append(existing, item)
		seen[item] = struct{}{}
	}
	return existing
}
