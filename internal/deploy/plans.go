package deploy

import (
	"fmt"
	"sort"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/models"
)

// PlansFromConfig parses every configured plan keyed by its normalised kind.
func PlansFromConfig(cfg config.DeployConfig) (map[models.PlanKind]models.Plan, error) {
	plans := make(map[models.PlanKind]models.Plan, len(cfg.Plans))

	names := make([]string, 0, len(cfg.Plans))
	for name := range cfg.Plans {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		kind, err := models.ParsePlanKind(name)
		if err != nil {
			return nil, err
		}
		if _, dup := plans[kind]; dup {
			return nil, fmt.Errorf("deployment kind %q configured twice", kind)
		}
		plan, err := buildPlan(kind, cfg.WorkDir, cfg.Plans[name])
		if err != nil {
			return nil, fmt.Errorf("plan %s: %w", name, err)
		}
		plans[kind] = plan
	}
	return plans, nil
}

// PlanFor resolves a user supplied kind, falling back to the configured default.
func PlanFor(plans map[models.PlanKind]models.Plan, raw, defaultKind string) (models.Plan, error) {
	if raw == "" {
		raw = defaultKind
	}
	kind, err := models.ParsePlanKind(raw)
	if err != nil {
		return models.Plan{}, err
	}
	plan, ok := plans[kind]
	if !ok {
		return models.Plan{}, fmt.Errorf("no plan configured for deployment kind %q", kind)
	}
	return plan, nil
}

func buildPlan(kind models.PlanKind, workDir string, pc config.PlanConfig) (models.Plan, error) {
	plan := models.Plan{Kind: kind, WorkDir: workDir}
	for i, line := range pc.Commands {
		cmd, err := models.ParseCommand(line)
		if err != nil {
			return models.Plan{}, fmt.Errorf("command %d: %w", i+1, err)
		}
		plan.Commands = append(plan.Commands, cmd)
	}
	teardown, err := models.ParseCommand(pc.Teardown)
	if err != nil {
		return models.Plan{}, fmt.Errorf("teardown: %w", err)
	}
	plan.Teardown = teardown
	return plan, nil
}
