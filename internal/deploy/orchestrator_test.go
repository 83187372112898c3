package deploy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miradorstack/mirador-rollout/internal/config"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/runner"
)

type fakeRunner struct {
	failAt int
	ran    []string
}

func (f *fakeRunner) Run(ctx context.Context, dir string, cmd models.Command) runner.Result {
	f.ran = append(f.ran, cmd.String())
	if len(f.ran) == f.failAt {
		return runner.Result{Command: cmd.String(), ExitCode: 1, Stderr: "no such service", Err: errors.New("exit status 1")}
	}
	return runner.Result{Command: cmd.String(), Success: true}
}

type fakeHealth struct {
	wait  models.HealthWait
	calls int
}

func (f *fakeHealth) Wait(ctx context.Context) models.HealthWait {
	f.calls++
	return f.wait
}

type fakeSmoke struct {
	report models.SmokeReport
	calls  int
}

func (f *fakeSmoke) Run(ctx context.Context) models.SmokeReport {
	f.calls++
	return f.report
}

func composePlan() models.Plan {
	return models.Plan{
		Kind: models.PlanCompose,
		Commands: []models.Command{
			{Name: "docker-compose", Args: []string{"down"}},
			{Name: "docker-compose", Args: []string{"build", "--no-cache"}},
			{Name: "docker-compose", Args: []string{"up", "-d"}},
		},
		Teardown: models.Command{Name: "docker-compose", Args: []string{"down"}},
	}
}

func states(outcome models.DeployOutcome) []models.DeployState {
	out := []models.DeployState{models.StateInit}
	for _, tr := range outcome.Transitions {
		out = append(out, tr.To)
	}
	return out
}

func passingSmoke() *fakeSmoke {
	return &fakeSmoke{report: models.NewSmokeReport([]models.ProbeResult{{Name: "health", Status: models.ProbePass}})}
}

func TestDeploySucceeds(t *testing.T) {
	r := &fakeRunner{}
	health := &fakeHealth{wait: models.HealthWait{Healthy: true, Attempts: 2}}
	smoke := passingSmoke()
	o := NewOrchestrator(r, health, smoke, nil)

	outcome := o.Deploy(context.Background(), composePlan(), true)

	require.True(t, outcome.Succeeded())
	assert.Equal(t, models.FailureNone, outcome.Failure)
	assert.Len(t, r.ran, 3)
	assert.Equal(t, 1, smoke.calls)
	assert.NotEmpty(t, outcome.ID)
	assert.Equal(t, []models.DeployState{
		models.StateInit,
		models.StateRunningCommands,
		models.StateWaitingHealthy,
		models.StateRunningSmokeTests,
		models.StateSucceeded,
	}, states(outcome))
}

func TestDeployStopsAtFailingCommand(t *testing.T) {
	r := &fakeRunner{failAt: 2}
	health := &fakeHealth{wait: models.HealthWait{Healthy: true}}
	o := NewOrchestrator(r, health, passingSmoke(), nil)

	outcome := o.Deploy(context.Background(), composePlan(), true)

	assert.Equal(t, models.DeployFailed, outcome.Status)
	assert.Equal(t, models.FailureInfrastructure, outcome.Failure)
	assert.Equal(t, models.StateRunningCommands, outcome.FailedState)
	assert.Equal(t, 2, outcome.FailedStep)
	assert.Equal(t, "docker-compose build --no-cache", outcome.Command)
	assert.Equal(t, "no such service", outcome.Diagnostics)
	assert.Equal(t, []string{"docker-compose down", "docker-compose build --no-cache"}, r.ran)
	assert.Equal(t, 0, health.calls)
}

func TestDeployHealthTimeout(t *testing.T) {
	r := &fakeRunner{}
	health := &fakeHealth{wait: models.HealthWait{Attempts: 30, LastError: "connection refused"}}
	smoke := passingSmoke()
	o := NewOrchestrator(r, health, smoke, nil)

	outcome := o.Deploy(context.Background(), composePlan(), true)

	assert.Equal(t, models.DeployTimedOut, outcome.Status)
	assert.Equal(t, models.FailureTimeout, outcome.Failure)
	assert.Equal(t, models.StateWaitingHealthy, outcome.FailedState)
	assert.Contains(t, outcome.Diagnostics, "connection refused")
	assert.Equal(t, 0, smoke.calls)
	assert.Equal(t, models.StateTimedOut, states(outcome)[len(outcome.Transitions)])
}

func TestDeployCancelledDuringHealthWaitIsFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	health := &cancellingHealth{cancel: cancel}
	smoke := passingSmoke()
	o := NewOrchestrator(&fakeRunner{}, health, smoke, nil)

	outcome := o.Deploy(ctx, composePlan(), true)
	assert.Equal(t, models.DeployFailed, outcome.Status)
	assert.Equal(t, models.FailureInfrastructure, outcome.Failure)
	assert.Equal(t, models.StateWaitingHealthy, outcome.FailedState)
	assert.Contains(t, outcome.Diagnostics, "interrupted")
	assert.NotContains(t, outcome.Diagnostics, models.ErrHealthTimeout.Error())
	assert.Equal(t, models.StateFailed, states(outcome)[len(states(outcome))-1])
	assert.Zero(t, smoke.calls)
}

type cancellingHealth struct {
	cancel context.CancelFunc
}

func (c *cancellingHealth) Wait(ctx context.Context) models.HealthWait {
	c.cancel()
	return models.HealthWait{Attempts: 1, LastError: ctx.Err().Error()}
}

func TestDeploySmokeFailureIsVerificationWithoutRollback(t *testing.T) {
	r := &fakeRunner{}
	health := &fakeHealth{wait: models.HealthWait{Healthy: true}}
	smoke := &fakeSmoke{report: models.NewSmokeReport([]models.ProbeResult{
		{Name: "health", Status: models.ProbePass},
		{Name: "metrics", Status: models.ProbeFail},
	})}
	o := NewOrchestrator(r, health, smoke, nil)

	outcome := o.Deploy(context.Background(), composePlan(), true)

	assert.Equal(t, models.DeployFailed, outcome.Status)
	assert.Equal(t, models.FailureVerification, outcome.Failure)
	assert.Equal(t, models.StateRunningSmokeTests, outcome.FailedState)
	require.NotNil(t, outcome.Smoke)
	assert.Equal(t, []string{"metrics"}, outcome.Smoke.FailedNames())
	assert.Len(t, r.ran, 3)
}

func TestDeploySkipsSmokeWhenDisabled(t *testing.T) {
	smoke := passingSmoke()
	o := NewOrchestrator(&fakeRunner{}, &fakeHealth{wait: models.HealthWait{Healthy: true}}, smoke, nil)

	outcome := o.Deploy(context.Background(), composePlan(), false)

	assert.True(t, outcome.Succeeded())
	assert.Equal(t, 0, smoke.calls)
	assert.NotContains(t, states(outcome), models.StateRunningSmokeTests)
}

func TestDeployEmptyPlanFailsAtInit(t *testing.T) {
	r := &fakeRunner{}
	o := NewOrchestrator(r, &fakeHealth{}, passingSmoke(), nil)

	outcome := o.Deploy(context.Background(), models.Plan{Kind: models.PlanCluster}, true)

	assert.Equal(t, models.DeployFailed, outcome.Status)
	assert.Equal(t, models.StateInit, outcome.FailedState)
	assert.Empty(t, r.ran)
}

func TestRollbackRunsTeardownOnce(t *testing.T) {
	r := &fakeRunner{}
	o := NewOrchestrator(r, nil, nil, nil)

	res := o.Rollback(context.Background(), composePlan())

	assert.True(t, res.Success)
	assert.Equal(t, []string{"docker-compose down"}, r.ran)
}

func TestRollbackFailureIsReported(t *testing.T) {
	r := &fakeRunner{failAt: 1}
	o := NewOrchestrator(r, nil, nil, nil)

	res := o.Rollback(context.Background(), composePlan())

	assert.False(t, res.Success)
	assert.Equal(t, "no such service", res.Diagnostics)
	assert.Len(t, r.ran, 1)
}

func TestRejectedOutcome(t *testing.T) {
	outcome := Rejected("", errors.New("unknown deployment kind \"swarm\""))
	assert.Equal(t, models.DeployFailed, outcome.Status)
	assert.Equal(t, models.StateInit, outcome.FailedState)
	assert.Contains(t, outcome.Diagnostics, "swarm")
}

func TestPlansFromConfigDefaults(t *testing.T) {
	plans, err := PlansFromConfig(config.Default().Deploy)
	require.NoError(t, err)

	compose, err := PlanFor(plans, "docker", "")
	require.NoError(t, err)
	assert.Equal(t, "docker-compose build --no-cache", compose.Commands[1].String())
	assert.Equal(t, "docker-compose down", compose.Teardown.String())

	cluster, err := PlanFor(plans, "k8s", "")
	require.NoError(t, err)
	assert.Equal(t, "kubectl rollout undo deployment/cats-dogs-inference", cluster.Teardown.String())

	fallback, err := PlanFor(plans, "", "compose")
	require.NoError(t, err)
	assert.Equal(t, models.PlanCompose, fallback.Kind)

	_, err = PlanFor(plans, "swarm", "")
	assert.Error(t, err)
}
