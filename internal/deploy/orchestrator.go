package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/miradorstack/mirador-rollout/internal/metrics"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/runner"
)

var tracer = otel.Tracer("mirador-rollout.deploy")

// HealthWaiter blocks until the deployed service is healthy or gives up.
type HealthWaiter interface {
	Wait(ctx context.Context) models.HealthWait
}

// SmokeRunner runs the post-deploy verification suite.
type SmokeRunner interface {
	Run(ctx context.Context) models.SmokeReport
}

// Orchestrator drives a plan through commands, health gating and smoke tests.
// It never rolls back on its own.
type Orchestrator struct {
	runner runner.Runner
	health HealthWaiter
	smoke  SmokeRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(r runner.Runner, health HealthWaiter, smoke SmokeRunner, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{runner: r, health: health, smoke: smoke, logger: logger, now: time.Now}
}

// run tracks the state machine of one deploy invocation.
type run struct {
	o       *Orchestrator
	state   models.DeployState
	outcome models.DeployOutcome
}

func (r *run) transition(to models.DeployState) {
	at := r.o.now()
	r.outcome.Transitions = append(r.outcome.Transitions, models.Transition{From: r.state, To: to, At: at})
	r.o.logger.Debug("deploy state transition",
		slog.String("deploy_id", r.outcome.ID),
		slog.String("from", string(r.state)),
		slog.String("to", string(to)))
	r.state = to
}

func (r *run) fail(failure models.FailureKind, terminal models.DeployState, diagnostics string) models.DeployOutcome {
	r.outcome.Failure = failure
	r.outcome.FailedState = r.state
	r.outcome.Diagnostics = diagnostics
	if terminal == models.StateTimedOut {
		r.outcome.Status = models.DeployTimedOut
	} else {
		r.outcome.Status = models.DeployFailed
	}
	r.transition(terminal)
	return r.finish()
}

func (r *run) finish() models.DeployOutcome {
	r.outcome.FinishedAt = r.o.now()
	metrics.ObserveDeploy(string(r.outcome.Kind), string(r.outcome.Status), r.outcome.Duration())
	return r.outcome
}

// Deploy executes the plan commands in order, stopping at the first failure, then waits
// for health and, when runSmoke is set, runs the smoke suite.
func (o *Orchestrator) Deploy(ctx context.Context, plan models.Plan, runSmoke bool) models.DeployOutcome {
	ctx, span := tracer.Start(ctx, "deploy",
		trace.WithAttributes(
			attribute.String("deploy.kind", string(plan.Kind)),
			attribute.Int("deploy.commands", len(plan.Commands)),
		))
	defer span.End()

	r := &run{
		o:     o,
		state: models.StateInit,
		outcome: models.DeployOutcome{
			ID:        newID(),
			Kind:      plan.Kind,
			StartedAt: o.now(),
		},
	}
	o.logger.Info("deploy started",
		slog.String("deploy_id", r.outcome.ID),
		slog.String("kind", string(plan.Kind)),
		slog.Bool("smoke_tests", runSmoke))

	outcome := o.deploy(ctx, r, plan, runSmoke)
	span.SetAttributes(attribute.String("deploy.status", string(outcome.Status)))
	if !outcome.Succeeded() {
		span.SetStatus(codes.Error, outcome.Diagnostics)
		o.logger.Error("deploy did not succeed",
			slog.String("deploy_id", outcome.ID),
			slog.String("status", string(outcome.Status)),
			slog.String("failure", string(outcome.Failure)),
			slog.String("failed_state", string(outcome.FailedState)),
			slog.String("diagnostics", outcome.Diagnostics))
	} else {
		o.logger.Info("deploy succeeded",
			slog.String("deploy_id", outcome.ID),
			slog.Duration("duration", outcome.Duration()))
	}
	return outcome
}

func (o *Orchestrator) deploy(ctx context.Context, r *run, plan models.Plan, runSmoke bool) models.DeployOutcome {
	if plan.Kind == "" || len(plan.Commands) == 0 {
		return r.fail(models.FailureInfrastructure, models.StateFailed, "deployment plan has no commands")
	}

	r.transition(models.StateRunningCommands)
	if err := o.runCommands(ctx, r, plan); err != nil {
		var cmdErr *models.CommandError
		if errors.As(err, &cmdErr) {
			r.outcome.FailedStep = cmdErr.Step
			r.outcome.Command = cmdErr.Command
			diag := cmdErr.Stderr
			if diag == "" {
				diag = cmdErr.Error()
			}
			return r.fail(models.FailureInfrastructure, models.StateFailed, diag)
		}
		return r.fail(models.FailureInfrastructure, models.StateFailed, err.Error())
	}

	r.transition(models.StateWaitingHealthy)
	wait := o.WaitForHealthy(ctx)
	r.outcome.Health = &wait
	if !wait.Healthy {
		if err := ctx.Err(); errors.Is(err, context.Canceled) {
			return r.fail(models.FailureInfrastructure, models.StateFailed,
				fmt.Sprintf("health wait interrupted after %d attempts: %v", wait.Attempts, err))
		}
		diag := fmt.Sprintf("%v after %d attempts", models.ErrHealthTimeout, wait.Attempts)
		if wait.LastError != "" {
			diag += ": " + wait.LastError
		}
		return r.fail(models.FailureTimeout, models.StateTimedOut, diag)
	}

	if runSmoke && o.smoke != nil {
		r.transition(models.StateRunningSmokeTests)
		_, span := tracer.Start(ctx, "deploy.smoke")
		report := o.smoke.Run(ctx)
		span.SetAttributes(attribute.Int("smoke.failed", report.Failed))
		span.End()
		r.outcome.Smoke = &report
		if !report.OK() {
			return r.fail(models.FailureVerification, models.StateFailed,
				fmt.Sprintf("smoke tests failed: %v", report.FailedNames()))
		}
	}

	r.outcome.Status = models.DeploySucceeded
	r.transition(models.StateSucceeded)
	return r.finish()
}

func (o *Orchestrator) runCommands(ctx context.Context, r *run, plan models.Plan) error {
	ctx, span := tracer.Start(ctx, "deploy.commands")
	defer span.End()

	for i, cmd := range plan.Commands {
		if err := ctx.Err(); err != nil {
			return &models.CommandError{Step: i + 1, Command: cmd.String(), ExitCode: -1, Err: err}
		}
		res := o.runner.Run(ctx, plan.WorkDir, cmd)
		if !res.Success {
			err := &models.CommandError{
				Step:     i + 1,
				Command:  res.Command,
				ExitCode: res.ExitCode,
				Stderr:   res.Diagnostics(),
				Err:      res.Err,
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

// WaitForHealthy runs the health gate on its own.
func (o *Orchestrator) WaitForHealthy(ctx context.Context) models.HealthWait {
	ctx, span := tracer.Start(ctx, "deploy.wait_healthy")
	defer span.End()

	if o.health == nil {
		return models.HealthWait{LastError: "health gate not configured"}
	}
	wait := o.health.Wait(ctx)
	span.SetAttributes(
		attribute.Bool("health.healthy", wait.Healthy),
		attribute.Int("health.attempts", wait.Attempts))
	return wait
}

// Rollback runs the plan's teardown command once. Failures are reported, never retried.
func (o *Orchestrator) Rollback(ctx context.Context, plan models.Plan) models.RollbackResult {
	ctx, span := tracer.Start(ctx, "rollback",
		trace.WithAttributes(attribute.String("deploy.kind", string(plan.Kind))))
	defer span.End()

	result := models.RollbackResult{Kind: plan.Kind, Command: plan.Teardown.String()}
	if plan.Teardown.Name == "" {
		result.Diagnostics = "deployment plan has no teardown command"
		o.logger.Error("rollback failed", slog.String("kind", string(plan.Kind)), slog.String("diagnostics", result.Diagnostics))
		return result
	}

	o.logger.Warn("rolling back deployment", slog.String("kind", string(plan.Kind)), slog.String("command", result.Command))
	res := o.runner.Run(ctx, plan.WorkDir, plan.Teardown)
	result.Success = res.Success
	if !res.Success {
		result.Diagnostics = res.Diagnostics()
		span.SetStatus(codes.Error, result.Diagnostics)
		o.logger.Error("rollback failed", slog.String("kind", string(plan.Kind)), slog.String("diagnostics", result.Diagnostics))
		return result
	}
	o.logger.Info("rollback completed", slog.String("kind", string(plan.Kind)))
	return result
}

// Rejected builds the outcome of a deploy that never left Init, such as an unknown kind.
func Rejected(kind models.PlanKind, err error) models.DeployOutcome {
	now := time.Now()
	return models.DeployOutcome{
		ID:          newID(),
		Kind:        kind,
		Status:      models.DeployFailed,
		Failure:     models.FailureInfrastructure,
		FailedState: models.StateInit,
		Diagnostics: err.Error(),
		Transitions: []models.Transition{{From: models.StateInit, To: models.StateFailed, At: now}},
		StartedAt:   now,
		FinishedAt:  now,
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
