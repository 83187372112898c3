package models

import (
	"fmt"
	"strings"
	"time"
)

// PlanKind names a deployment target.
type PlanKind string

const (
	// PlanCompose deploys through docker compose.
	PlanCompose PlanKind = "compose"
	// PlanCluster deploys onto a Kubernetes cluster.
	PlanCluster PlanKind = "cluster"
)

// ParsePlanKind normalises user input, accepting the docker/k8s aliases.
func ParsePlanKind(raw string) (PlanKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "compose", "docker", "docker-compose":
		return PlanCompose, nil
	case "cluster", "k8s", "kubernetes":
		return PlanCluster, nil
	default:
		return "", fmt.Errorf("unknown deployment kind %q", raw)
	}
}

// Command is a single external process invocation.
type Command struct {
	Name string
	Args []string
}

// ParseCommand splits a whitespace separated command line. Quoting is not supported.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, fmt.Errorf("empty command")
	}
	return Command{Name: fields[0], Args: fields[1:]}, nil
}

// String renders the command as it would be typed.
func (c Command) String() string {
	if len(c.Args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(c.Args, " ")
}

// Plan is an ordered list of provisioning commands plus one teardown command.
type Plan struct {
	Kind     PlanKind
	WorkDir  string
	Commands []Command
	Teardown Command
}

// DeployState enumerates the orchestrator state machine.
type DeployState string

const (
	StateInit              DeployState = "init"
	StateRunningCommands   DeployState = "running_commands"
	StateWaitingHealthy    DeployState = "waiting_healthy"
	StateRunningSmokeTests DeployState = "running_smoke_tests"
	StateSucceeded         DeployState = "succeeded"
	StateFailed            DeployState = "failed"
	StateTimedOut          DeployState = "timed_out"
)

// Terminal reports whether no further transition is possible within one deploy.
func (s DeployState) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateTimedOut
}

// DeployStatus is the terminal status of a deploy invocation.
type DeployStatus string

const (
	DeploySucceeded DeployStatus = "succeeded"
	DeployFailed    DeployStatus = "failed"
	DeployTimedOut  DeployStatus = "timed_out"
)

// FailureKind distinguishes why a deploy did not succeed.
type FailureKind string

const (
	FailureNone           FailureKind = ""
	FailureInfrastructure FailureKind = "infrastructure"
	FailureVerification   FailureKind = "verification"
	FailureTimeout        FailureKind = "timeout"
)

// Transition records one state change of the orchestrator.
type Transition struct {
	From DeployState
	To   DeployState
	At   time.Time
}

// HealthWait summarises a health gate run.
type HealthWait struct {
	Healthy   bool
	Attempts  int
	Elapsed   time.Duration
	LastError string
}

// DeployOutcome is the result of a single deploy invocation.
type DeployOutcome struct {
	ID              string
	Kind            PlanKind
	Status          DeployStatus
	Failure         FailureKind
	FailedState     DeployState
	// FailedStep is the 1-based index of the failing plan command, 0 when not applicable.
	FailedStep      int
	Command         string
	Diagnostics     string
	// Recommendations are operator hints attached to unsuccessful outcomes.
	Recommendations []string
	Transitions     []Transition
	Health          *HealthWait
	Smoke           *SmokeReport
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Succeeded is shorthand for Status == DeploySucceeded.
func (o DeployOutcome) Succeeded() bool {
	return o.Status == DeploySucceeded
}

// Duration returns the wall time of the deploy.
func (o DeployOutcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}

// RollbackResult reports a best-effort teardown.
type RollbackResult struct {
	Kind        PlanKind
	Command     string
	Success     bool
	Diagnostics string
}
