package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/miradorstack/mirador-rollout/internal/evaluation"
	"github.com/miradorstack/mirador-rollout/internal/models"
	"github.com/miradorstack/mirador-rollout/internal/smoke"
)

func newDeployCommand(st *state) *cobra.Command {
	var kind string
	var noTests bool
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Run the deployment plan, wait for health and verify with smoke tests",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				outcome, err := a.service.Deploy(ctx, kind, noTests)
				if err != nil {
					return err
				}
				writeOutcome(st.out, outcome)
				if !outcome.Succeeded() {
					return cliError{code: 1, err: fmt.Errorf("deployment %s", outcome.Status)}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Deployment kind: compose|docker or cluster|k8s (defaults to deploy.defaultKind)")
	cmd.Flags().BoolVar(&noTests, "no-tests", false, "Skip smoke tests after the service is healthy")
	return cmd
}

func newRollbackCommand(st *state) *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Run the teardown command of a deployment plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				res, err := a.service.Rollback(ctx, kind)
				if err != nil {
					return err
				}
				if !res.Success {
					fmt.Fprintf(st.out, "Rollback failed: %s\n%s\n", res.Command, res.Diagnostics)
					return cliError{code: 1, err: errors.New("rollback failed")}
				}
				fmt.Fprintf(st.out, "Rollback completed: %s\n", res.Command)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "Deployment kind to roll back")
	return cmd
}

func newSmokeCommand(st *state) *cobra.Command {
	var url string
	var failOnError, noWarmUp bool
	cmd := &cobra.Command{
		Use:   "smoke",
		Short: "Run smoke tests against a deployed inference service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if noWarmUp {
				st.cfg.Smoke.WarmUp = 0
			}
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				report, err := a.service.RunSmokeTests(ctx, url)
				if err != nil {
					return err
				}
				fmt.Fprint(st.out, smoke.RenderReport(report))
				if failOnError && !report.OK() {
					return cliError{code: 1, err: fmt.Errorf("smoke tests failed: %s", strings.Join(report.FailedNames(), ", "))}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Base URL of the inference service (defaults to inference.baseURL)")
	cmd.Flags().BoolVar(&failOnError, "fail-on-error", false, "Exit with status 1 when any probe fails")
	cmd.Flags().BoolVar(&noWarmUp, "no-warm-up", false, "Start probing immediately")
	return cmd
}

func newPredictionsCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "predictions",
		Short: "Manage the prediction log",
	}

	var in models.PredictionInput
	var confidence float64
	logCmd := &cobra.Command{
		Use:   "log",
		Short: "Append one prediction record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("confidence") {
				in.Confidence = &confidence
			}
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				rec, err := a.service.LogPrediction(ctx, in)
				if err != nil {
					return err
				}
				fmt.Fprintf(st.out, "Logged prediction %s: %s\n", rec.ID, rec.PredictedClass)
				return nil
			})
		},
	}
	logCmd.Flags().StringVar(&in.PredictedClass, "predicted", "", "Predicted class")
	logCmd.Flags().StringVar(&in.ActualClass, "actual", "", "Ground truth class")
	logCmd.Flags().StringVar(&in.InputRef, "image", "", "Input image reference")
	logCmd.Flags().Float64Var(&confidence, "confidence", 0, "Prediction confidence in [0,1]")
	_ = logCmd.MarkFlagRequired("predicted")

	var path string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write the prediction log as a single JSON document",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				n, err := a.service.ExportDocument(ctx, firstNonEmpty(path, st.cfg.Predictions.DocumentPath))
				if err != nil {
					return err
				}
				fmt.Fprintf(st.out, "Exported %d predictions\n", n)
				return nil
			})
		},
	}
	exportCmd.Flags().StringVar(&path, "file", "", "Document path (defaults to predictions.documentPath)")

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Append the records of a JSON document to the prediction log",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				n, err := a.service.ImportDocument(ctx, firstNonEmpty(path, st.cfg.Predictions.DocumentPath))
				if err != nil {
					return err
				}
				fmt.Fprintf(st.out, "Imported %d predictions\n", n)
				return nil
			})
		},
	}
	importCmd.Flags().StringVar(&path, "file", "", "Document path (defaults to predictions.documentPath)")

	cmd.AddCommand(logCmd, exportCmd, importCmd)
	return cmd
}

func newMonitorCommand(st *state) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Inspect model performance and drift",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "report",
		Short: "Print the performance report",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				text, err := a.service.Report(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintln(st.out, text)
				return nil
			})
		},
	})

	var threshold float64
	driftCmd := &cobra.Command{
		Use:   "drift",
		Short: "Compare recent accuracy with overall accuracy",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				var override *float64
				if cmd.Flags().Changed("threshold") {
					override = &threshold
				}
				res, err := a.service.CheckDrift(ctx, override)
				if err != nil {
					return err
				}
				writeDrift(st.out, res)
				return nil
			})
		},
	}
	driftCmd.Flags().Float64Var(&threshold, "threshold", 0, "Drift threshold in percentage points (defaults to monitor.driftThreshold)")

	var testDir string
	testCmd := &cobra.Command{
		Use:   "test",
		Short: "Predict a sample of known images and log the outcomes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				res, err := a.service.TestKnownImages(ctx, testDir)
				if err != nil {
					return err
				}
				fmt.Fprintf(st.out, "Test accuracy: %.2f%% (%d/%d, %d failed)\n", res.Accuracy, res.Correct, res.Total, res.Failed)
				return nil
			})
		},
	}
	testCmd.Flags().StringVar(&testDir, "test-dir", "", "Labeled test directory (defaults to monitor.dataset.testDir)")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run known-image passes and drift checks on a schedule",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				return a.monitor.Run(ctx, st.cfg.Monitor.Interval)
			})
		},
	}

	cmd.AddCommand(driftCmd, testCmd, runCmd)
	return cmd
}

func newEvaluateCommand(st *state) *cobra.Command {
	var apiURL, testDir, output string
	var noSave bool
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the deployed model against a labeled test set",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if output != "" {
				st.cfg.Evaluation.Output = output
			}
			return withApp(cmd.Context(), st, func(ctx context.Context, a *app) error {
				summary, err := a.service.RunEvaluation(ctx, apiURL, testDir, !noSave)
				if summary.TotalPredictions > 0 {
					fmt.Fprint(st.out, evaluation.RenderSummary(summary))
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&apiURL, "api-url", "", "Base URL of the inference service (defaults to inference.baseURL)")
	cmd.Flags().StringVar(&testDir, "test-dir", "", "Labeled test directory (defaults to evaluation.dataset.testDir)")
	cmd.Flags().StringVar(&output, "output", "", "Evaluation result file (defaults to evaluation.output)")
	cmd.Flags().BoolVar(&noSave, "no-save", false, "Do not persist the evaluation summary")
	return cmd
}

func writeOutcome(w io.Writer, o models.DeployOutcome) {
	fmt.Fprintf(w, "Deployment %s (%s): %s in %s\n", o.ID, o.Kind, o.Status, o.Duration().Round(time.Millisecond))
	for _, t := range o.Transitions {
		fmt.Fprintf(w, "  %s -> %s\n", t.From, t.To)
	}
	if o.Health != nil {
		fmt.Fprintf(w, "Health: healthy=%t after %d attempts\n", o.Health.Healthy, o.Health.Attempts)
	}
	if o.Smoke != nil {
		fmt.Fprint(w, smoke.RenderReport(*o.Smoke))
	}
	if o.Succeeded() {
		return
	}
	fmt.Fprintf(w, "Failure: %s at %s\n", o.Failure, o.FailedState)
	if o.FailedStep > 0 {
		fmt.Fprintf(w, "Step %d: %s\n", o.FailedStep, o.Command)
	}
	if o.Diagnostics != "" {
		fmt.Fprintf(w, "%s\n", o.Diagnostics)
	}
	for _, rec := range o.Recommendations {
		fmt.Fprintf(w, "Hint: %s\n", rec)
	}
}

func writeDrift(w io.Writer, res models.DriftResult) {
	switch {
	case res.Reason != "":
		fmt.Fprintf(w, "No drift evaluated: %s\n", res.Reason)
	case res.Flagged:
		fmt.Fprintf(w, "Model drift detected: overall %.2f%%, recent %.2f%%, drift %.2f points (threshold %.2f)\n",
			res.OverallAccuracy, res.RecentAccuracy, res.Drift, res.Threshold)
	default:
		fmt.Fprintf(w, "No significant drift: %.2f points (threshold %.2f)\n", res.Drift, res.Threshold)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
