package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/iambrandonn/runjoin/internal/channel"
	"github.com/iambrandonn/runjoin/internal/launch"
	"github.com/iambrandonn/runjoin/internal/lock"
	"github.com/iambrandonn/runjoin/internal/ndjson"
	"github.com/iambrandonn/runjoin/internal/protocol"
	"github.com/iambrandonn/runjoin/internal/step"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

func newWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Report one instance's results into a shared run",
		Long: `Run one coordinated reporting instance. The worker arbitrates the run
identifier, reports a suite with the listed steps and prints a JSON summary
line on stdout.

Steps are given as "name" or "name:STATUS". The worker exits 0 whenever its
own work ran, even if reporting failed; reporting failures are logged.`,
		Args: cobra.NoArgs,
		RunE: runWorker,
	}

	cmd.Flags().String("run-id", "", "Candidate run identifier shared by cooperating workers (default: random)")
	cmd.Flags().String("name", "runjoin", "Run name")
	cmd.Flags().String("suite", "suite", "Name of the suite item holding the steps")
	cmd.Flags().StringArray("step", nil, "Step to report as name[:STATUS] (repeatable)")
	cmd.Flags().StringArray("attach", nil, "File to attach to a final attachments step (repeatable)")
	cmd.Flags().Duration("step-delay", 0, "Simulated work time per step")
	cmd.Flags().Bool("async", false, "Report asynchronously (overrides reporting.async)")

	return cmd
}

func runWorker(cmd *cobra.Command, args []string) error {
	logger := newLogger(cmd)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(cmd, logger)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("async") {
		cfg.Reporting.Async, _ = cmd.Flags().GetBool("async")
	}

	runID, _ := cmd.Flags().GetString("run-id")
	name, _ := cmd.Flags().GetString("name")
	suite, _ := cmd.Flags().GetString("suite")
	stepSpecs, _ := cmd.Flags().GetStringArray("step")
	attachments, _ := cmd.Flags().GetStringArray("attach")
	delay, _ := cmd.Flags().GetDuration("step-delay")

	steps := make([]stepSpec, 0, len(stepSpecs))
	for _, s := range stepSpecs {
		parsed, err := parseStepSpec(s)
		if err != nil {
			return err
		}
		steps = append(steps, parsed)
	}

	instance := uuid.NewString()
	logger = logger.With("instance", instance)

	collector, err := channel.NewFileCollector(cfg.Collector.Dir, instance, logger)
	if err != nil {
		return fmt.Errorf("failed to open collector: %w", err)
	}
	defer collector.Close()

	reg := prometheus.NewRegistry()
	ch := channel.Instrument(collector, reg)

	var lk lock.Lock
	if cfg.Coordination.Enabled {
		opened, closeLock, err := openLock(ctx, cfg, logger)
		if err != nil {
			logger.Warn("identity lock unavailable, reporting standalone", "backend", cfg.Lock.Backend, "error", err)
		} else {
			defer closeLock()
			lk = opened
		}
	}

	l := launch.NewSelector(ch, lk, cfg.LaunchOptions(), logger).Select(ctx, &protocol.StartRunRequest{
		UUID:       runID,
		Name:       name,
		Mode:       protocol.RunModeDefault,
		StartTime:  time.Now(),
		Attributes: map[string]string{"instance": instance},
	})
	run := l.Start(ctx)

	status := reportSuite(ctx, l, suite, steps, attachments, delay)

	finishErr := l.Finish(ctx, &protocol.FinishRunRequest{Status: status, EndTime: time.Now()})
	if finishErr != nil {
		logger.Warn("finishing launch failed", "role", l.Role(), "error", finishErr)
	}
	if n := l.Steps().AttachmentFailures(); n > 0 {
		logger.Warn("attachments could not be read", "count", n)
	}

	if cfg.Metrics.Textfile != "" {
		if err := prometheus.WriteToTextfile(cfg.Metrics.Textfile, reg); err != nil {
			logger.Warn("failed to write metrics", "path", cfg.Metrics.Textfile, "error", err)
		}
	}

	summary := &protocol.Summary{
		Kind:      protocol.SummaryKind,
		Role:      string(l.Role()),
		Candidate: l.Candidate(),
	}
	joined, runErr := awaitResolved(ctx, run)
	summary.RunID = joined
	if err := errors.Join(runErr, finishErr); err != nil {
		summary.Error = err.Error()
	}

	return ndjson.NewEncoder(cmd.OutOrStdout(), logger).Encode(summary)
}

// reportSuite reports one suite item with its steps and returns the
// aggregated status
func reportSuite(ctx context.Context, l launch.Launch, name string, steps []stepSpec, attachments []string, delay time.Duration) protocol.ItemStatus {
	suite := l.StartItem(ctx, nil, &protocol.StartItemRequest{
		Name:      name,
		Type:      protocol.ItemTypeSuite,
		HasStats:  true,
		StartTime: time.Now(),
	})

	sc := l.Steps().NewContext()
	sc.SetParent(suite)
	runSteps(step.WithContext(ctx, sc), steps, attachments, delay)

	status := protocol.StatusPassed
	if sc.IsParentFailed(suite) {
		status = protocol.StatusFailed
	}
	l.FinishItem(ctx, suite, &protocol.FinishItemRequest{Status: status, EndTime: time.Now()})
	return status
}

// runSteps is the host work: it reports through the step context carried by ctx
func runSteps(ctx context.Context, steps []stepSpec, attachments []string, delay time.Duration) {
	sc, ok := step.FromContext(ctx)
	if !ok {
		return
	}

	for _, s := range steps {
		if delay > 0 {
			time.Sleep(delay)
		}
		switch s.status {
		case protocol.StatusFailed:
			sc.StepError(ctx, s.status, s.name, fmt.Errorf("step %s failed", s.name))
		default:
			sc.StepStatus(ctx, s.status, s.name)
		}
	}
	if len(attachments) > 0 {
		sc.StepFiles(ctx, protocol.StatusInfo, "attachments", attachments...)
	}
	sc.FinishPreviousStep(ctx)
}

// awaitResolved returns the run id once the run future settled. The launch
// has finished at this point, so the future never blocks for long.
func awaitResolved(ctx context.Context, run channel.Handle) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return run.Await(ctx)
}

type stepSpec struct {
	name   string
	status protocol.ItemStatus
}

// parseStepSpec parses name[:STATUS]. A suffix that is not a status is part
// of the name.
func parseStepSpec(s string) (stepSpec, error) {
	if s == "" {
		return stepSpec{}, fmt.Errorf("empty step")
	}
	if i := strings.LastIndex(s, ":"); i > 0 {
		if status, err := protocol.ParseStatus(s[i+1:]); err == nil {
			return stepSpec{name: s[:i], status: status}, nil
		}
	}
	return stepSpec{name: s, status: protocol.StatusPassed}, nil
}

// workerArgs builds the worker command line used by fanout
func workerArgs(cfgPath, runID string, extra []string) []string {
	args := []string{"worker", "--run-id", runID}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	return append(args, extra...)
}
