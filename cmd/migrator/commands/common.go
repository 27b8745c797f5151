// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/PostHog/posthog-sub063/internal/workflows"
	"github.com/automa-saga/automa"
	"github.com/automa-saga/logx"
	"github.com/gofrs/flock"
	"github.com/joomcode/errorx"
	"gopkg.in/yaml.v3"
)

// runWorkflow builds and executes a workflow, printing its report. The first
// failed step's error is returned so commands exit non-zero.
func runWorkflow(ctx context.Context, b automa.Builder) error {
	wb, err := b.Build()
	if err != nil {
		return errorx.IllegalState.Wrap(err, "failed to build workflow")
	}

	report := wb.Execute(ctx)
	printWorkflowReport(report)

	if report.Error != nil {
		return report.Error
	}
	for _, stepReport := range report.StepReports {
		if stepReport.Status == automa.StatusFailed {
			return stepReport.Error
		}
	}
	return nil
}

func printWorkflowReport(report *automa.Report) {
	b, err := yaml.Marshal(report)
	if err != nil {
		logx.As().Warn().Err(err).Msg("Failed to marshal workflow report")
		return
	}
	fmt.Printf("Workflow execution report:\n%s\n", b)
}

// withEnv wires the engine from configuration, runs fn and tears down.
func withEnv(fn func(env *workflows.Env) error) error {
	env, err := workflows.NewEnv()
	if err != nil {
		return err
	}
	defer env.Close()
	return fn(env)
}

// withProcessLock serializes migrator invocations on this host. Two
// overlapping run commands would each pass the concurrency gate before the
// other's record hits Running.
func withProcessLock(fn func() error) error {
	lockPath := filepath.Join(os.TempDir(), "posthog-migrator.lock")
	fileLock := flock.New(lockPath)

	locked, err := fileLock.TryLock()
	if err != nil {
		return errorx.IllegalState.Wrap(err, "failed to acquire migrator lock")
	}
	if !locked {
		return errorx.IllegalState.New("another migrator run is in progress (lock: %s)", lockPath)
	}
	defer fileLock.Unlock()

	return fn()
}
