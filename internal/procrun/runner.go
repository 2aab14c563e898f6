// Copyright (C) 2025 CardinalHQ, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package procrun runs external programs with a bounded lifetime and
// captures their combined output.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/cardinalhq/nexuspublisher/internal/logctx"
)

const (
	// DefaultTimeout is used when a Spec does not carry its own timeout.
	DefaultTimeout = 30 * time.Second

	// waitDelay bounds how long Wait blocks on output pipes after the
	// child has been killed, in case a grandchild still holds them open.
	waitDelay = 2 * time.Second
)

var (
	// ErrProcessTimeout is returned when the process did not finish within its timeout.
	ErrProcessTimeout = errors.New("process timed out")
	// ErrProcessLaunch is returned when the program could not be started or its output not read.
	ErrProcessLaunch = errors.New("failed to launch process")
)

var processDuration metric.Float64Histogram

func init() {
	m, err := otel.Meter("github.com/cardinalhq/nexuspublisher/internal/procrun").Float64Histogram(
		"nexuspublisher.process.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Wall clock duration of external process executions"),
	)
	if err != nil {
		panic(fmt.Errorf("failed to create process.duration histogram: %w", err))
	}
	processDuration = m
}

// Spec describes one external process invocation.
type Spec struct {
	// Args is the command vector; Args[0] is resolved through PATH.
	Args []string
	// Dir is the working directory. The system temp dir is used when empty.
	Dir string
	// Stdin, when non-empty, is written to the process input stream.
	Stdin string
	// Env is laid over the current process environment.
	Env map[string]string
	// Timeout bounds the process lifetime. DefaultTimeout is used when zero.
	Timeout time.Duration
}

// Outcome is the result of a process that ran to completion.
// A non-zero ExitCode is not an error at this layer.
type Outcome struct {
	ExitCode int
	Output   string
}

// Runner executes external processes.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Outcome, error)
}

// ExecRunner is a Runner backed by os/exec. It spawns exactly one process
// per call and never retries.
type ExecRunner struct{}

var _ Runner = (*ExecRunner)(nil)

func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

func (r *ExecRunner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if len(spec.Args) == 0 {
		return Outcome{}, fmt.Errorf("%w: empty command", ErrProcessLaunch)
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// CommandContext kills the child when runCtx expires.
	cmd := exec.CommandContext(runCtx, spec.Args[0], spec.Args[1:]...)
	cmd.WaitDelay = waitDelay
	cmd.Dir = spec.Dir
	if cmd.Dir == "" {
		cmd.Dir = os.TempDir()
	}
	cmd.Env = overlayEnv(os.Environ(), spec.Env)

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if spec.Stdin != "" {
		cmd.Stdin = strings.NewReader(spec.Stdin)
	}

	ll := logctx.FromContext(ctx).With("program", spec.Args[0])
	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	switch {
	case err != nil && ctx.Err() != nil:
		recordDuration(context.WithoutCancel(ctx), elapsed, spec.Args[0], "cancelled")
		return Outcome{}, fmt.Errorf("running %s: %w", spec.Args[0], ctx.Err())
	case timedOut(runCtx, err):
		recordDuration(ctx, elapsed, spec.Args[0], "timeout")
		ll.Warn("External process timed out", "timeout", timeout)
		return Outcome{}, fmt.Errorf("%w: %s after %s", ErrProcessTimeout, spec.Args[0], timeout)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		recordDuration(ctx, elapsed, spec.Args[0], "exit")
		ll.Debug("External process exited", "exitCode", exitErr.ExitCode(), "duration", elapsed)
		return Outcome{ExitCode: exitErr.ExitCode(), Output: output.String()}, nil
	}
	if err != nil {
		recordDuration(ctx, elapsed, spec.Args[0], "launch_failure")
		return Outcome{}, fmt.Errorf("%w: %s: %v", ErrProcessLaunch, spec.Args[0], err)
	}

	recordDuration(ctx, elapsed, spec.Args[0], "exit")
	ll.Debug("External process exited", "exitCode", 0, "duration", elapsed)
	return Outcome{ExitCode: 0, Output: output.String()}, nil
}

// timedOut reports whether a failed run was cut short by its own deadline.
// A process that exits cleanly just as the deadline passes did not time out.
func timedOut(runCtx context.Context, err error) bool {
	return err != nil && errors.Is(runCtx.Err(), context.DeadlineExceeded)
}

func recordDuration(ctx context.Context, d time.Duration, program, outcome string) {
	processDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("program", program),
		attribute.String("outcome", outcome),
	))
}

// overlayEnv appends overlay entries to base in key order. exec.Cmd keeps
// the last value for duplicate keys, so overlay entries win.
func overlayEnv(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	env = append(env, base...)
	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}
