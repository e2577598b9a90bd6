package transaction

import (
	"context"
	"errors"
	"fmt"

	"github.com/servantops/servant-agent/pkg/telemetry"
)

// ErrStepPanic marks a step that panicked instead of returning an error.
var ErrStepPanic = errors.New("step panicked")

// StepError describes the step that stopped a strict sequence run.
type StepError struct {
	// Index is the 1-based position of the step in its sequence.
	Index int
	// Step is the report label of the step.
	Step string
	// Output is the captured command output, if any.
	Output string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s) failed: %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Diagnostic returns the captured output carried by err, if any.
func Diagnostic(err error) string {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Output
	}
	return ""
}

// Executor runs sequences against a Host.
type Executor struct {
	host    Host
	logger  *telemetry.Logger
	tracer  *telemetry.Tracer
	metrics *telemetry.Metrics
}

// Option configures an Executor.
type Option func(*Executor)

// WithTelemetry makes the executor log, trace and measure through tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(x *Executor) {
		x.logger = tel.Logger.NewComponentLogger("transaction")
		x.tracer = tel.Tracer
		x.metrics = tel.Metrics
	}
}

// NewExecutor creates an executor for host.
func NewExecutor(host Host, opts ...Option) *Executor {
	nop := telemetry.Nop()
	x := &Executor{
		host:    host,
		logger:  nop.Logger,
		tracer:  nop.Tracer,
		metrics: nop.Metrics,
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// Run executes seq in order, one step at a time, and returns one report
// line per executed step.
//
// In strict mode the first failing step ends the run and its *StepError is
// returned with the report so far. With ignoreStepErrors set, failures are
// recorded and logged, every step runs, and the returned error is nil.
// A panicking step counts as a failing step in both modes.
func (x *Executor) Run(ctx context.Context, seq Sequence, ignoreStepErrors bool) (Report, error) {
	mode := "strict"
	if ignoreStepErrors {
		mode = "best_effort"
	}

	ctx, span := x.tracer.StartSequenceSpan(ctx, len(seq), ignoreStepErrors)
	defer span.End()
	timer := telemetry.NewTimer()

	report := make(Report, 0, len(seq))
	for i, step := range seq {
		res, err := x.runStep(ctx, step)
		line := res.line()
		report = append(report, line)
		telemetry.AddStepEvent(span, i+1, line)

		if err == nil {
			x.logger.Debugf("%s", line)
			continue
		}

		stepErr := &StepError{Index: i + 1, Step: res.label, Output: res.output, Err: err}
		if ignoreStepErrors {
			x.logger.WithError(stepErr).Warnf("%s", line)
			continue
		}

		telemetry.RecordError(span, stepErr)
		x.metrics.RecordSequence(mode, "failed", timer.Duration())
		return report, stepErr
	}

	status := "ok"
	if report.Failed() {
		status = "partial"
	}
	telemetry.RecordSuccess(span)
	x.metrics.RecordSequence(mode, status, timer.Duration())
	return report, nil
}

func (x *Executor) runStep(ctx context.Context, step Step) (res stepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = stepResult{label: step.Describe(), status: StatusError}
			err = fmt.Errorf("%w: %v", ErrStepPanic, r)
		}
	}()
	return step.apply(ctx, x.host)
}
