package preview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/sandbox"
)

const defaultRetryDelay = 10 * time.Second

// ErrAborted indicates a phase stopped because its context was cancelled.
var ErrAborted = errors.New("preview: aborted")

// ErrGaveUp indicates a phase exhausted its configured attempt budget.
var ErrGaveUp = errors.New("preview: retry budget exhausted")

// failureMarkers flag output lines that should feed the failure report
// aggregator. Matching is case-insensitive substring; "err" also covers
// "error" and the capitalized runtime exception names.
var failureMarkers = []string{"err", "exception", "traceback", "fatal"}

func isFailureLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range failureMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// PhaseCommand is one step of the preview pipeline.
type PhaseCommand struct {
	Phase string
	Name  string
	Args  []string
}

// TransitionFunc observes phase state changes in order.
type TransitionFunc func(phase string, state domain.PhaseState)

// LineFunc observes every output line of a phase.
type LineFunc func(line string)

// PhaseRunner executes one pipeline phase, retrying failed attempts after a
// constant delay. Attempts never overlap: a new one starts only after the
// previous process exited. MaxAttempts zero retries forever.
type PhaseRunner struct {
	runtime     sandbox.Runtime
	agg         *ErrorAggregator
	transition  TransitionFunc
	systemLine  LineFunc
	retryDelay  time.Duration
	maxAttempts uint64
}

// NewPhaseRunner constructs a runner. transition and systemLine may be nil.
func NewPhaseRunner(runtime sandbox.Runtime, agg *ErrorAggregator, transition TransitionFunc, systemLine LineFunc, retryDelay time.Duration, maxAttempts uint64) *PhaseRunner {
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	if transition == nil {
		transition = func(string, domain.PhaseState) {}
	}
	if systemLine == nil {
		systemLine = func(string) {}
	}
	return &PhaseRunner{
		runtime:     runtime,
		agg:         agg,
		transition:  transition,
		systemLine:  systemLine,
		retryDelay:  retryDelay,
		maxAttempts: maxAttempts,
	}
}

// Run executes the command until it exits zero. Every output line reaches
// the system log; lines carrying failure markers also feed the aggregator.
// A non-zero exit flushes the aggregator immediately and schedules a retry.
func (r *PhaseRunner) Run(ctx context.Context, cmd PhaseCommand) error {
	r.transition(cmd.Phase, domain.PhasePending)

	var attempt uint64
	err := retry.Do(ctx, retry.NewConstant(r.retryDelay), func(ctx context.Context) error {
		attempt++
		r.transition(cmd.Phase, domain.PhaseRunning)

		code, err := r.attempt(ctx, cmd)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if code == 0 {
			return nil
		}

		r.agg.Flush()
		r.systemLine(fmt.Sprintf("%s exited with code %d", cmd.Phase, code))
		r.transition(cmd.Phase, domain.PhaseFailed)

		if r.maxAttempts > 0 && attempt >= r.maxAttempts {
			return fmt.Errorf("%s after %d attempts: %w", cmd.Phase, attempt, ErrGaveUp)
		}
		r.transition(cmd.Phase, domain.PhaseRetryWait)
		return retry.RetryableError(fmt.Errorf("%s exited with code %d", cmd.Phase, code))
	})

	switch {
	case err == nil:
		r.systemLine(fmt.Sprintf("%s completed", cmd.Phase))
		r.transition(cmd.Phase, domain.PhaseSucceeded)
		return nil
	case ctx.Err() != nil:
		r.agg.Discard()
		r.transition(cmd.Phase, domain.PhaseAborted)
		return fmt.Errorf("%s: %w", cmd.Phase, ErrAborted)
	case errors.Is(err, ErrGaveUp):
		r.transition(cmd.Phase, domain.PhaseGaveUp)
		return err
	default:
		r.transition(cmd.Phase, domain.PhaseFailed)
		return fmt.Errorf("%s: %w", cmd.Phase, err)
	}
}

// attempt spawns the command once, streaming its output until exit.
func (r *PhaseRunner) attempt(ctx context.Context, cmd PhaseCommand) (int, error) {
	proc, err := r.runtime.Spawn(ctx, cmd.Name, cmd.Args...)
	if err != nil {
		return 0, fmt.Errorf("spawn %s: %w", cmd.Phase, err)
	}

	for line := range proc.Output() {
		r.systemLine(line)
		if isFailureLine(line) {
			r.agg.Push(line)
		}
	}

	code, err := proc.Wait(ctx)
	if err != nil {
		proc.Kill(context.WithoutCancel(ctx))
		return 0, err
	}
	return code, nil
}
