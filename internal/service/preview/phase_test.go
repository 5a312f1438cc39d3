package preview

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/sandbox"
)

// scriptedProcess replays canned output and an exit code.
type scriptedProcess struct {
	lines    []string
	exitCode int
	killed   bool
}

func (p *scriptedProcess) Output() <-chan string {
	ch := make(chan string, len(p.lines))
	for _, line := range p.lines {
		ch <- line
	}
	close(ch)
	return ch
}

func (p *scriptedProcess) Wait(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return p.exitCode, nil
}

func (p *scriptedProcess) Kill(context.Context) error {
	p.killed = true
	return nil
}

// scriptedRuntime hands out scripted processes per Spawn call in order,
// then falls back to blocking ones for long-running phases.
type scriptedRuntime struct {
	mu       sync.Mutex
	procs    []*scriptedProcess
	blocking []*blockingProcess
	spawned  []string
	mounted  map[string]string
	writes   map[string]string
	ready    chan string
	booted   bool
}

func newScriptedRuntime(procs ...*scriptedProcess) *scriptedRuntime {
	return &scriptedRuntime{
		procs:  procs,
		writes: map[string]string{},
		ready:  make(chan string, 1),
	}
}

func (r *scriptedRuntime) Boot(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.booted = true
	return nil
}

func (r *scriptedRuntime) Mount(_ context.Context, files map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.mounted = files
	return nil
}

func (r *scriptedRuntime) Spawn(_ context.Context, name string, args ...string) (sandbox.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spawned = append(r.spawned, name)
	if len(r.procs) > 0 {
		proc := r.procs[0]
		r.procs = r.procs[1:]
		return proc, nil
	}
	if len(r.blocking) > 0 {
		proc := r.blocking[0]
		r.blocking = r.blocking[1:]
		return proc, nil
	}
	return nil, fmt.Errorf("no scripted process for %s", name)
}

func (r *scriptedRuntime) WriteFile(_ context.Context, path, content string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes[path] = content
	return nil
}

func (r *scriptedRuntime) Ready() <-chan string {
	return r.ready
}

func (r *scriptedRuntime) Teardown(context.Context) error {
	return nil
}

func (r *scriptedRuntime) signalReady(addr string) {
	r.ready <- addr
	close(r.ready)
}

type transitionRecorder struct {
	mu     sync.Mutex
	states []string
}

func (t *transitionRecorder) record(phase string, state domain.PhaseState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states = append(t.states, phase+":"+state.String())
}

func (t *transitionRecorder) all() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.states...)
}

func TestPhaseRunnerRetriesUntilSuccess(t *testing.T) {
	runtime := newScriptedRuntime(
		&scriptedProcess{lines: []string{"Error: boom"}, exitCode: 1},
		&scriptedProcess{lines: []string{"Error: boom again"}, exitCode: 1},
		&scriptedProcess{lines: []string{"done"}, exitCode: 0},
	)
	recorder := &reportRecorder{}
	transitions := &transitionRecorder{}
	agg := newTestAggregator(recorder, &fakeScheduler{})
	runner := NewPhaseRunner(runtime, agg, transitions.record, nil, time.Millisecond, 0)

	if err := runner.Run(context.Background(), PhaseCommand{Phase: "install", Name: "pip"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	want := []string{
		"install:pending",
		"install:running",
		"install:failed",
		"install:retry_wait",
		"install:running",
		"install:failed",
		"install:retry_wait",
		"install:running",
		"install:succeeded",
	}
	got := transitions.all()
	if len(got) != len(want) {
		t.Fatalf("expected %d transitions, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestPhaseRunnerFlushesReportOnFailureExit(t *testing.T) {
	runtime := newScriptedRuntime(
		&scriptedProcess{lines: []string{"collecting packages", "Error: no matching distribution"}, exitCode: 1},
		&scriptedProcess{exitCode: 0},
	)
	recorder := &reportRecorder{}
	agg := newTestAggregator(recorder, &fakeScheduler{})
	runner := NewPhaseRunner(runtime, agg, nil, nil, time.Millisecond, 0)

	if err := runner.Run(context.Background(), PhaseCommand{Phase: "install", Name: "pip"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	reports := recorder.all()
	if len(reports) != 1 {
		t.Fatalf("expected one flushed report, got %d", len(reports))
	}
	if want := "Error: no matching distribution"; !containsLine(reports[0].Message, want) {
		t.Fatalf("expected report to carry %q, got %q", want, reports[0].Message)
	}
}

func TestPhaseRunnerRoutesAllLinesToSystemLog(t *testing.T) {
	runtime := newScriptedRuntime(
		&scriptedProcess{lines: []string{"plain progress", "Error: broken"}, exitCode: 0},
	)
	recorder := &reportRecorder{}
	agg := newTestAggregator(recorder, &fakeScheduler{})

	var systemLines []string
	runner := NewPhaseRunner(runtime, agg, nil, func(line string) {
		systemLines = append(systemLines, line)
	}, time.Millisecond, 0)

	if err := runner.Run(context.Background(), PhaseCommand{Phase: "provision", Name: "python"}); err != nil {
		t.Fatalf("run: %v", err)
	}

	if len(systemLines) < 2 || systemLines[0] != "plain progress" || systemLines[1] != "Error: broken" {
		t.Fatalf("expected both lines in system log, got %v", systemLines)
	}
}

func TestPhaseRunnerGivesUpAfterAttemptBudget(t *testing.T) {
	runtime := newScriptedRuntime(
		&scriptedProcess{lines: []string{"Error: 1"}, exitCode: 1},
		&scriptedProcess{lines: []string{"Error: 2"}, exitCode: 1},
	)
	recorder := &reportRecorder{}
	transitions := &transitionRecorder{}
	agg := newTestAggregator(recorder, &fakeScheduler{})
	runner := NewPhaseRunner(runtime, agg, transitions.record, nil, time.Millisecond, 2)

	err := runner.Run(context.Background(), PhaseCommand{Phase: "install", Name: "pip"})
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("expected ErrGaveUp, got %v", err)
	}

	got := transitions.all()
	if got[len(got)-1] != "install:gave_up" {
		t.Fatalf("expected terminal gave_up, got %v", got)
	}
}

func TestPhaseRunnerAbortDiscardsBufferedReport(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := &scriptedProcess{lines: []string{"Error: partial"}, exitCode: 1}
	runtime := newScriptedRuntime(proc)
	recorder := &reportRecorder{}
	scheduler := &fakeScheduler{}
	agg := newTestAggregator(recorder, scheduler)
	runner := NewPhaseRunner(runtime, agg, nil, nil, time.Millisecond, 0)

	cancel()
	err := runner.Run(ctx, PhaseCommand{Phase: "install", Name: "pip"})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("expected ErrAborted, got %v", err)
	}

	scheduler.fireAll()
	if len(recorder.all()) != 0 {
		t.Fatalf("aborted phase emitted a report")
	}
}

func containsLine(message, fragment string) bool {
	return strings.Contains(message, fragment)
}
