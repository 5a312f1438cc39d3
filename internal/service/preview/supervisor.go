package preview

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/sandbox"
)

// ErrAlreadyStarted indicates Start was called on a live session.
var ErrAlreadyStarted = errors.New("preview: session already started")

// Phase names of the fixed pipeline.
const (
	PhaseInstall   = "install"
	PhaseProvision = "provision"
	PhaseStart     = "start"
	phaseRuntime   = "runtime"
)

// Sink receives the supervisor's system narrative and batched failure
// reports.
type Sink interface {
	SystemLine(projectID, line string)
	Report(report domain.ErrorReport)
}

// Pipeline holds the commands of the three fixed phases.
type Pipeline struct {
	Install   PhaseCommand
	Provision PhaseCommand
	Start     PhaseCommand
}

// DefaultPipeline runs a Python application the way generated projects are
// laid out.
func DefaultPipeline() Pipeline {
	return Pipeline{
		Install:   PhaseCommand{Phase: PhaseInstall, Name: "pip", Args: []string{"install", "-r", "requirements.txt"}},
		Provision: PhaseCommand{Phase: PhaseProvision, Name: "python", Args: []string{"init_db.py"}},
		Start:     PhaseCommand{Phase: PhaseStart, Name: "uvicorn", Args: []string{"main:app", "--host", "0.0.0.0", "--port", "3000"}},
	}
}

// Options tunes a Supervisor. Zero values select production defaults.
type Options struct {
	Pipeline    Pipeline
	QuietWindow time.Duration
	RetryDelay  time.Duration
	MaxAttempts uint64
	Scheduler   Scheduler
	Now         func() time.Time
}

// Supervisor drives one project's live preview session: it boots the
// sandbox, mounts the project files, and walks the fixed pipeline. Install
// and provision must each succeed before the next phase starts; the start
// phase is long-running and counts as succeeded when the sandbox signals
// readiness. Each phase owns an aggregator; a fourth one collects runtime
// failures after the server is ready.
type Supervisor struct {
	projectID string
	runtime   sandbox.Runtime
	files     repository.FileRepository
	sink      Sink
	log       *slog.Logger
	opts      Options

	aggregators map[string]*ErrorAggregator

	mu        sync.Mutex
	state     domain.PreviewState
	phases    map[string]domain.PhaseState
	addr      string
	everReady bool
	cancel    context.CancelFunc
	readyCh   chan string
	ready     sync.Once
	done      chan struct{}
}

// NewSupervisor constructs a session for one project. Each session owns its
// runtime exclusively; restarting a project means a new Supervisor and a
// freshly booted runtime.
func NewSupervisor(projectID string, runtime sandbox.Runtime, files repository.FileRepository, sink Sink, log *slog.Logger, opts Options) *Supervisor {
	if opts.Pipeline.Start.Name == "" {
		opts.Pipeline = DefaultPipeline()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewScheduler()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Supervisor{
		projectID:   projectID,
		runtime:     runtime,
		files:       files,
		sink:        sink,
		log:         log.With("component", "preview", "project_id", projectID),
		opts:        opts,
		aggregators: make(map[string]*ErrorAggregator),
		state:       domain.PreviewIdle,
		phases: map[string]domain.PhaseState{
			PhaseInstall:   domain.PhasePending,
			PhaseProvision: domain.PhasePending,
			PhaseStart:     domain.PhasePending,
		},
		readyCh: make(chan string, 1),
		done:    make(chan struct{}),
	}
	for _, phase := range []string{PhaseInstall, PhaseProvision, PhaseStart, phaseRuntime} {
		header := fmt.Sprintf("%s failed with the following output:", phase)
		if phase == phaseRuntime {
			header = "the running application reported errors:"
		}
		s.aggregators[phase] = NewErrorAggregator(projectID, phase, header, opts.QuietWindow, opts.Scheduler, s.emitReport, opts.Now)
	}
	return s
}

func (s *Supervisor) emitReport(report domain.ErrorReport) {
	s.sink.Report(report)
}

func (s *Supervisor) systemLine(line string) {
	s.sink.SystemLine(s.projectID, line)
}

func (s *Supervisor) setPhase(phase string, state domain.PhaseState) {
	s.mu.Lock()
	if _, ok := s.phases[phase]; ok {
		s.phases[phase] = state
	}
	s.mu.Unlock()
	s.log.Info("phase transition", "phase", phase, "state", state.String())
}

// Start launches the session pipeline. It returns immediately; progress is
// observable through Ready, Status and the sink.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != domain.PreviewIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = domain.PreviewStarting
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// Ready yields the preview address once the application accepts traffic.
// The channel delivers at most one value and is then closed.
func (s *Supervisor) Ready() <-chan string {
	return s.readyCh
}

// Done closes when the session has fully stopped.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Status reports the session state, the preview address when ready, and the
// state of every pipeline phase.
func (s *Supervisor) Status() (domain.PreviewState, string, map[string]domain.PhaseState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	phases := make(map[string]domain.PhaseState, len(s.phases))
	for phase, state := range s.phases {
		phases[phase] = state
	}
	return s.state, s.addr, phases
}

// WriteFile pushes one file into the live sandbox workspace. Best effort:
// the running server picks it up on its own terms, nothing is rolled back
// on failure.
func (s *Supervisor) WriteFile(ctx context.Context, path, content string) error {
	return s.runtime.WriteFile(ctx, path, content)
}

// Stop aborts the session: the pipeline is cancelled, the live process torn
// down, and partially-buffered failure reports discarded rather than sent.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	if s.state == domain.PreviewStarting || s.state == domain.PreviewReady {
		s.state = domain.PreviewStopped
	}
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	for _, agg := range s.aggregators {
		agg.Discard()
	}
	if err := s.runtime.Teardown(ctx); err != nil {
		return fmt.Errorf("teardown sandbox: %w", err)
	}
	<-s.done
	return nil
}

func (s *Supervisor) run(ctx context.Context) {
	defer close(s.done)

	if err := s.prepare(ctx); err != nil {
		s.finishWith(ctx, err)
		return
	}

	for _, cmd := range []PhaseCommand{s.opts.Pipeline.Install, s.opts.Pipeline.Provision} {
		runner := NewPhaseRunner(s.runtime, s.aggregators[cmd.Phase], s.setPhase, s.systemLine, s.opts.RetryDelay, s.opts.MaxAttempts)
		if err := runner.Run(ctx, cmd); err != nil {
			s.finishWith(ctx, err)
			return
		}
	}

	s.finishWith(ctx, s.runStart(ctx))
}

func (s *Supervisor) prepare(ctx context.Context) error {
	s.systemLine("booting sandbox")
	if err := s.runtime.Boot(ctx); err != nil {
		return fmt.Errorf("boot sandbox: %w", err)
	}

	files, err := s.files.ListProjectFiles(ctx, s.projectID)
	if err != nil {
		return fmt.Errorf("load project files: %w", err)
	}
	mapping := make(map[string]string, len(files))
	for _, file := range files {
		mapping[file.Path] = file.Content
	}
	if err := s.runtime.Mount(ctx, mapping); err != nil {
		return fmt.Errorf("mount project files: %w", err)
	}
	s.systemLine(fmt.Sprintf("mounted %d files", len(files)))
	return nil
}

func (s *Supervisor) finishWith(ctx context.Context, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case err == nil || errors.Is(err, ErrAborted) || ctx.Err() != nil:
		if s.state != domain.PreviewFailed {
			s.state = domain.PreviewStopped
		}
	default:
		s.state = domain.PreviewFailed
		s.log.Error("preview session failed", "error", err)
	}
}

// runStart runs the long-lived server phase. An attempt succeeds when the
// sandbox signals readiness; exits before readiness retry like any phase,
// and crashes after readiness flush the runtime aggregator and retry.
func (s *Supervisor) runStart(ctx context.Context) error {
	cmd := s.opts.Pipeline.Start
	startAgg := s.aggregators[PhaseStart]
	runtimeAgg := s.aggregators[phaseRuntime]

	retryDelay := s.opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}

	var attempt uint64
	for {
		attempt++
		s.setPhase(PhaseStart, domain.PhaseRunning)

		proc, err := s.runtime.Spawn(ctx, cmd.Name, cmd.Args...)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", PhaseStart, err)
		}
		exited := make(chan int, 1)
		go func() {
			for line := range proc.Output() {
				s.systemLine(line)
				if !isFailureLine(line) {
					continue
				}
				if s.isReady() {
					runtimeAgg.Push(line)
				} else {
					startAgg.Push(line)
				}
			}
			code, waitErr := proc.Wait(context.WithoutCancel(ctx))
			if waitErr != nil {
				code = -1
			}
			exited <- code
		}()

		wasReady, code, err := s.awaitOutcome(ctx, exited)
		if err != nil {
			proc.Kill(context.WithoutCancel(ctx))
			s.setPhase(PhaseStart, domain.PhaseAborted)
			return fmt.Errorf("%s: %w", PhaseStart, ErrAborted)
		}

		if wasReady {
			runtimeAgg.Flush()
			s.systemLine(fmt.Sprintf("server exited with code %d, restarting", code))
		} else {
			startAgg.Flush()
			s.systemLine(fmt.Sprintf("%s exited with code %d", PhaseStart, code))
		}
		s.setPhase(PhaseStart, domain.PhaseFailed)
		s.markUnready()

		if s.opts.MaxAttempts > 0 && attempt >= s.opts.MaxAttempts {
			s.setPhase(PhaseStart, domain.PhaseGaveUp)
			return fmt.Errorf("%s after %d attempts: %w", PhaseStart, attempt, ErrGaveUp)
		}

		s.setPhase(PhaseStart, domain.PhaseRetryWait)
		select {
		case <-ctx.Done():
			s.setPhase(PhaseStart, domain.PhaseAborted)
			return fmt.Errorf("%s: %w", PhaseStart, ErrAborted)
		case <-time.After(retryDelay):
		}
	}
}

// awaitOutcome waits for readiness, exit, or cancellation. After readiness
// it keeps waiting for the exit so a post-ready crash is observed. The
// ready channel is one-shot; once drained it is taken out of the select.
func (s *Supervisor) awaitOutcome(ctx context.Context, exited <-chan int) (wasReady bool, code int, err error) {
	readyCh := s.runtime.Ready()
	for {
		select {
		case <-ctx.Done():
			return s.isReady(), 0, ctx.Err()
		case code := <-exited:
			return s.isReady(), code, nil
		case addr, ok := <-readyCh:
			if ok {
				s.markReady(addr)
			}
			readyCh = nil
		}
	}
}

func (s *Supervisor) markReady(addr string) {
	s.mu.Lock()
	s.state = domain.PreviewReady
	s.addr = addr
	s.everReady = true
	s.phases[PhaseStart] = domain.PhaseSucceeded
	s.mu.Unlock()

	s.ready.Do(func() {
		s.readyCh <- addr
		close(s.readyCh)
	})
	s.systemLine(fmt.Sprintf("preview ready at %s", addr))
	s.log.Info("preview ready", "addr", addr)
}

func (s *Supervisor) markUnready() {
	s.mu.Lock()
	if s.state == domain.PreviewReady {
		s.state = domain.PreviewStarting
		s.addr = ""
	}
	s.mu.Unlock()
}

// isReady reports whether readiness was ever reached this session. Failure
// lines keep routing to the runtime aggregator after a post-ready crash.
func (s *Supervisor) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.everReady
}
