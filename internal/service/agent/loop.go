// Package agent drives the automatic repair loop: failure reports from the
// preview supervisor are turned into proposed file changes, which land
// through the change log like any other edit.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// ErrBudgetExhausted indicates the token meter refused a new iteration.
var ErrBudgetExhausted = errors.New("agent: token budget exhausted")

// TokenMeter gates repair iterations on available token budget. Allow is
// checked before each iteration begins; Add records consumption afterwards.
// The meter only answers the precondition, it does no billing arithmetic.
type TokenMeter interface {
	Allow(ctx context.Context) (bool, error)
	Add(ctx context.Context, tokens int64) error
}

// ChangeSet is a proposed repair: operations to commit through the change
// log and the tokens the proposal consumed.
type ChangeSet struct {
	Operations []domain.FileOperation
	TokensUsed int64
	Summary    string
}

// ProposeFunc produces a repair for one failure report given the project's
// current files. The implementation is an opaque collaborator.
type ProposeFunc func(ctx context.Context, files []domain.ProjectFile, report domain.ErrorReport) (ChangeSet, error)

// ChangeWriter is the slice of the change log the loop needs.
type ChangeWriter interface {
	Append(ctx context.Context, projectID string, ops []domain.FileOperation) (*domain.ChangeEntry, error)
	Apply(ctx context.Context, entryID string) (*domain.ChangeEntry, error)
}

// Narrator receives the loop's progress lines for the system channel.
type Narrator interface {
	SystemLine(projectID, line string)
}

// Loop consumes failure reports and commits proposed repairs. One worker
// processes reports in arrival order; a full queue drops the newest report
// rather than blocking the supervisor.
type Loop struct {
	meter    TokenMeter
	propose  ProposeFunc
	changes  ChangeWriter
	files    repository.FileRepository
	narrator Narrator
	log      *slog.Logger

	queue chan domain.ErrorReport
	wg    sync.WaitGroup
}

// NewLoop constructs a repair loop with the given queue capacity.
func NewLoop(meter TokenMeter, propose ProposeFunc, changes ChangeWriter, files repository.FileRepository, narrator Narrator, log *slog.Logger, queueSize int) *Loop {
	if queueSize <= 0 {
		queueSize = 32
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		meter:    meter,
		propose:  propose,
		changes:  changes,
		files:    files,
		narrator: narrator,
		log:      log.With("component", "agent"),
		queue:    make(chan domain.ErrorReport, queueSize),
	}
}

// Submit enqueues a failure report. Never blocks.
func (l *Loop) Submit(report domain.ErrorReport) {
	select {
	case l.queue <- report:
	default:
		l.log.Warn("repair queue full, dropping report", "project_id", report.ProjectID, "phase", report.Phase)
	}
}

// Start launches the worker goroutine. The Wait accounting happens here,
// before the goroutine is scheduled, so a Wait racing a fresh Start still
// blocks until the worker has run and returned.
func (l *Loop) Start(ctx context.Context) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
}

// run processes reports until the context is cancelled.
func (l *Loop) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case report := <-l.queue:
			if err := l.handle(ctx, report); err != nil && !errors.Is(err, context.Canceled) {
				l.log.Warn("repair iteration failed", "project_id", report.ProjectID, "error", err)
			}
		}
	}
}

// Wait blocks until the worker started by Start has returned.
func (l *Loop) Wait() {
	l.wg.Wait()
}

func (l *Loop) handle(ctx context.Context, report domain.ErrorReport) error {
	allowed, err := l.meter.Allow(ctx)
	if err != nil {
		return err
	}
	if !allowed {
		l.narrator.SystemLine(report.ProjectID, "token budget exhausted, automatic repair paused")
		return ErrBudgetExhausted
	}

	files, err := l.files.ListProjectFiles(ctx, report.ProjectID)
	if err != nil {
		return err
	}

	change, err := l.propose(ctx, files, report)
	if err != nil {
		return err
	}
	if change.TokensUsed > 0 {
		if err := l.meter.Add(ctx, change.TokensUsed); err != nil {
			l.log.Warn("failed to record token usage", "error", err)
		}
	}
	if len(change.Operations) == 0 {
		return nil
	}

	entry, err := l.changes.Append(ctx, report.ProjectID, change.Operations)
	if err != nil {
		return err
	}
	if _, err := l.changes.Apply(ctx, entry.ID); err != nil {
		return err
	}

	summary := change.Summary
	if summary == "" {
		summary = "applied automatic repair"
	}
	l.narrator.SystemLine(report.ProjectID, summary)
	return nil
}
