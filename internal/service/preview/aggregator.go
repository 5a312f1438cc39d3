package preview

import (
	"strings"
	"sync"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
)

const defaultQuietWindow = 3 * time.Second

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler creates timers. The production implementation wraps
// time.AfterFunc; tests substitute one that fires on demand.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

type realScheduler struct{}

func (realScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}

// NewScheduler returns the wall-clock Scheduler.
func NewScheduler() Scheduler {
	return realScheduler{}
}

// ReportFunc receives batched failure reports.
type ReportFunc func(report domain.ErrorReport)

// ErrorAggregator batches failure lines into one report per burst. Each Push
// re-arms a quiet-window timer; the report is emitted only once pushes go
// quiet for the full window, so a stream of related stack-trace lines lands
// as a single report instead of dozens.
type ErrorAggregator struct {
	projectID string
	phase     string
	header    string
	window    time.Duration
	scheduler Scheduler
	emit      ReportFunc
	now       func() time.Time

	mu     sync.Mutex
	buf    strings.Builder
	timer  Timer
	closed bool
}

// NewErrorAggregator constructs an aggregator for one phase of one project.
// The header line prefixes every emitted report.
func NewErrorAggregator(projectID, phase, header string, window time.Duration, scheduler Scheduler, emit ReportFunc, now func() time.Time) *ErrorAggregator {
	if window <= 0 {
		window = defaultQuietWindow
	}
	if scheduler == nil {
		scheduler = realScheduler{}
	}
	if now == nil {
		now = time.Now
	}
	return &ErrorAggregator{
		projectID: projectID,
		phase:     phase,
		header:    header,
		window:    window,
		scheduler: scheduler,
		emit:      emit,
		now:       now,
	}
}

// Push buffers a failure line and re-arms the quiet-window timer. Pushes
// after Discard are dropped.
func (a *ErrorAggregator) Push(line string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return
	}
	a.buf.WriteString(line)
	a.buf.WriteString("\n")
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = a.scheduler.AfterFunc(a.window, a.fire)
}

// Flush cancels any pending timer and emits the buffered report now. Used
// when a process exits with a failure so the report is not delayed by the
// quiet window. A clean buffer emits nothing.
func (a *ErrorAggregator) Flush() {
	a.mu.Lock()
	a.stopTimerLocked()
	report, ok := a.takeLocked()
	a.mu.Unlock()
	if ok {
		a.emit(report)
	}
}

// Discard cancels any pending timer and drops buffered content without
// emitting. Used on abort. The aggregator is sealed afterwards: the process
// being aborted may keep producing output for a moment, and those stragglers
// must not resurrect a report for a dead session.
func (a *ErrorAggregator) Discard() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopTimerLocked()
	a.buf.Reset()
	a.closed = true
}

func (a *ErrorAggregator) fire() {
	a.mu.Lock()
	a.timer = nil
	report, ok := a.takeLocked()
	a.mu.Unlock()
	if ok {
		a.emit(report)
	}
}

func (a *ErrorAggregator) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *ErrorAggregator) takeLocked() (domain.ErrorReport, bool) {
	body := strings.TrimSpace(a.buf.String())
	a.buf.Reset()
	if body == "" || a.emit == nil {
		return domain.ErrorReport{}, false
	}
	message := body
	if a.header != "" {
		message = a.header + "\n" + body
	}
	return domain.ErrorReport{
		ProjectID: a.projectID,
		Channel:   domain.ChannelCoder,
		Phase:     a.phase,
		Message:   message,
		CreatedAt: a.now(),
	}, true
}
