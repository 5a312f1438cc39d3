package domain

// PhaseState is the lifecycle state of a single preview phase.
type PhaseState int

const (
	PhasePending PhaseState = iota
	PhaseRunning
	PhaseFailed
	PhaseRetryWait
	PhaseSucceeded
	PhaseAborted
	PhaseGaveUp
)

// String returns the wire name of the phase state.
func (s PhaseState) String() string {
	switch s {
	case PhasePending:
		return "pending"
	case PhaseRunning:
		return "running"
	case PhaseFailed:
		return "failed"
	case PhaseRetryWait:
		return "retry_wait"
	case PhaseSucceeded:
		return "succeeded"
	case PhaseAborted:
		return "aborted"
	case PhaseGaveUp:
		return "gave_up"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can follow.
func (s PhaseState) Terminal() bool {
	return s == PhaseSucceeded || s == PhaseAborted || s == PhaseGaveUp
}

// PreviewState is the coarse state of a preview session.
type PreviewState int

const (
	PreviewIdle PreviewState = iota
	PreviewStarting
	PreviewReady
	PreviewStopped
	PreviewFailed
)

// String returns the wire name of the preview state.
func (s PreviewState) String() string {
	switch s {
	case PreviewIdle:
		return "idle"
	case PreviewStarting:
		return "starting"
	case PreviewReady:
		return "ready"
	case PreviewStopped:
		return "stopped"
	case PreviewFailed:
		return "failed"
	default:
		return "unknown"
	}
}
