package domain

import "time"

// Channel identifies the destination of a log line or failure report.
type Channel int

const (
	// ChannelSystem carries operator-facing progress narrative.
	ChannelSystem Channel = iota
	// ChannelCoder carries condensed failure reports addressed to the repair agent.
	ChannelCoder
)

// String returns the wire name of the channel.
func (c Channel) String() string {
	switch c {
	case ChannelSystem:
		return "system"
	case ChannelCoder:
		return "coder"
	default:
		return "unknown"
	}
}

// ProjectLog is a persisted log line for a project.
type ProjectLog struct {
	ID        int64
	ProjectID string
	Channel   string
	Message   string
	Metadata  []byte
	CreatedAt time.Time
}

// ErrorReport is a batched failure report produced by an aggregator.
// Reports are delivered to subscribers and are not persisted as-is.
type ErrorReport struct {
	ProjectID string
	Channel   Channel
	Phase     string
	Message   string
	CreatedAt time.Time
}
