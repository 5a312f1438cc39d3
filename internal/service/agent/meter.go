package agent

import (
	"context"
	"sync"
)

// FixedMeter is an in-memory token meter with a hard limit. A limit of zero
// disables the gate entirely.
type FixedMeter struct {
	mu    sync.Mutex
	limit int64
	used  int64
}

// NewFixedMeter constructs a meter with the given budget.
func NewFixedMeter(limit int64) *FixedMeter {
	return &FixedMeter{limit: limit}
}

var _ TokenMeter = (*FixedMeter)(nil)

// Allow reports whether budget remains.
func (m *FixedMeter) Allow(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.limit <= 0 {
		return true, nil
	}
	return m.used < m.limit, nil
}

// Add records consumed tokens.
func (m *FixedMeter) Add(_ context.Context, tokens int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.used += tokens
	return nil
}

// Used reports total recorded consumption.
func (m *FixedMeter) Used() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}
