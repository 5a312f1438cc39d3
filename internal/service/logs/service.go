package logs

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"log/slog"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/ws"
)

const appendTimeout = 5 * time.Second

// Service persists the project log narrative, streams it to live
// subscribers, and dispatches failure reports. It satisfies the preview
// supervisor's sink.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger

	mu       sync.RWMutex
	onReport []func(domain.ErrorReport)
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, hub: hub, logger: logger.With("component", "logs")}
}

// Append stores and broadcasts a log entry.
func (s *Service) Append(ctx context.Context, entry domain.ProjectLog) error {
	entry.CreatedAt = entry.CreatedAt.UTC()
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := s.repo.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns logs for a project.
func (s *Service) List(ctx context.Context, projectID string, limit, offset int) ([]domain.ProjectLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListLogsByProject(ctx, projectID, limit, offset)
}

// SystemLine records one line of the system channel narrative. Persistence
// failures are logged and swallowed; the supervisor never stalls on the log
// store.
func (s *Service) SystemLine(projectID, line string) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	entry := domain.ProjectLog{
		ProjectID: projectID,
		Channel:   domain.ChannelSystem.String(),
		Message:   line,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to persist system line", "project_id", projectID, "error", err)
	}
}

// Report persists a failure report on its channel and hands it to every
// registered report consumer.
func (s *Service) Report(report domain.ErrorReport) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	metadata, _ := json.Marshal(map[string]string{"phase": report.Phase})
	entry := domain.ProjectLog{
		ProjectID: report.ProjectID,
		Channel:   report.Channel.String(),
		Message:   report.Message,
		Metadata:  metadata,
		CreatedAt: report.CreatedAt,
	}
	if err := s.Append(ctx, entry); err != nil {
		s.logger.Warn("failed to persist report", "project_id", report.ProjectID, "error", err)
	}

	s.mu.RLock()
	consumers := make([]func(domain.ErrorReport), len(s.onReport))
	copy(consumers, s.onReport)
	s.mu.RUnlock()
	for _, consume := range consumers {
		consume(report)
	}
}

// OnReport registers a consumer for failure reports. The repair agent
// subscribes here.
func (s *Service) OnReport(fn func(domain.ErrorReport)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onReport = append(s.onReport, fn)
}

// Hub returns the streaming hub, used by the HTTP layer to attach
// subscribers.
func (s *Service) Hub() *ws.Hub {
	return s.hub
}

func (s *Service) broadcast(entry domain.ProjectLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.ProjectID, data)
}

// MarshalEntry formats a project log for streaming payloads.
func MarshalEntry(entry domain.ProjectLog) ([]byte, error) {
	var metadata any
	if len(entry.Metadata) > 0 {
		metadata = json.RawMessage(entry.Metadata)
	}
	payload := map[string]any{
		"id":         entry.ID,
		"project_id": entry.ProjectID,
		"channel":    entry.Channel,
		"message":    entry.Message,
		"metadata":   metadata,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
	}
	return json.Marshal(payload)
}
