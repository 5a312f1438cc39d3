package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
)

// DisabledProposer never proposes changes. Wired when no coder endpoint is
// configured, so failure reports still drain from the queue.
func DisabledProposer(context.Context, []domain.ProjectFile, domain.ErrorReport) (ChangeSet, error) {
	return ChangeSet{}, nil
}

// HTTPProposer forwards failure reports to an external coder service and
// translates its answer into a ChangeSet.
type HTTPProposer struct {
	endpoint string
	client   *http.Client
	log      *slog.Logger
}

// NewHTTPProposer builds a proposer talking to the given endpoint.
func NewHTTPProposer(endpoint string, timeout time.Duration, log *slog.Logger) *HTTPProposer {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if log == nil {
		log = slog.Default()
	}
	return &HTTPProposer{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With("component", "proposer"),
	}
}

type proposeRequest struct {
	ProjectID string        `json:"project_id"`
	Phase     string        `json:"phase"`
	Message   string        `json:"message"`
	Files     []proposeFile `json:"files"`
}

type proposeFile struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

type proposeResponse struct {
	Operations []domain.FileOperation `json:"operations"`
	TokensUsed int64                  `json:"tokens_used"`
	Summary    string                 `json:"summary"`
}

// Propose implements ProposeFunc.
func (p *HTTPProposer) Propose(ctx context.Context, files []domain.ProjectFile, report domain.ErrorReport) (ChangeSet, error) {
	payload := proposeRequest{
		ProjectID: report.ProjectID,
		Phase:     report.Phase,
		Message:   report.Message,
		Files:     make([]proposeFile, 0, len(files)),
	}
	for _, file := range files {
		payload.Files = append(payload.Files, proposeFile{Path: file.Path, Content: file.Content})
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("encode propose request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return ChangeSet{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("call coder service: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ChangeSet{}, fmt.Errorf("coder service returned status %d", resp.StatusCode)
	}

	var decoded proposeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return ChangeSet{}, fmt.Errorf("decode propose response: %w", err)
	}
	return ChangeSet{
		Operations: decoded.Operations,
		TokensUsed: decoded.TokensUsed,
		Summary:    decoded.Summary,
	}, nil
}
