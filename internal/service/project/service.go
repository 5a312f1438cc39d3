package project

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gorillabuilder-code/Gorilla-builder/internal/domain"
	"github.com/gorillabuilder-code/Gorilla-builder/internal/repository"
)

// ErrInvalidName indicates a project name failed validation.
var ErrInvalidName = errors.New("project: invalid name")

const maxNameLength = 120

// Service manages projects and read access to their virtual files.
type Service struct {
	projects repository.ProjectRepository
	files    repository.FileRepository
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New returns a project service.
func New(projects repository.ProjectRepository, files repository.FileRepository, logger *slog.Logger) Service {
	if logger == nil {
		logger = slog.Default()
	}
	return Service{
		projects: projects,
		files:    files,
		logger:   logger.With("component", "project"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Create registers a new empty project.
func (s Service) Create(ctx context.Context, ownerID, name, description string) (*domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" || len(name) > maxNameLength {
		return nil, ErrInvalidName
	}
	project := &domain.Project{
		ID:          s.newID(),
		OwnerID:     ownerID,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now().UTC(),
	}
	if err := s.projects.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	s.logger.Info("project created", "project_id", project.ID, "owner_id", ownerID)
	return project, nil
}

// Get fetches one project.
func (s Service) Get(ctx context.Context, projectID string) (*domain.Project, error) {
	return s.projects.GetProjectByID(ctx, projectID)
}

// List returns the owner's projects.
func (s Service) List(ctx context.Context, ownerID string) ([]domain.Project, error) {
	return s.projects.ListProjectsByOwner(ctx, ownerID)
}

// Delete removes a project and everything attached to it.
func (s Service) Delete(ctx context.Context, projectID string) error {
	if err := s.projects.DeleteProject(ctx, projectID); err != nil {
		return err
	}
	s.logger.Info("project deleted", "project_id", projectID)
	return nil
}

// Files returns the project's full file listing.
func (s Service) Files(ctx context.Context, projectID string) ([]domain.ProjectFile, error) {
	if _, err := s.projects.GetProjectByID(ctx, projectID); err != nil {
		return nil, err
	}
	return s.files.ListProjectFiles(ctx, projectID)
}

// ReadFile returns one file's content.
func (s Service) ReadFile(ctx context.Context, projectID, path string) (*domain.ProjectFile, error) {
	file, err := s.files.GetProjectFile(ctx, projectID, path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return file, nil
}
