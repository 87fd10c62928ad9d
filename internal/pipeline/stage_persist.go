package pipeline

import (
	"context"
	"fmt"

	"github.com/clipnotes/clipnotes-be/internal/artifact"
	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// PersistStage writes the finished artifact and its cross-reference
// links. This is the only stage with durable side effects beyond the
// job row, so everything before it can be retried freely.
type PersistStage struct {
	artifacts artifact.Store
}

// NewPersistStage creates the persistence stage.
func NewPersistStage(artifacts artifact.Store) *PersistStage {
	return &PersistStage{artifacts: artifacts}
}

func (s *PersistStage) Name() string { return "persist" }

func (s *PersistStage) Span() (int, int) { return 90, 100 }

func (s *PersistStage) Run(ctx context.Context, ex *Exchange) error {
	art := &domain.Artifact{
		OwnerID:    ex.Job.OwnerID,
		JobID:      ex.Job.JobID,
		Title:      ex.Transcript.Title,
		Summary:    ex.Notes.Summary,
		KeyPoints:  ex.Notes.KeyPoints,
		Entities:   ex.Notes.Entities,
		Transcript: ex.Transcript.FullText(),
		ClusterID:  ex.ClusterID,
	}

	ref, err := s.artifacts.Put(ctx, art)
	if err != nil {
		return domain.Transient(fmt.Errorf("failed to persist artifact: %w", err))
	}

	for _, link := range ex.Links {
		if err := s.artifacts.Link(ctx, ref, link.Ref, link.Score); err != nil {
			return domain.Transient(fmt.Errorf("failed to persist artifact link: %w", err))
		}
	}

	ex.ResultRef = ref
	return nil
}
