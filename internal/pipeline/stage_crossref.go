package pipeline

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/clipnotes/clipnotes-be/internal/artifact"
	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// CrossrefStage scores the job's notes against the owner's existing
// artifacts and records candidate links. The links are written by the
// persist stage together with the artifact, so a job that fails later
// never leaves half its references behind.
type CrossrefStage struct {
	artifacts artifact.Store
	threshold float64
}

// NewCrossrefStage creates the cross-reference stage.
func NewCrossrefStage(artifacts artifact.Store, threshold float64) *CrossrefStage {
	return &CrossrefStage{artifacts: artifacts, threshold: threshold}
}

func (s *CrossrefStage) Name() string { return "cross-reference" }

func (s *CrossrefStage) Span() (int, int) { return 75, 90 }

func (s *CrossrefStage) Run(ctx context.Context, ex *Exchange) error {
	vector := termVector(
		ex.Transcript.Title,
		strings.Join(ex.Notes.Entities, " "),
		strings.Join(ex.Notes.KeyPoints, " "),
	)

	existing, err := s.artifacts.ListCompleted(ctx, ex.Job.OwnerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("failed to list artifacts for cross-reference: %w", err))
	}

	var links []CandidateLink
	for _, art := range existing {
		other := termVector(
			art.Title,
			strings.Join(art.Entities, " "),
			strings.Join(art.KeyPoints, " "),
		)
		score := cosineSimilarity(vector, other)
		if score >= s.threshold {
			links = append(links, CandidateLink{Ref: art.Ref, Score: score})
		}
	}

	sort.Slice(links, func(i, j int) bool { return links[i].Score > links[j].Score })
	ex.Links = links
	return nil
}
