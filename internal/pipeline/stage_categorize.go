package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// ClusterStore persists an owner's subject clusters.
type ClusterStore interface {
	ListClusters(ctx context.Context, ownerID string) ([]*domain.SubjectCluster, error)
	CreateCluster(ctx context.Context, cluster *domain.SubjectCluster) error
	MergeClusterTerms(ctx context.Context, clusterID string, terms map[string]float64) error
}

// CategorizeStage assigns the job to the owner's best-matching subject
// cluster, or creates a new one when nothing is close enough.
type CategorizeStage struct {
	clusters  ClusterStore
	threshold float64
}

// NewCategorizeStage creates the auto-categorization stage.
func NewCategorizeStage(clusters ClusterStore, threshold float64) *CategorizeStage {
	return &CategorizeStage{clusters: clusters, threshold: threshold}
}

func (s *CategorizeStage) Name() string { return "auto-categorize" }

func (s *CategorizeStage) Span() (int, int) { return 60, 75 }

func (s *CategorizeStage) Run(ctx context.Context, ex *Exchange) error {
	vector := termVector(
		ex.Job.SubjectHint,
		ex.Transcript.Title,
		ex.Notes.Summary,
		strings.Join(ex.Notes.Entities, " "),
	)

	existing, err := s.clusters.ListClusters(ctx, ex.Job.OwnerID)
	if err != nil {
		return domain.Transient(fmt.Errorf("failed to list subject clusters: %w", err))
	}

	var best *domain.SubjectCluster
	var bestScore float64
	for _, cluster := range existing {
		score := cosineSimilarity(vector, cluster.Terms)
		if score > bestScore {
			best, bestScore = cluster, score
		}
	}

	if best != nil && bestScore >= s.threshold {
		if err := s.clusters.MergeClusterTerms(ctx, best.ClusterID, vector); err != nil {
			return domain.Transient(fmt.Errorf("failed to update subject cluster: %w", err))
		}
		ex.ClusterID = best.ClusterID
		return nil
	}

	cluster := &domain.SubjectCluster{
		ClusterID: ex.Job.JobID,
		OwnerID:   ex.Job.OwnerID,
		Label:     clusterLabel(ex),
		Terms:     vector,
	}
	if err := s.clusters.CreateCluster(ctx, cluster); err != nil {
		return domain.Transient(fmt.Errorf("failed to create subject cluster: %w", err))
	}
	ex.ClusterID = cluster.ClusterID
	return nil
}

// clusterLabel picks a human-readable label for a fresh cluster: the
// owner's hint when given, otherwise the video title.
func clusterLabel(ex *Exchange) string {
	if hint := strings.TrimSpace(ex.Job.SubjectHint); hint != "" {
		return hint
	}
	return ex.Transcript.Title
}
