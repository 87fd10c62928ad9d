package artifact

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// MemoryStore is an in-memory Store used in tests and local development.
type MemoryStore struct {
	mu        sync.RWMutex
	artifacts map[string]*domain.Artifact
	links     map[string]map[string]float64
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		artifacts: make(map[string]*domain.Artifact),
		links:     make(map[string]map[string]float64),
	}
}

func (s *MemoryStore) Put(ctx context.Context, art *domain.Artifact) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if art.Ref == "" {
		art.Ref = uuid.New().String()
	}
	copied := *art
	s.artifacts[art.Ref] = &copied
	return art.Ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) (*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	art, ok := s.artifacts[ref]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	copied := *art
	return &copied, nil
}

func (s *MemoryStore) ListCompleted(ctx context.Context, ownerID string) ([]*domain.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var artifacts []*domain.Artifact
	for _, art := range s.artifacts {
		if art.OwnerID == ownerID {
			copied := *art
			artifacts = append(artifacts, &copied)
		}
	}
	sort.Slice(artifacts, func(i, j int) bool {
		return artifacts[i].CreatedAt.After(artifacts[j].CreatedAt)
	})
	return artifacts, nil
}

func (s *MemoryStore) Link(ctx context.Context, refA, refB string, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pair := range [][2]string{{refA, refB}, {refB, refA}} {
		if s.links[pair[0]] == nil {
			s.links[pair[0]] = make(map[string]float64)
		}
		s.links[pair[0]][pair[1]] = score
	}
	return nil
}

func (s *MemoryStore) Links(ctx context.Context, ref string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]string, 0, len(s.links[ref]))
	for linked := range s.links[ref] {
		refs = append(refs, linked)
	}
	sort.Strings(refs)
	return refs, nil
}
