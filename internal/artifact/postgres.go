package artifact

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/clipnotes/clipnotes-be/internal/domain"
)

// PostgresStore persists artifacts and their cross-reference links.
type PostgresStore struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresStore creates an artifact store over the given database.
func NewPostgresStore(db *sqlx.DB, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: logger}
}

type artifactRow struct {
	Ref        string         `db:"ref"`
	OwnerID    string         `db:"owner_id"`
	JobID      string         `db:"job_id"`
	Title      string         `db:"title"`
	Summary    string         `db:"summary"`
	KeyPoints  []byte         `db:"key_points"`
	Entities   []byte         `db:"entities"`
	Transcript string         `db:"transcript"`
	ClusterID  sql.NullString `db:"cluster_id"`
	CreatedAt  time.Time      `db:"created_at"`
}

func (r *artifactRow) toDomain() (*domain.Artifact, error) {
	art := &domain.Artifact{
		Ref:        r.Ref,
		OwnerID:    r.OwnerID,
		JobID:      r.JobID,
		Title:      r.Title,
		Summary:    r.Summary,
		Transcript: r.Transcript,
		ClusterID:  r.ClusterID.String,
		CreatedAt:  r.CreatedAt,
	}
	if err := json.Unmarshal(r.KeyPoints, &art.KeyPoints); err != nil {
		return nil, fmt.Errorf("failed to decode key points: %w", err)
	}
	if err := json.Unmarshal(r.Entities, &art.Entities); err != nil {
		return nil, fmt.Errorf("failed to decode entities: %w", err)
	}
	return art, nil
}

// Put writes the artifact and returns its ref.
func (s *PostgresStore) Put(ctx context.Context, art *domain.Artifact) (string, error) {
	if art.Ref == "" {
		art.Ref = uuid.New().String()
	}

	keyPoints, err := json.Marshal(art.KeyPoints)
	if err != nil {
		return "", fmt.Errorf("failed to encode key points: %w", err)
	}
	entities, err := json.Marshal(art.Entities)
	if err != nil {
		return "", fmt.Errorf("failed to encode entities: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (ref, owner_id, job_id, title, summary, key_points, entities, transcript, cluster_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
	`, art.Ref, art.OwnerID, art.JobID, art.Title, art.Summary, keyPoints, entities, art.Transcript, art.ClusterID)
	if err != nil {
		return "", fmt.Errorf("failed to put artifact: %w", err)
	}

	s.logger.Info("Artifact persisted",
		slog.String("ref", art.Ref),
		slog.String("job_id", art.JobID),
	)

	return art.Ref, nil
}

// Get retrieves one artifact by ref.
func (s *PostgresStore) Get(ctx context.Context, ref string) (*domain.Artifact, error) {
	var row artifactRow
	err := s.db.GetContext(ctx, &row, `
		SELECT ref, owner_id, job_id, title, summary, key_points, entities, transcript, cluster_id, created_at
		FROM artifacts
		WHERE ref = $1
	`, ref)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}

	return row.toDomain()
}

// ListCompleted returns all artifacts of one owner, newest first.
func (s *PostgresStore) ListCompleted(ctx context.Context, ownerID string) ([]*domain.Artifact, error) {
	var rows []artifactRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT ref, owner_id, job_id, title, summary, key_points, entities, transcript, cluster_id, created_at
		FROM artifacts
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}

	artifacts := make([]*domain.Artifact, 0, len(rows))
	for i := range rows {
		art, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		artifacts = append(artifacts, art)
	}
	return artifacts, nil
}

// Link inserts a bidirectional link between two artifacts.
func (s *PostgresStore) Link(ctx context.Context, refA, refB string, score float64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifact_links (artifact_ref, linked_ref, score)
		VALUES ($1, $2, $3), ($2, $1, $3)
		ON CONFLICT (artifact_ref, linked_ref) DO NOTHING
	`, refA, refB, score)
	if err != nil {
		return fmt.Errorf("failed to link artifacts: %w", err)
	}
	return nil
}

// Links returns the refs linked to the given artifact.
func (s *PostgresStore) Links(ctx context.Context, ref string) ([]string, error) {
	var refs []string
	err := s.db.SelectContext(ctx, &refs, `
		SELECT linked_ref FROM artifact_links WHERE artifact_ref = $1 ORDER BY score DESC
	`, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifact links: %w", err)
	}
	return refs, nil
}
