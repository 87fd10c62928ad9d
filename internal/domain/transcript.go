package domain

import (
	"strings"
	"time"
)

// Segment is one timed line of a transcript.
type Segment struct {
	Start    float64 `json:"start"`
	Duration float64 `json:"dur"`
	Text     string  `json:"text"`
}

// Transcript is the raw fetched material a job is built from.
type Transcript struct {
	VideoID  string    `json:"video_id"`
	Title    string    `json:"title"`
	Language string    `json:"language"`
	Segments []Segment `json:"segments"`
}

// FullText joins all segments into a single body of text.
func (t *Transcript) FullText() string {
	parts := make([]string, 0, len(t.Segments))
	for _, seg := range t.Segments {
		text := strings.TrimSpace(seg.Text)
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " ")
}

// Notes is the structured output of the summarization collaborator.
type Notes struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"key_points"`
	Entities  []string `json:"entities"`
}

// Artifact is the persisted study artifact produced by a completed job.
type Artifact struct {
	Ref        string    `db:"ref" json:"ref"`
	OwnerID    string    `db:"owner_id" json:"owner_id"`
	JobID      string    `db:"job_id" json:"job_id"`
	Title      string    `db:"title" json:"title"`
	Summary    string    `db:"summary" json:"summary"`
	KeyPoints  []string  `json:"key_points"`
	Entities   []string  `json:"entities"`
	Transcript string    `db:"transcript" json:"transcript"`
	ClusterID  string    `db:"cluster_id" json:"cluster_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SubjectCluster groups artifacts of one owner by topic similarity.
type SubjectCluster struct {
	ClusterID string             `db:"cluster_id" json:"cluster_id"`
	OwnerID   string             `db:"owner_id" json:"owner_id"`
	Label     string             `db:"label" json:"label"`
	Terms     map[string]float64 `json:"terms"`
	CreatedAt time.Time          `db:"created_at" json:"created_at"`
}
