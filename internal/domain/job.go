package domain

import "time"

// Job status constants
const (
	JobStatusQueued     = "QUEUED"
	JobStatusProcessing = "PROCESSING"
	JobStatusCompleted  = "COMPLETED"
	JobStatusFailed     = "FAILED"
)

// IsTerminal reports whether a status admits no further transitions
// other than an explicit owner retry.
func IsTerminal(status string) bool {
	return status == JobStatusCompleted || status == JobStatusFailed
}

// Job is one unit of end-to-end work from URL submission to artifact
// persistence or terminal failure.
type Job struct {
	JobID           string    `db:"job_id"`
	OwnerID         string    `db:"owner_id"`
	SourceURL       string    `db:"source_url"`
	VideoID         string    `db:"video_id"`
	SubjectHint     string    `db:"subject_hint"`
	Status          string    `db:"status"`
	ProgressPercent int       `db:"progress_percent"`
	CurrentStage    string    `db:"current_stage"`
	ErrorKind       string    `db:"error_kind"`
	ErrorMessage    string    `db:"error_message"`
	ResultRef       string    `db:"result_ref"`
	ClusterID       string    `db:"cluster_id"`
	AttemptCount    int       `db:"attempt_count"`
	MaxAttempts     int       `db:"max_attempts"`
	Refunded        bool      `db:"refunded"`
	AbortRequested  bool      `db:"abort_requested"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

// QueueMessage is the wire payload carried on the work queue. Delivery
// bookkeeping (redelivery, dead-lettering) belongs to the broker; the
// attempt budget lives on the job row.
type QueueMessage struct {
	JobID       string `json:"job_id"`
	DeliveryTag uint64 `json:"-"`
	Redelivered bool   `json:"-"`
}
