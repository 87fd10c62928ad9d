package dto

type SubmitJobRequest struct {
	OwnerID     string `json:"owner_id" binding:"required"`
	SourceURL   string `json:"source_url" binding:"required"`
	SubjectHint string `json:"subject_hint"`
}

type ListJobsRequest struct {
	OwnerID  string `form:"owner_id"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string `json:"job_id"`
	OwnerID         string `json:"owner_id"`
	SourceURL       string `json:"source_url"`
	VideoID         string `json:"video_id"`
	SubjectHint     string `json:"subject_hint,omitempty"`
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	CurrentStage    string `json:"current_stage,omitempty"`
	ErrorKind       string `json:"error_kind,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
	ResultRef       string `json:"result_ref,omitempty"`
	ClusterID       string `json:"cluster_id,omitempty"`
	AttemptCount    int    `json:"attempt_count"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

type BalanceResponse struct {
	OwnerID string `json:"owner_id"`
	Balance int    `json:"balance"`
}
