package dto

// StartJobRequest is the body of POST /v1/jobs.
type StartJobRequest struct {
	Scope string   `json:"scope"` // all | missing
	Role  string   `json:"role,omitempty"`
	IDs   []string `json:"ids,omitempty"`
}

type StartJobResponse struct {
	JobID string `json:"job_id"`
}
