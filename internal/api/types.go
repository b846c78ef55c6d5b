package api

import "github.com/mattjoyce/simrunner/internal/runlog"

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	JobTypes      int    `json:"job_types"`
}

// RunsResponse is returned by GET /runs.
type RunsResponse struct {
	Runs []runlog.Run `json:"runs"`
}

// JobTypesResponse is returned by GET /job-types.
type JobTypesResponse struct {
	JobTypes []string `json:"job_types"`
}
