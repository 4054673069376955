// Package models defines the JSON shapes exchanged between the
// fleetjobs server and its clients.
package models

import (
	"time"

	"github.com/raphaelgruber/fleetjobs/internal/jobs"
	"github.com/raphaelgruber/fleetjobs/internal/parser"
)

// StartJobRequest starts a job. Kind-specific fields may be omitted for
// kinds that do not use them.
type StartJobRequest struct {
	Kind    string   `json:"kind"`
	Host    string   `json:"host"`
	Image   string   `json:"image,omitempty"`
	Archive string   `json:"archive,omitempty"`
	Dest    string   `json:"dest,omitempty"`
	Paths   []string `json:"paths,omitempty"`
}

// StartJobResponse acknowledges a started job.
type StartJobResponse struct {
	JobID string `json:"jobId"`
}

// CancelResponse acknowledges a cancellation request. The caller keeps
// polling to observe the final state.
type CancelResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// JobStatus is one poll result. Found is false when the id is unknown
// or the record has expired; all other fields are zero in that case and
// the caller must stop polling.
type JobStatus struct {
	Found bool `json:"found"`

	JobID          string         `json:"jobId,omitempty"`
	Kind           string         `json:"kind,omitempty"`
	Host           string         `json:"host,omitempty"`
	State          string         `json:"state,omitempty"`
	Phase          string         `json:"phase,omitempty"`
	OverallPercent int            `json:"overallPercent"`
	Layers         []parser.Layer `json:"layers,omitempty"`

	BytesTransferred int64 `json:"bytesTransferred"`
	BytesTotal       int64 `json:"bytesTotal"`
	TransferRate     int64 `json:"transferRate"`
	ETASeconds       int64 `json:"etaSeconds"`

	Log        []string `json:"log,omitempty"`
	DurationMs int64    `json:"durationMs"`
	Error      string   `json:"error,omitempty"`

	Bulk    *jobs.BulkResult    `json:"bulk,omitempty"`
	Archive *jobs.ArchiveResult `json:"archive,omitempty"`

	StartedAt  time.Time  `json:"startedAt,omitzero"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}

// Terminal reports whether the status is final and polling may stop.
func (s JobStatus) Terminal() bool {
	return jobs.State(s.State).Terminal()
}

// FromJob converts a job snapshot into its wire shape.
func FromJob(j jobs.Job) JobStatus {
	return JobStatus{
		Found:            true,
		JobID:            j.ID,
		Kind:             string(j.Kind),
		Host:             j.Host,
		State:            string(j.State),
		Phase:            j.Phase,
		OverallPercent:   j.OverallPercent,
		Layers:           j.Layers,
		BytesTransferred: j.BytesTransferred,
		BytesTotal:       j.BytesTotal,
		TransferRate:     j.TransferRate,
		ETASeconds:       j.ETASeconds,
		Log:              j.Log,
		DurationMs:       j.Duration().Milliseconds(),
		Error:            j.Error,
		Bulk:             j.Bulk,
		Archive:          j.Archive,
		StartedAt:        j.StartedAt,
		FinishedAt:       j.FinishedAt,
	}
}
