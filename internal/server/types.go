// Package server provides the HTTP server for the commentary API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import (
	"time"

	"github.com/mkvid/commentary-api/internal/ledger"
)

// ValidateSessionRequest is the HTTP request body for validating a user session.
type ValidateSessionRequest struct {
	// Username identifies the user.
	Username string `json:"username" validate:"required,min=1,max=64"`
	// Code is the access code presented by the user.
	Code string `json:"code" validate:"required,min=1,max=64"`
}

// SessionResponse is the HTTP response after validating a session.
type SessionResponse struct {
	// Accepted reports whether the user may submit jobs.
	Accepted bool `json:"accepted"`
	// Message is the human-readable rejection message, if rejected.
	Message string `json:"message,omitempty"`
	// Remaining is the allowance left. -1 means unlimited.
	Remaining int `json:"remaining"`
	// NewUser reports whether this validation registered the user.
	NewUser bool `json:"new_user"`
}

// SubmitJobRequest is the HTTP request body for submitting a pipeline job.
type SubmitJobRequest struct {
	// Username identifies the submitting user.
	Username string `json:"username" validate:"required,min=1,max=64"`
	// Code is the access code presented with the submission.
	Code string `json:"code" validate:"required,min=1,max=64"`
	// SourceURL is the video URL to process. Required unless LocalPath is set.
	SourceURL string `json:"source_url" validate:"required_without=LocalPath,omitempty,url"`
	// LocalPath is a server-local video file to process instead of a URL.
	LocalPath string `json:"local_path,omitempty"`
	// Style is the commentary style (e.g. "sports", "documentary").
	Style string `json:"style,omitempty"`
	// Language is the commentary language code (e.g. "en").
	Language string `json:"language,omitempty"`
}

// SubmitJobResponse is the HTTP response after a completed pipeline run.
type SubmitJobResponse struct {
	// Title is the sanitized video title.
	Title string `json:"title"`
	// Path is the local delivery path, when delivered locally.
	Path string `json:"path,omitempty"`
	// URL is the remote delivery URL, when uploaded.
	URL string `json:"url,omitempty"`
	// Remaining is the allowance left after this run. -1 means unlimited.
	Remaining int `json:"remaining"`
}

// StatusResponse is the HTTP response for the current job status.
type StatusResponse struct {
	// State is the orchestrator slot state.
	State string `json:"state"`
	// Username owns the in-flight job, if any.
	Username string `json:"username,omitempty"`
	// StartedAt is when the in-flight job started, if any.
	StartedAt time.Time `json:"started_at,omitzero"`
}

// IssueCodesRequest is the HTTP request body for minting access codes.
type IssueCodesRequest struct {
	// Count is how many codes to mint.
	Count int `json:"count" validate:"required,min=1,max=1000"`
	// MaxUses is the per-code allowance. -1 or 0 means unlimited.
	MaxUses int `json:"max_uses" validate:"min=-1"`
	// Prefix is prepended to each generated code.
	Prefix string `json:"prefix,omitempty" validate:"omitempty,max=16,alphanum"`
}

// IssueCodesResponse is the HTTP response after minting access codes.
type IssueCodesResponse struct {
	// Codes are the minted access codes.
	Codes []string `json:"codes"`
}

// CodesReportResponse is the HTTP response listing codes with usage.
type CodesReportResponse struct {
	// Codes are the per-code usage reports.
	Codes []ledger.CodeReport `json:"codes"`
}

// UsersReportResponse is the HTTP response listing users with usage.
type UsersReportResponse struct {
	// Users are the per-user usage reports.
	Users []ledger.UserReport `json:"users"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
