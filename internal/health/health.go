// Package health aggregates the service's probe state: the document
// store connection, the HTTP servers, and the shutdown flag, rolled up
// into the startup, liveness and readiness responses the probe server
// returns.
package health

import (
	"context"
	"time"
)

// Status is the outcome of a single check or of an aggregated probe.
type Status string

const (
	// StatusOK indicates the check passed.
	StatusOK Status = "ok"
	// StatusStarting indicates the service has not finished starting.
	StatusStarting Status = "starting"
	// StatusNotReady indicates the service should not receive traffic.
	StatusNotReady Status = "not-ready"
	// StatusError indicates the check failed.
	StatusError Status = "error"
)

// Names of the checks this service registers.
const (
	CheckStore     = "store"
	CheckServers   = "servers"
	CheckReadiness = "readiness"
)

// CheckResult is the outcome of one check run.
type CheckResult struct {
	// Name identifies the check.
	Name string `json:"name"`
	// Status is the check outcome.
	Status Status `json:"status"`
	// Message carries detail for non-OK outcomes.
	Message string `json:"message,omitempty"`
	// Timestamp is when the check ran.
	Timestamp time.Time `json:"timestamp"`
	// Duration is how long the check took.
	Duration time.Duration `json:"duration"`
}

// Checker is one registered health check.
type Checker interface {
	// Name identifies the check in probe responses.
	Name() string
	// Check runs the check. It must respect ctx's deadline.
	Check(ctx context.Context) CheckResult
}

// StartupResponse is the startup probe body: the rolled-up status plus
// the per-check breakdown.
type StartupResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]Status `json:"checks"`
}

// LivenessResponse is the liveness probe body.
type LivenessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// ReadinessResponse is the readiness probe body.
type ReadinessResponse struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Ready     bool      `json:"ready"`
}
