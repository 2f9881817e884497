package domain

import (
	"encoding/json"
	"time"
)

// DeploymentStatus enumerates lifecycle states of a deployment.
type DeploymentStatus string

const (
	StatusPending   DeploymentStatus = "pending"
	StatusRunning   DeploymentStatus = "running"
	StatusSuccess   DeploymentStatus = "success"
	StatusFailed    DeploymentStatus = "failed"
	StatusCancelled DeploymentStatus = "cancelled"
)

// Terminal reports whether the status is final. Terminal statuses are sticky:
// a later non-terminal notification must not overwrite them.
func (s DeploymentStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether the status is one of the known lifecycle states.
func (s DeploymentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// StepStatus enumerates lifecycle states of a deployment step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSuccess   StepStatus = "success"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepRetrying  StepStatus = "retrying"
	StepCancelled StepStatus = "cancelled"
)

// Valid reports whether the step status is a known state.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepRunning, StepSuccess, StepFailed, StepSkipped, StepRetrying, StepCancelled:
		return true
	}
	return false
}

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepSuccess || s == StepFailed || s == StepSkipped || s == StepCancelled
}

// Deployment captures a single deployment attempt, identified by
// (project, repository, branch, commit).
type Deployment struct {
	ID              string
	Project         string
	Repository      string
	Branch          string
	CommitSHA       string
	Status          DeploymentStatus
	TriggerType     string
	TriggeredBy     string
	Metadata        json.RawMessage
	LogRef          string
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	UpdatedAt       time.Time
}

// DeploymentStatusUpdate captures mutable fields for a deployment.
// Unset fields are left untouched by the repository.
type DeploymentStatusUpdate struct {
	DeploymentID    string
	Status          DeploymentStatus
	Metadata        json.RawMessage
	LogRef          string
	CompletedAt     *time.Time
	DurationSeconds *float64
}

// DeploymentStep is a named sub-phase of a deployment with its own
// status and timing. Order is unique within a deployment; retries
// increment RetryCount rather than replacing history.
type DeploymentStep struct {
	ID              int64
	DeploymentID    string
	Name            string
	Position        int
	Status          StepStatus
	StartedAt       time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	Logs            string
	ErrorMessage    string
	RetryCount      int
	UpdatedAt       time.Time
}
