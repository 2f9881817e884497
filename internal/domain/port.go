package domain

import "time"

// PortStatus enumerates lifecycle states of a port registration.
type PortStatus string

const (
	PortAllocated PortStatus = "allocated"
	PortInUse     PortStatus = "in-use"
	PortReleased  PortStatus = "released"
)

// Active reports whether the registration currently holds its port.
func (s PortStatus) Active() bool {
	return s == PortAllocated || s == PortInUse
}

// PortRegistration binds a project to an allocated network port.
// Released registrations are retired logically and swept from the
// active-port index after a grace period rather than hard-deleted.
type PortRegistration struct {
	ProjectID    string            `json:"project_id"`
	ProjectName  string            `json:"project_name"`
	Port         int               `json:"port"`
	Status       PortStatus        `json:"status"`
	DeploymentID string            `json:"deployment_id,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	AllocatedAt  time.Time         `json:"allocated_at"`
	LastUsedAt   time.Time         `json:"last_used_at"`
}
