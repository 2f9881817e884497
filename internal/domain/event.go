package domain

import (
	"encoding/json"
	"time"
)

// Bus topics. Within one publisher connection the broker preserves order
// per topic; no ordering is guaranteed across topics.
const (
	TopicDeploymentEvents = "deployment:events"
	TopicProjectStatus    = "project:status:events"
	TopicSystemEvents     = "system:events"
)

// EventKind tags the variant of the Event union.
type EventKind string

const (
	KindDeployment    EventKind = "deployment"
	KindProjectStatus EventKind = "project_status"
	KindSystem        EventKind = "system"
)

// Server-to-client event types carried in Event.Type.
const (
	EventDeployment     = "deployment:event"
	EventDeploymentStep = "deployment:step:event"
	EventLogEntry       = "log:entry"
	EventProjectStatus  = "project:status"
	EventSystemAlert    = "system:alert"
	EventMetricsUpdate  = "metrics:update"
)

// Event is the transient message published on the bus and fanned out to
// dashboard clients. Durable rows stay the source of truth; clients treat
// events as hints and reconcile on reconnect.
type Event struct {
	ID           string          `json:"id"`
	Kind         EventKind       `json:"kind"`
	Type         string          `json:"type"`
	Project      string          `json:"project,omitempty"`
	DeploymentID string          `json:"deployment_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// TopicKeys returns the subscription keys this event matches
// ("project:<name>", "deployment:<id>"). System events carry no keys and
// are broadcast unconditionally.
func (e Event) TopicKeys() []string {
	keys := make([]string, 0, 2)
	if e.Project != "" {
		keys = append(keys, "project:"+e.Project)
	}
	if e.DeploymentID != "" {
		keys = append(keys, "deployment:"+e.DeploymentID)
	}
	return keys
}

// Global reports whether the event is delivered to every authenticated
// connection regardless of subscriptions.
func (e Event) Global() bool {
	return e.Kind == KindSystem
}
