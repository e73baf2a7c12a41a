package types

import (
	"encoding/json"
	"time"
)

// Broadcast event types
const (
	EventTypeInteractionUpdated = "interaction.updated"
	EventTypeTaskReserved       = "task.reserved"
	EventTypeTaskUpdated        = "task.updated"
	EventTypeWorkerUpdated      = "worker.updated"
	EventTypeActivityFailed     = "activity.failed"
	EventTypeOperatorStatus     = "operator.status"
)

// Room name helpers
const (
	RoomSupervisors = "role:supervisor"
)

// WorkerRoom is the room a single worker's clients join
func WorkerRoom(workerID string) string { return "worker:" + workerID }

// TeamRoom is the room for a team
func TeamRoom(team string) string { return "team:" + team }

// RoleRoom is the room for a role
func RoleRoom(role string) string { return "role:" + role }

// Envelope is the JSON frame pushed to live clients
type Envelope struct {
	Type      string          `json:"type"`
	Room      string          `json:"room"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// OperatorStatus is pushed periodically to supervisors
type OperatorStatus struct {
	Timestamp         time.Time       `json:"timestamp"`
	Queues            []QueueSnapshot `json:"queues"`
	WorkersTotal      int             `json:"workersTotal"`
	WorkersAvailable  int             `json:"workersAvailable"`
	FailedActivities  int             `json:"failedActivities"`
	PendingActivities int             `json:"pendingActivities"`
	DegradedLookups   int64           `json:"degradedLookups"`
	Alerts            []Alert         `json:"alerts,omitempty"`
}
