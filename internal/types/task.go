package types

import "time"

// QueueName identifies a routing target queue
type QueueName string

// TaskState is the lifecycle state of a task
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReserved  TaskState = "reserved"
	TaskAssigned  TaskState = "assigned"
	TaskCompleted TaskState = "completed"
	TaskTimedOut  TaskState = "timed_out"
	TaskCanceled  TaskState = "canceled"
)

// IsTerminal reports whether the task has left the scheduler
func (s TaskState) IsTerminal() bool {
	return s == TaskCompleted || s == TaskTimedOut || s == TaskCanceled
}

// HoldsCapacity reports whether the task counts against a worker's load
func (s TaskState) HoldsCapacity() bool {
	return s == TaskReserved || s == TaskAssigned
}

// Task is a unit of work offered to workers
type Task struct {
	ID                  string          `json:"id" dynamodbav:"TaskID"`
	InteractionID       string          `json:"interactionId" dynamodbav:"InteractionID"`
	InteractionKind     InteractionKind `json:"interactionKind" dynamodbav:"InteractionKind"`
	Queue               QueueName       `json:"queue" dynamodbav:"Queue"`
	RuleID              string          `json:"ruleId,omitempty" dynamodbav:"RuleID,omitempty"`
	RequiredSkills      []string        `json:"requiredSkills" dynamodbav:"RequiredSkills"`
	PreferredWorkerID   string          `json:"preferredWorkerId,omitempty" dynamodbav:"PreferredWorkerID,omitempty"` // the contact's coordinator
	State               TaskState       `json:"state" dynamodbav:"State"`
	ReservedWorkerID    string          `json:"reservedWorkerId,omitempty" dynamodbav:"ReservedWorkerID,omitempty"`
	ReservationDeadline *time.Time      `json:"reservationDeadline,omitempty" dynamodbav:"ReservationDeadline,omitempty"`
	RejectedBy          []string        `json:"rejectedBy,omitempty" dynamodbav:"RejectedBy,omitempty"`
	CreatedAt           time.Time       `json:"createdAt" dynamodbav:"CreatedAt"`
	UpdatedAt           time.Time       `json:"updatedAt" dynamodbav:"UpdatedAt"`
	AssignedAt          *time.Time      `json:"assignedAt,omitempty" dynamodbav:"AssignedAt,omitempty"`
	CompletedAt         *time.Time      `json:"completedAt,omitempty" dynamodbav:"CompletedAt,omitempty"`
}

// ServiceLevel tracks how many tasks were accepted within the queue threshold
type ServiceLevel struct {
	Target        int     `json:"target"`
	ThresholdSecs int     `json:"thresholdSecs"`
	AcceptedInSL  int     `json:"acceptedInSL"`
	TotalAccepted int     `json:"totalAccepted"`
	CurrentSL     float64 `json:"currentSL"`
}

// QueueSnapshot represents the current state of a task queue
type QueueSnapshot struct {
	Queue            QueueName    `json:"queue"`
	PendingCount     int          `json:"pendingCount"`
	ReservedCount    int          `json:"reservedCount"`
	AssignedCount    int          `json:"assignedCount"`
	CompletedCount   int          `json:"completedCount"`
	TimedOutCount    int          `json:"timedOutCount"`
	LongestWaitSecs  float64      `json:"longestWaitSecs"`
	AvailableWorkers int          `json:"availableWorkers"`
	ServiceLevel     ServiceLevel `json:"serviceLevel"`
}
