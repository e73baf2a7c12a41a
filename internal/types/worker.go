package types

import "time"

// WorkerStatus is the presence status of a worker
type WorkerStatus string

const (
	WorkerAvailable WorkerStatus = "available"
	WorkerBusy      WorkerStatus = "busy"
	WorkerBreak     WorkerStatus = "break"
	WorkerOffline   WorkerStatus = "offline"
)

// Valid reports whether the status is one of the known values
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerAvailable, WorkerBusy, WorkerBreak, WorkerOffline:
		return true
	}
	return false
}

// Worker is a human agent that can take tasks
type Worker struct {
	ID                 string       `json:"id" dynamodbav:"WorkerID"`
	Name               string       `json:"name,omitempty" dynamodbav:"Name,omitempty"`
	Team               string       `json:"team,omitempty" dynamodbav:"Team,omitempty"`
	Status             WorkerStatus `json:"status" dynamodbav:"Status"`
	Skills             []string     `json:"skills" dynamodbav:"Skills"`
	MaxConcurrentTasks int          `json:"maxConcurrentTasks" dynamodbav:"MaxConcurrentTasks"`
	ActiveTaskCount    int          `json:"activeTaskCount" dynamodbav:"ActiveTaskCount"`
	IdleSince          time.Time    `json:"idleSince" dynamodbav:"IdleSince"` // last time the worker dropped to a lower load or became available
	UpdatedAt          time.Time    `json:"updatedAt" dynamodbav:"UpdatedAt"`
}

// HasSkills reports whether the worker holds every required skill
func (w *Worker) HasSkills(required []string) bool {
	for _, need := range required {
		found := false
		for _, have := range w.Skills {
			if have == need {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// AlertSeverity represents the severity of an operator alert
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an operator-facing condition
type Alert struct {
	Rule     string        `json:"rule"`
	Severity AlertSeverity `json:"severity"`
	Message  string        `json:"message"`
	Subject  string        `json:"subject,omitempty"`
}
