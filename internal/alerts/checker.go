package alerts

import (
	"fmt"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// Rule names
const (
	RuleTaskBacklog       = "task_backlog"
	RuleActivityLogFailed = "activity_log_failed"
	RuleCRMDegraded       = "crm_degraded"
)

// Thresholds configures when rules fire
type Thresholds struct {
	// Backlog is the pending count per queue that raises a warning; twice
	// that is critical. Zero disables the rule.
	Backlog int
}

// CheckStatus evaluates alert rules against an operator status snapshot,
// replacing its Alerts field. newDegraded is the number of contact lookups
// that degraded since the previous check.
func CheckStatus(status *types.OperatorStatus, th Thresholds, newDegraded int64) {
	status.Alerts = nil

	if th.Backlog > 0 {
		for _, q := range status.Queues {
			if q.PendingCount < th.Backlog {
				continue
			}
			severity := types.SeverityWarning
			if q.PendingCount >= 2*th.Backlog {
				severity = types.SeverityCritical
			}
			wait := time.Duration(q.LongestWaitSecs * float64(time.Second))
			status.Alerts = append(status.Alerts, types.Alert{
				Rule:     RuleTaskBacklog,
				Severity: severity,
				Subject:  string(q.Queue),
				Message:  fmt.Sprintf("%d tasks waiting, longest %s", q.PendingCount, formatDuration(wait)),
			})
		}
	}

	if status.FailedActivities > 0 {
		status.Alerts = append(status.Alerts, types.Alert{
			Rule:     RuleActivityLogFailed,
			Severity: types.SeverityCritical,
			Message:  fmt.Sprintf("%d activity entries could not be delivered to the CRM", status.FailedActivities),
		})
	}

	if newDegraded > 0 {
		status.Alerts = append(status.Alerts, types.Alert{
			Rule:     RuleCRMDegraded,
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("%d contact lookups degraded since last check", newDegraded),
		})
	}
}

func formatDuration(d time.Duration) string {
	mins := int(d.Minutes())
	secs := int(d.Seconds()) % 60
	if mins >= 60 {
		hours := mins / 60
		mins = mins % 60
		return fmt.Sprintf("%dh%dm", hours, mins)
	}
	return fmt.Sprintf("%dm%ds", mins, secs)
}
