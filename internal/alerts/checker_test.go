package alerts

import (
	"testing"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
)

func TestCheckStatus(t *testing.T) {
	status := &types.OperatorStatus{
		Queues: []types.QueueSnapshot{
			{Queue: "general", PendingCount: 3},
			{Queue: "vip", PendingCount: 5, LongestWaitSecs: 185},
			{Queue: "emergency", PendingCount: 11},
		},
		FailedActivities: 2,
	}

	CheckStatus(status, Thresholds{Backlog: 5}, 4)

	if len(status.Alerts) != 4 {
		t.Fatalf("expected 4 alerts, got %d: %+v", len(status.Alerts), status.Alerts)
	}

	vip := status.Alerts[0]
	if vip.Rule != RuleTaskBacklog || vip.Subject != "vip" || vip.Severity != types.SeverityWarning {
		t.Errorf("unexpected vip alert: %+v", vip)
	}
	if vip.Message != "5 tasks waiting, longest 3m5s" {
		t.Errorf("unexpected message %q", vip.Message)
	}
	if status.Alerts[1].Severity != types.SeverityCritical {
		t.Errorf("expected critical backlog for emergency, got %s", status.Alerts[1].Severity)
	}
	if status.Alerts[2].Rule != RuleActivityLogFailed {
		t.Errorf("expected activity alert, got %s", status.Alerts[2].Rule)
	}
	if status.Alerts[3].Rule != RuleCRMDegraded {
		t.Errorf("expected crm alert, got %s", status.Alerts[3].Rule)
	}
}

func TestCheckStatusClearsPreviousAlerts(t *testing.T) {
	status := &types.OperatorStatus{Alerts: []types.Alert{{Rule: RuleCRMDegraded}}}
	CheckStatus(status, Thresholds{Backlog: 5}, 0)
	if len(status.Alerts) != 0 {
		t.Errorf("expected no alerts, got %+v", status.Alerts)
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{45 * time.Second, "0m45s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2*time.Hour + 7*time.Minute, "2h7m"},
	}
	for _, tt := range tests {
		if got := formatDuration(tt.d); got != tt.want {
			t.Errorf("formatDuration(%v) = %q, want %q", tt.d, got, tt.want)
		}
	}
}
