package ingestion

import (
	"context"

	"github.com/dennisdiepolder/monti/comms/internal/contact"
	"github.com/dennisdiepolder/monti/comms/internal/routing"
	"github.com/dennisdiepolder/monti/comms/internal/types"
)

// EventProcessor applies verified provider events. The webhook gateway
// depends on this interface, not on the concrete pipeline.
type EventProcessor interface {
	Process(ctx context.Context, ev *types.WebhookEvent) (Outcome, error)
}

// ContactResolver enriches an interaction with CRM data
type ContactResolver interface {
	Resolve(ctx context.Context, address string) contact.Resolution
}

// Router picks the destination queue for an interaction
type Router interface {
	Route(in routing.Input) routing.Decision
}

// TaskScheduler is the subset of the scheduler the pipeline drives
type TaskScheduler interface {
	Enqueue(task types.Task) types.Task
	CloseInteraction(interactionID string) *types.Task
	OpenTask(interactionID string) (types.Task, bool)
}

// ActivityRecorder creates CRM activity entries
type ActivityRecorder interface {
	Record(ctx context.Context, in *types.Interaction, segmentID, workerID string) (bool, error)
}

// ChangeNotifier is told about every stored interaction change. It runs
// under the interaction's lock and must not call back into the processor.
type ChangeNotifier interface {
	InteractionChanged(in *types.Interaction)
}
