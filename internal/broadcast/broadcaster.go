// Package broadcast turns domain changes into room-addressed frames for
// live clients. Publishing never blocks the caller.
package broadcast

import (
	"encoding/json"
	"time"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
)

// Transport moves an encoded frame to the clients of a room
type Transport interface {
	Publish(room string, frame []byte)
}

// Broadcaster encodes envelopes and hands them to a transport
type Broadcaster struct {
	transport Transport
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a broadcaster over the given transport
func New(transport Transport, logger zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		transport: transport,
		logger:    logger.With().Str("component", "broadcast").Logger(),
		now:       time.Now,
	}
}

// Publish sends one event to each of the given rooms
func (b *Broadcaster) Publish(eventType string, data interface{}, rooms ...string) {
	payload, err := json.Marshal(data)
	if err != nil {
		b.logger.Error().Err(err).Str("type", eventType).Msg("failed to marshal broadcast payload")
		return
	}

	now := b.now()
	seen := make(map[string]bool, len(rooms))
	for _, room := range rooms {
		if room == "" || seen[room] {
			continue
		}
		seen[room] = true

		frame, err := json.Marshal(types.Envelope{Type: eventType, Room: room, Timestamp: now, Data: payload})
		if err != nil {
			b.logger.Error().Err(err).Str("type", eventType).Msg("failed to marshal envelope")
			continue
		}
		b.transport.Publish(room, frame)
	}
}

// InteractionChanged goes to supervisors and the assigned worker
func (b *Broadcaster) InteractionChanged(in *types.Interaction) {
	rooms := []string{types.RoomSupervisors}
	if in.AssignedWorkerID != "" {
		rooms = append(rooms, types.WorkerRoom(in.AssignedWorkerID))
	}
	b.Publish(types.EventTypeInteractionUpdated, in, rooms...)
}

// TaskChanged announces reservations to the offered worker and every
// change to supervisors
func (b *Broadcaster) TaskChanged(task types.Task) {
	if task.State == types.TaskReserved {
		b.Publish(types.EventTypeTaskReserved, task, types.WorkerRoom(task.ReservedWorkerID))
		b.Publish(types.EventTypeTaskUpdated, task, types.RoomSupervisors)
		return
	}

	rooms := []string{types.RoomSupervisors}
	if task.ReservedWorkerID != "" {
		rooms = append(rooms, types.WorkerRoom(task.ReservedWorkerID))
	}
	b.Publish(types.EventTypeTaskUpdated, task, rooms...)
}

// WorkerChanged goes to supervisors, the worker and the worker's team
func (b *Broadcaster) WorkerChanged(worker types.Worker) {
	rooms := []string{types.RoomSupervisors, types.WorkerRoom(worker.ID)}
	if worker.Team != "" {
		rooms = append(rooms, types.TeamRoom(worker.Team))
	}
	b.Publish(types.EventTypeWorkerUpdated, worker, rooms...)
}

// ActivityFailed surfaces an abandoned CRM delivery to supervisors
func (b *Broadcaster) ActivityFailed(entry types.ActivityLogEntry) {
	b.Publish(types.EventTypeActivityFailed, entry, types.RoomSupervisors)
}

// OperatorStatus pushes the periodic status to supervisors
func (b *Broadcaster) OperatorStatus(status *types.OperatorStatus) {
	b.Publish(types.EventTypeOperatorStatus, status, types.RoomSupervisors)
}
