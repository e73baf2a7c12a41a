package broadcast

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/dennisdiepolder/monti/comms/internal/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captured struct {
	room     string
	envelope types.Envelope
}

type fakeTransport struct {
	mu     sync.Mutex
	frames []captured
}

func (f *fakeTransport) Publish(room string, frame []byte) {
	var env types.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = append(f.frames, captured{room: room, envelope: env})
}

func (f *fakeTransport) rooms(eventType string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.frames {
		if c.envelope.Type == eventType {
			out = append(out, c.room)
		}
	}
	return out
}

func TestInteractionAudience(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, zerolog.Nop())

	b.InteractionChanged(&types.Interaction{ID: "CA1"})
	assert.Equal(t, []string{types.RoomSupervisors}, tr.rooms(types.EventTypeInteractionUpdated))

	tr.frames = nil
	b.InteractionChanged(&types.Interaction{ID: "CA1", AssignedWorkerID: "w1"})
	assert.ElementsMatch(t, []string{types.RoomSupervisors, "worker:w1"}, tr.rooms(types.EventTypeInteractionUpdated))
}

func TestReservationGoesToWorker(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, zerolog.Nop())

	b.TaskChanged(types.Task{ID: "t1", State: types.TaskReserved, ReservedWorkerID: "w1"})
	assert.Equal(t, []string{"worker:w1"}, tr.rooms(types.EventTypeTaskReserved))
	assert.Equal(t, []string{types.RoomSupervisors}, tr.rooms(types.EventTypeTaskUpdated))

	var task types.Task
	require.NoError(t, json.Unmarshal(tr.frames[0].envelope.Data, &task))
	assert.Equal(t, "t1", task.ID)
}

func TestDuplicateRoomsAreCollapsed(t *testing.T) {
	tr := &fakeTransport{}
	b := New(tr, zerolog.Nop())

	b.Publish("custom", map[string]string{"a": "b"}, "role:supervisor", "", "role:supervisor")
	assert.Equal(t, []string{"role:supervisor"}, tr.rooms("custom"))
}

type fakeHub struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (h *fakeHub) PublishToRoom(room string, message []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames[room] = append(h.frames[room], message)
	return true
}

func TestLocalTransport(t *testing.T) {
	hub := &fakeHub{frames: map[string][][]byte{}}
	b := New(NewLocalTransport(hub), zerolog.Nop())

	b.WorkerChanged(types.Worker{ID: "w1", Team: "billing"})
	assert.Len(t, hub.frames["worker:w1"], 1)
	assert.Len(t, hub.frames["team:billing"], 1)
	assert.Len(t, hub.frames[types.RoomSupervisors], 1)
}
