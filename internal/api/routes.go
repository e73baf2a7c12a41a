package api

import (
	"github.com/dennisdiepolder/monti/comms/internal/auth"
	"github.com/go-chi/chi/v5"
)

// Handlers groups the API handlers
type Handlers struct {
	Query   *QueryHandler
	Tasks   *TaskActionsHandler
	Workers *WorkersHandler
	Admin   *AdminHandler
}

// Mount registers the query and control API. The caller authenticates the
// router; role checks happen here.
func Mount(r chi.Router, h Handlers) {
	r.Get("/interactions", h.Query.ListInteractions)
	r.Get("/interactions/{id}", h.Query.GetInteraction)
	r.Get("/tasks", h.Query.ListTasks)
	r.Get("/workers", h.Query.ListWorkers)
	r.Get("/queues", h.Query.ListQueues)
	r.Get("/activity", h.Query.ListActivity)
	r.Get("/status", h.Query.GetStatus)
	r.Get("/rules", h.Query.ListRules)

	r.Post("/tasks/{taskId}/accept", h.Tasks.Accept)
	r.Post("/tasks/{taskId}/reject", h.Tasks.Reject)
	r.Post("/tasks/{taskId}/complete", h.Tasks.Complete)

	r.Put("/workers/{workerId}", h.Workers.Upsert)
	r.Post("/workers/{workerId}/status", h.Workers.SetStatus)

	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		r.Post("/workers/roster", h.Workers.Roster)
		r.Post("/rules", h.Admin.AddRule)
		r.Put("/rules", h.Admin.ReplaceRules)
		r.Delete("/rules/{ruleId}", h.Admin.DeleteRule)
	})

	r.With(auth.RequireSupervisor).Post("/activity/{interactionId}/{kind}/retry", h.Admin.RetryActivity)
}
