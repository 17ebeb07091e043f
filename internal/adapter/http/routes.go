package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers all API routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"version":"0.1.0"}`))
		})

		// Projects
		r.Get("/projects", h.ListProjects)
		r.Post("/projects", h.CreateProject)
		r.Get("/projects/{id}", h.GetProject)
		r.Delete("/projects/{id}", h.DeleteProject)
		r.Put("/projects/{id}/policy", h.UpdateProjectPolicy)
		r.Put("/projects/{id}/secrets", h.SetProjectSecrets)
		r.Post("/projects/{id}/setup", h.SetupProject)
		r.Get("/projects/{id}/clarifications", h.ListClarifications)

		// Protocol runs
		r.Get("/projects/{id}/protocols", h.ListProtocols)
		r.Post("/projects/{id}/protocols", h.CreateProtocol)
		r.Get("/protocols/{id}", h.GetProtocol)
		r.Put("/protocols/{id}/status", h.UpdateProtocolStatus)
		r.Post("/protocols/{id}/start", h.StartProtocol)
		r.Get("/protocols/{id}/steps", h.ListSteps)

		// Step runs
		r.Get("/steps/{id}", h.GetStep)
		r.Post("/steps/{id}/execute", h.ExecuteStep)
		r.Post("/steps/{id}/qa", h.RunStepQA)

		// Events
		r.Get("/events", h.ListEvents)

		// Policy packs
		r.Get("/policy/packs", h.ListPolicyPacks)
		r.Put("/policy/packs", h.UpsertPolicyPack)

		// Clarifications
		r.Post("/clarifications/{id}/answer", h.AnswerClarification)
		r.Delete("/clarifications/{id}", h.DismissClarification)

		// Operational
		r.Get("/engines", h.ListEngines)
		r.Get("/queue/stats", h.QueueStats)
		r.Get("/executions", h.ListExecutions)
		r.Get("/executions/{id}/logs", h.GetExecutionLogs)
		r.Post("/executions/{id}/cancel", h.CancelExecution)
	})
}
