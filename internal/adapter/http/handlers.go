package http

import (
	"net/http"
	"strconv"

	"github.com/devgodzilla/devgodzilla/internal/domain/event"
	"github.com/devgodzilla/devgodzilla/internal/domain/job"
	"github.com/devgodzilla/devgodzilla/internal/domain/policy"
	"github.com/devgodzilla/devgodzilla/internal/domain/project"
	"github.com/devgodzilla/devgodzilla/internal/domain/protocol"
	"github.com/devgodzilla/devgodzilla/internal/port/database"
	"github.com/devgodzilla/devgodzilla/internal/port/engine"
	"github.com/devgodzilla/devgodzilla/internal/port/queue"
	"github.com/devgodzilla/devgodzilla/internal/service"
	"github.com/devgodzilla/devgodzilla/internal/tracker"
)

// Handlers bundles the dependencies of the HTTP surface.
type Handlers struct {
	Svc     *service.Service
	Store   database.Store
	Queue   queue.Queue
	Engines *engine.Registry
	Tracker *tracker.Tracker
}

// --- Projects ---

func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		writeDomainError(w, err, "projects not found")
		return
	}
	writeJSON(w, http.StatusOK, projects)
}

func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[project.CreateRequest](w, r)
	if !ok {
		return
	}
	if req.Name == "" || req.GitURL == "" {
		writeError(w, http.StatusBadRequest, "name and git_url are required")
		return
	}
	proj, err := h.Svc.CreateProject(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	proj, err := h.Store.GetProject(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (h *Handlers) DeleteProject(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DeleteProject(r.Context(), id); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) UpdateProjectPolicy(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	upd, ok := readJSON[project.PolicyUpdate](w, r)
	if !ok {
		return
	}
	proj, err := h.Store.UpdateProjectPolicy(r.Context(), id, upd, "")
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (h *Handlers) SetProjectSecrets(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	values, ok := readJSON[map[string]string](w, r)
	if !ok {
		return
	}
	if err := h.Svc.SetProjectSecrets(r.Context(), id, values); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) SetupProject(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetProject(r.Context(), id); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	payload := job.ProjectSetupPayload{ProjectID: id}
	if err := enqueueJSON(r, h.Queue, job.TypeProjectSetup, payload); err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Protocol runs ---

func (h *Handlers) ListProtocols(w http.ResponseWriter, r *http.Request) {
	projectID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	runs, err := h.Store.ListProtocolRuns(r.Context(), projectID)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (h *Handlers) CreateProtocol(w http.ResponseWriter, r *http.Request) {
	projectID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[protocol.CreateRequest](w, r)
	if !ok {
		return
	}
	req.ProjectID = projectID
	if req.ProtocolName == "" {
		writeError(w, http.StatusBadRequest, "protocol_name is required")
		return
	}
	run, err := h.Svc.CreateProtocol(r.Context(), req)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (h *Handlers) GetProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.Store.GetProtocolRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type statusUpdate struct {
	Status string `json:"status"`
}

func (h *Handlers) UpdateProtocolStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	upd, ok := readJSON[statusUpdate](w, r)
	if !ok {
		return
	}
	status := protocol.Status(upd.Status)
	if !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown protocol status")
		return
	}
	run, err := h.Svc.SetProtocolStatus(r.Context(), id, status)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handlers) StartProtocol(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.Svc.StartProtocol(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// --- Step runs ---

func (h *Handlers) ListSteps(w http.ResponseWriter, r *http.Request) {
	protocolRunID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	steps, err := h.Store.ListStepRuns(r.Context(), protocolRunID)
	if err != nil {
		writeDomainError(w, err, "protocol run not found")
		return
	}
	writeJSON(w, http.StatusOK, steps)
}

func (h *Handlers) GetStep(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	st, err := h.Store.GetStepRun(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) ExecuteStep(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetStepRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	if err := enqueueJSON(r, h.Queue, job.TypeExecuteStep, job.ExecuteStepPayload{StepRunID: id}); err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *Handlers) RunStepQA(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.Store.GetStepRun(r.Context(), id); err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	if err := enqueueJSON(r, h.Queue, job.TypeRunQuality, job.RunQualityPayload{StepRunID: id}); err != nil {
		writeDomainError(w, err, "step run not found")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// --- Events ---

func (h *Handlers) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := event.Filter{
		ProtocolRunID: queryInt(q.Get("protocol_run_id")),
		StepRunID:     queryInt(q.Get("step_run_id")),
		ProjectID:     queryInt(q.Get("project_id")),
		EventType:     event.Type(q.Get("event_type")),
		Limit:         int(queryInt(q.Get("limit"))),
		AfterID:       queryInt(q.Get("after_id")),
	}
	events, err := h.Store.ListEvents(r.Context(), f)
	if err != nil {
		writeDomainError(w, err, "events not found")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// --- Policy packs ---

func (h *Handlers) UpsertPolicyPack(w http.ResponseWriter, r *http.Request) {
	pack, ok := readJSON[policy.Pack](w, r)
	if !ok {
		return
	}
	saved, err := h.Store.UpsertPolicyPack(r.Context(), &pack)
	if err != nil {
		writeDomainError(w, err, "policy pack not found")
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (h *Handlers) ListPolicyPacks(w http.ResponseWriter, r *http.Request) {
	packs, err := h.Store.ListPolicyPacks(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		writeDomainError(w, err, "policy packs not found")
		return
	}
	writeJSON(w, http.StatusOK, packs)
}

// --- Clarifications ---

func (h *Handlers) ListClarifications(w http.ResponseWriter, r *http.Request) {
	projectID, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	var protocolRunID *int64
	if v := queryInt(r.URL.Query().Get("protocol_run_id")); v > 0 {
		protocolRunID = &v
	}
	items, err := h.Store.ListOpenClarifications(r.Context(), projectID, protocolRunID)
	if err != nil {
		writeDomainError(w, err, "project not found")
		return
	}
	writeJSON(w, http.StatusOK, items)
}

type clarificationAnswer struct {
	Answer     string `json:"answer"`
	AnsweredBy string `json:"answered_by,omitempty"`
}

func (h *Handlers) AnswerClarification(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := readJSON[clarificationAnswer](w, r)
	if !ok {
		return
	}
	if req.Answer == "" {
		writeError(w, http.StatusBadRequest, "answer is required")
		return
	}
	c, err := h.Svc.AnswerClarification(r.Context(), id, req.Answer, req.AnsweredBy)
	if err != nil {
		writeDomainError(w, err, "clarification not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handlers) DismissClarification(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r, "id")
	if !ok {
		return
	}
	if err := h.Store.DismissClarification(r.Context(), id); err != nil {
		writeDomainError(w, err, "clarification not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Operational introspection ---

func (h *Handlers) ListEngines(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Engines.ListMetadata())
}

func (h *Handlers) QueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Queue.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err, "queue stats unavailable")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handlers) ListExecutions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("active") == "true" {
		writeJSON(w, http.StatusOK, h.Tracker.ListActive())
		return
	}
	writeJSON(w, http.StatusOK, h.Tracker.List())
}

func (h *Handlers) GetExecutionLogs(w http.ResponseWriter, r *http.Request) {
	id := urlParamString(r, "id")
	if _, ok := h.Tracker.Get(id); !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	writeJSON(w, http.StatusOK, h.Tracker.Logs(id))
}

func (h *Handlers) CancelExecution(w http.ResponseWriter, r *http.Request) {
	id := urlParamString(r, "id")
	if _, ok := h.Tracker.Get(id); !ok {
		writeError(w, http.StatusNotFound, "execution not found")
		return
	}
	h.Tracker.Cancel(id)
	w.WriteHeader(http.StatusAccepted)
}

// --- shared ---

func queryInt(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
