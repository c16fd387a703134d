package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/openagents/control/pkg/apierr"
	"github.com/openagents/control/pkg/authority"
	"github.com/openagents/control/pkg/gateway"
	"github.com/openagents/control/pkg/khala"
	"github.com/openagents/control/pkg/marketplace"
	"github.com/openagents/control/pkg/merkle"
	"github.com/openagents/control/pkg/projector"
	"github.com/openagents/control/pkg/treasury"
	"github.com/openagents/control/pkg/workerregistry"
)

type runtimeServices struct {
	authorityDB authority.Store
	projector   *projector.Projector
	bus         *khala.Bus
	stream      *khala.StreamHandler
	registry    *workerregistry.Registry
	dispatcher  *marketplace.Dispatcher
	treasury    *treasury.Treasury
}

func decodeJSON(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return apierr.New(apierr.InvalidRequest, "request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apierr.New(apierr.InvalidRequest, "malformed JSON body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeServiceErr(w http.ResponseWriter, err error) {
	if apiErr, ok := err.(*apierr.Error); ok {
		apierr.Write(w, apiErr)
		return
	}
	apierr.WriteInternal(w, err)
}

func (s *runtimeServices) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID *string                `json:"worker_id"`
		Metadata map[string]interface{} `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	run, err := s.authorityDB.StartRun(r.Context(), req.WorkerID, req.Metadata)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	for _, ev := range run.Events {
		s.projector.Fold(run.RunID, ev)
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *runtimeServices) handleAppendEvent(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	var req struct {
		EventType      string                 `json:"event_type"`
		Payload        map[string]interface{} `json:"payload"`
		IdempotencyKey string                 `json:"idempotency_key"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	run, err := s.authorityDB.Append(r.Context(), runID, authority.AppendRequest{
		EventType:      req.EventType,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	if len(run.Events) > 0 {
		s.projector.Fold(run.RunID, run.Events[len(run.Events)-1])
	}
	_, err = s.bus.Publish("run:"+runID+":events", run.Events[len(run.Events)-1], len(req.EventType), time.Now())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *runtimeServices) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	run, err := s.authorityDB.Get(r.Context(), runID)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *runtimeServices) handleKhalaMessages(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	principal := gateway.IdentityKeyFunc(r)
	result, err := s.bus.Poll(principal, topic, afterSeq, limit, time.Now())
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *runtimeServices) handleKhalaStream(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	afterSeq, _ := strconv.ParseUint(r.URL.Query().Get("after_seq"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	principal := gateway.IdentityKeyFunc(r)
	s.stream.ServeWS(w, r, principal, topic, afterSeq, limit)
}

func (s *runtimeServices) handleRegisterWorker(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner        string                 `json:"owner"`
		Roles        []string               `json:"roles"`
		Capabilities []string               `json:"capabilities"`
		Metadata     map[string]interface{} `json:"metadata"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	snap, err := s.registry.RegisterWorker(r.Context(), workerregistry.RegisterRequest{
		Owner:        req.Owner,
		Roles:        req.Roles,
		Capabilities: req.Capabilities,
		Metadata:     req.Metadata,
	})
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, snap)
}

func (s *runtimeServices) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	workerID := r.PathValue("id")
	var req struct {
		Owner string                 `json:"owner"`
		Patch map[string]interface{} `json:"patch"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	snap, err := s.registry.Heartbeat(workerID, req.Owner, req.Patch)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *runtimeServices) handleDispatchSandboxRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner      string                        `json:"owner"`
		Capability string                        `json:"capability"`
		Request    marketplace.SandboxRunRequest `json:"request"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	worker, resp, err := s.dispatcher.Dispatch(r.Context(), req.Owner, req.Capability, req.Request)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker":   worker,
		"response": resp,
	})
}

func (s *runtimeServices) handleSettleSandboxRun(w http.ResponseWriter, r *http.Request) {
	var req treasury.SettleSandboxRunRequest
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	result, err := s.treasury.SettleSandboxRun(r.Context(), req)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleVerifySandboxRun runs verify_sandbox_run standalone, without a
// settlement side effect, for callers that only need the verdict.
func (s *runtimeServices) handleVerifySandboxRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Request  marketplace.SandboxRunRequest  `json:"request"`
		Response marketplace.SandboxRunResponse `json:"response"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	result := treasury.VerifySandboxRun(req.Request, req.Response)
	writeJSON(w, http.StatusOK, result)
}

// handleVerifyRepoIndex recomputes the Merkle tree over a reported file
// listing and compares it against the caller's expected tree_sha256.
func (s *runtimeServices) handleVerifyRepoIndex(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TreeSHA256 string             `json:"tree_sha256"`
		Files      []merkle.FileEntry `json:"files"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.Write(w, err.(*apierr.Error))
		return
	}
	result, err := treasury.VerifyRepoIndex(req.TreeSHA256, req.Files)
	if err != nil {
		writeServiceErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
