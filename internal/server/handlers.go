package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/agentbridge/bridge/internal/task"
)

// decodeBody decodes a JSON body under the transport size limit, mapping an
// oversize body to 413 and malformed JSON to 400.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) *apiError {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge()
		}
		return errValidation(fmt.Sprintf("malformed JSON body: %v", err))
	}
	return nil
}

// handleSubmitTask serves POST /task. ?wait=true blocks until completion or
// the sync deadline; otherwise the caller polls the Location header.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub task.Submission
	if apiErr := decodeBody(w, r, &sub); apiErr != nil {
		writeError(w, apiErr)
		return
	}

	adm, apiErr := s.admit(r, &sub, "rest")
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		if rec, ok := adm.handle.Wait(s.syncWait); ok {
			writeJSON(w, http.StatusOK, rec)
			return
		}
	}

	w.Header().Set("Location", "/task/"+sub.TaskID)
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": sub.TaskID,
		"status":  "running",
	})
}

// handleGetTask serves GET /task/{id}, owner-gated.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	requester, apiErr := s.requesterIdentity(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	rec, running, err := s.registry.Lookup(taskID, requester)
	switch {
	case errors.Is(err, task.ErrForbidden):
		writeError(w, errForbidden())
	case errors.Is(err, task.ErrNotFound):
		writeError(w, errNotFound())
	case running:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": "running"})
	default:
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleCancelTask serves DELETE /task/{id}, owner-gated. Cancelling a
// terminal task is a 404 on the REST surface.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := mux.Vars(r)["id"]
	requester, apiErr := s.requesterIdentity(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	err := s.dispatcher.Cancel(taskID, requester)
	switch {
	case errors.Is(err, task.ErrForbidden):
		writeError(w, errForbidden())
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrNotCancellable):
		writeError(w, errNotFound())
	case err != nil:
		writeError(w, errValidation(err.Error()))
	default:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "status": string(task.StatusCancelled)})
	}
}

// handleSandbox serves the public trial endpoint: hardcoded 500-char prompt
// and output caps, 3 requests per hour per peer, never touches the registry
// or the free-tier quota.
func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request) {
	peer := peerAddr(r)
	if !s.sandboxLimiter.Allow(peer) {
		writeError(w, errRateLimited("sandbox trial limited to 3 requests per hour"))
		return
	}

	var req struct {
		Prompt string `json:"prompt"`
	}
	if apiErr := decodeBody(w, r, &req); apiErr != nil {
		writeError(w, apiErr)
		return
	}
	if req.Prompt == "" || len(req.Prompt) > sandboxMaxChars {
		writeError(w, errValidation([]*task.ValidationError{{
			Field:  "prompt",
			Reason: fmt.Sprintf("must be 1-%d characters", sandboxMaxChars),
		}}))
		return
	}

	sub := &task.Submission{
		TaskID:         task.NewTaskID(),
		Kind:           "prompt",
		Prompt:         req.Prompt,
		ClientIdentity: "sandbox-" + peer,
		TimeoutSeconds: sandboxTimeoutSec,
	}
	res := s.exec.Execute(r.Context(), sub)

	output := res.Output
	if len(output) > sandboxMaxChars {
		output = output[:sandboxMaxChars]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      string(res.Status),
		"output":      output,
		"error":       res.Error,
		"duration_ms": res.DurationMS,
	})
}

// handleHealth reports liveness; an authenticated caller gets operational
// detail.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ident, _ := s.resolveIdentity(r)
	if ident == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	mode := "free"
	if s.dispatcher.EscrowConfigured() {
		mode = "escrow"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"agent":  s.cfg.Agent.Name,
		"mode":   mode,
	})
}
