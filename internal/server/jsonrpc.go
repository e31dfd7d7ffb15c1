package server

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentbridge/bridge/internal/task"
)

// JSON-RPC 2.0 codes. The application codes follow the A2A dialect.
const (
	rpcInvalidRequest     = -32600
	rpcMethodNotFound     = -32601
	rpcInvalidParams      = -32602
	rpcTaskNotFound       = -32001
	rpcTaskNotCancellable = -32002
)

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// a2aMessage is the inbound message/send params shape.
type a2aMessage struct {
	Message struct {
		Role  string `json:"role"`
		Parts []struct {
			Type string `json:"type"`
			Kind string `json:"kind"`
			Text string `json:"text"`
		} `json:"parts"`
	} `json:"message"`
	Metadata struct {
		Kind      string `json:"kind"`
		EscrowRef string `json:"escrow_ref"`
	} `json:"metadata"`
}

// a2aStatus mirrors the task's terminal status (or "working" while pending).
type a2aStatus struct {
	State     string `json:"state"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

type a2aPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type a2aArtifact struct {
	ID    string    `json:"id"`
	Parts []a2aPart `json:"parts"`
}

type a2aTask struct {
	ID        string        `json:"id"`
	TaskID    string        `json:"taskId,omitempty"`
	Status    a2aStatus     `json:"status"`
	Artifacts []a2aArtifact `json:"artifacts,omitempty"`
}

func newA2AID() string {
	var b [4]byte
	rand.Read(b[:])
	return fmt.Sprintf("a2a-%d-%s", time.Now().UnixNano(), hex.EncodeToString(b[:]))
}

// handleJSONRPC serves POST / and POST /a2a. Envelope and method errors are
// JSON-RPC errors over HTTP 200; transport concerns (auth, quota, payment)
// keep their HTTP status.
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req rpcRequest
	if apiErr := decodeBody(w, r, &req); apiErr != nil {
		if apiErr.Status == http.StatusRequestEntityTooLarge {
			writeError(w, apiErr)
			return
		}
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			Error:   &rpcError{Code: rpcInvalidRequest, Message: "invalid JSON-RPC envelope"},
		})
		return
	}

	if req.JSONRPC != "2.0" || len(req.ID) == 0 || req.Method == "" {
		writeJSON(w, http.StatusOK, rpcResponse{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &rpcError{Code: rpcInvalidRequest, Message: "envelope must carry jsonrpc 2.0, id and method"},
		})
		return
	}

	switch req.Method {
	case "message/send":
		s.rpcMessageSend(w, r, &req)
	case "tasks/get":
		s.rpcTasksGet(w, r, &req)
	case "tasks/cancel":
		s.rpcTasksCancel(w, r, &req)
	case "agent/describe":
		s.rpcReply(w, &req, s.capabilityCard(), nil)
	case "agent/status":
		s.rpcReply(w, &req, map[string]any{
			"status":         "ok",
			"uptime_seconds": int(s.Uptime().Seconds()),
			"protocols":      []string{"rest", "jsonrpc", "websocket"},
			"active_tasks":   s.registry.ActiveCount(),
		}, nil)
	default:
		s.rpcReply(w, &req, nil, &rpcError{Code: rpcMethodNotFound, Message: "method not found: " + req.Method})
	}
}

func (s *Server) rpcReply(w http.ResponseWriter, req *rpcRequest, result any, rpcErr *rpcError) {
	writeJSON(w, http.StatusOK, rpcResponse{JSONRPC: "2.0", ID: req.ID, Result: result, Error: rpcErr})
}

// rpcMessageSend admits a prompt task and always waits synchronously. The
// completed output is wrapped in an artifact whose status mirrors the
// terminal state.
func (s *Server) rpcMessageSend(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var params a2aMessage
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil {
		s.rpcReply(w, req, nil, &rpcError{Code: rpcInvalidParams, Message: "params.message is required"})
		return
	}

	var text strings.Builder
	for _, part := range params.Message.Parts {
		if part.Type == "text" || part.Kind == "text" {
			text.WriteString(part.Text)
		}
	}
	if text.Len() == 0 {
		s.rpcReply(w, req, nil, &rpcError{Code: rpcInvalidParams, Message: "message carries no text parts"})
		return
	}

	kind := params.Metadata.Kind
	if kind == "" {
		kind = "prompt"
	}
	sub := &task.Submission{
		Kind:      kind,
		Prompt:    text.String(),
		EscrowRef: params.Metadata.EscrowRef,
	}

	adm, apiErr := s.admit(r, sub, "jsonrpc")
	if apiErr != nil {
		if apiErr.Status == http.StatusBadRequest {
			s.rpcReply(w, req, nil, &rpcError{Code: rpcInvalidParams, Message: apiErr.Message, Data: apiErr.Details})
			return
		}
		// Auth, quota, payment and capacity keep their transport status.
		writeError(w, apiErr)
		return
	}

	rec, ok := adm.handle.Wait(s.syncWait)
	if !ok {
		s.rpcReply(w, req, a2aTask{
			ID:     newA2AID(),
			TaskID: sub.TaskID,
			Status: a2aStatus{State: "working", Timestamp: time.Now().UTC().Format(time.RFC3339)},
		}, nil)
		return
	}
	s.rpcReply(w, req, a2aTaskFrom(sub.TaskID, rec), nil)
}

func a2aTaskFrom(taskID string, rec *task.Completed) a2aTask {
	out := a2aTask{
		ID:     newA2AID(),
		TaskID: taskID,
		Status: a2aStatus{
			State:     string(rec.Status),
			Message:   rec.Error,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	}
	if rec.Status == task.StatusCompleted {
		out.Artifacts = []a2aArtifact{{
			ID:    "artifact-" + uuid.NewString(),
			Parts: []a2aPart{{Type: "text", Text: rec.Output}},
		}}
	}
	return out
}

type rpcTaskRef struct {
	ID string `json:"id"`
}

// rpcTasksGet maps pending tasks to "working" and completed tasks to their
// terminal state. Unknown ids, including tasks owned by someone else, are
// TaskNotFound.
func (s *Server) rpcTasksGet(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var params rpcTaskRef
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.ID == "" {
		s.rpcReply(w, req, nil, &rpcError{Code: rpcInvalidParams, Message: "params.id is required"})
		return
	}

	requester, apiErr := s.requesterIdentity(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	rec, running, err := s.registry.Lookup(params.ID, requester)
	switch {
	case err != nil:
		s.rpcReply(w, req, nil, &rpcError{Code: rpcTaskNotFound, Message: "TaskNotFound"})
	case running:
		s.rpcReply(w, req, a2aTask{
			ID:     params.ID,
			Status: a2aStatus{State: "working", Timestamp: time.Now().UTC().Format(time.RFC3339)},
		}, nil)
	default:
		out := a2aTaskFrom(params.ID, rec)
		out.ID = params.ID
		s.rpcReply(w, req, out, nil)
	}
}

// rpcTasksCancel cancels an owned, still-pending task. An unknown id is
// reported as TaskNotCancellable per the A2A dialect.
func (s *Server) rpcTasksCancel(w http.ResponseWriter, r *http.Request, req *rpcRequest) {
	var params rpcTaskRef
	if len(req.Params) == 0 || json.Unmarshal(req.Params, &params) != nil || params.ID == "" {
		s.rpcReply(w, req, nil, &rpcError{Code: rpcInvalidParams, Message: "params.id is required"})
		return
	}

	requester, apiErr := s.requesterIdentity(r)
	if apiErr != nil {
		writeError(w, apiErr)
		return
	}

	err := s.dispatcher.Cancel(params.ID, requester)
	switch {
	case errors.Is(err, task.ErrForbidden):
		s.rpcReply(w, req, nil, &rpcError{Code: rpcTaskNotFound, Message: "TaskNotFound"})
	case errors.Is(err, task.ErrNotFound), errors.Is(err, task.ErrNotCancellable):
		s.rpcReply(w, req, nil, &rpcError{Code: rpcTaskNotCancellable, Message: "TaskNotCancellable"})
	case err != nil:
		s.rpcReply(w, req, nil, &rpcError{Code: rpcInvalidParams, Message: err.Error()})
	default:
		s.rpcReply(w, req, a2aTask{
			ID:     params.ID,
			Status: a2aStatus{State: string(task.StatusCancelled), Timestamp: time.Now().UTC().Format(time.RFC3339)},
		}, nil)
	}
}
