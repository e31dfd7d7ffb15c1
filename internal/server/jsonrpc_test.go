package server

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/internal/config"
)

func rpcCall(t *testing.T, e *env, headers map[string]string, payload map[string]any) (*http.Response, map[string]any) {
	t.Helper()
	return e.do(t, http.MethodPost, "/a2a", headers, payload)
}

func rpcResult(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	require.Nil(t, body["error"], "unexpected rpc error: %v", body["error"])
	result, ok := body["result"].(map[string]any)
	require.True(t, ok, "result missing: %v", body)
	return result
}

func rpcErrorCode(t *testing.T, body map[string]any) float64 {
	t.Helper()
	errObj, ok := body["error"].(map[string]any)
	require.True(t, ok, "error missing: %v", body)
	return errObj["code"].(float64)
}

func sendParams(text string) map[string]any {
	return map[string]any{
		"message": map[string]any{
			"role": "user",
			"parts": []map[string]any{
				{"type": "text", "text": text},
			},
		},
	}
}

func TestRPCEnvelopeValidation(t *testing.T) {
	e := newEnv(t, false, nil)

	cases := []map[string]any{
		{"id": 1, "method": "message/send"},                      // missing jsonrpc
		{"jsonrpc": "1.0", "id": 1, "method": "message/send"},    // wrong version
		{"jsonrpc": "2.0", "method": "message/send"},             // missing id
		{"jsonrpc": "2.0", "id": 1},                              // missing method
	}
	for i, payload := range cases {
		resp, body := rpcCall(t, e, nil, payload)
		require.Equal(t, http.StatusOK, resp.StatusCode, "case %d travels over HTTP 200", i)
		assert.Equal(t, float64(-32600), rpcErrorCode(t, body), "case %d", i)
	}
}

func TestRPCUnknownMethod(t *testing.T) {
	e := newEnv(t, false, nil)

	resp, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tasks/stream",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(-32601), rpcErrorCode(t, body))
}

func TestRPCMessageSendCompletes(t *testing.T) {
	e := newEnv(t, false, nil)

	resp, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": "req-1", "method": "message/send",
		"params": sendParams("translate this"),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "req-1", body["id"])

	result := rpcResult(t, body)
	status := result["status"].(map[string]any)
	assert.Equal(t, "completed", status["state"])

	artifacts := result["artifacts"].([]any)
	require.Len(t, artifacts, 1)
	parts := artifacts[0].(map[string]any)["parts"].([]any)
	assert.Equal(t, "translate this", parts[0].(map[string]any)["text"])
}

func TestRPCMessageSendConcatenatesTextParts(t *testing.T) {
	e := newEnv(t, false, nil)

	params := map[string]any{
		"message": map[string]any{
			"parts": []map[string]any{
				{"kind": "text", "text": "hello "},
				{"type": "image", "text": "ignored"},
				{"type": "text", "text": "world"},
			},
		},
	}
	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "message/send", "params": params,
	})
	result := rpcResult(t, body)
	parts := result["artifacts"].([]any)[0].(map[string]any)["parts"].([]any)
	assert.Equal(t, "hello world", parts[0].(map[string]any)["text"])
}

func TestRPCMessageSendWithoutText(t *testing.T) {
	e := newEnv(t, false, nil)

	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "message/send",
		"params": map[string]any{"message": map[string]any{"parts": []map[string]any{}}},
	})
	assert.Equal(t, float64(-32602), rpcErrorCode(t, body))
}

func TestRPCMessageSendStillWorkingPastDeadline(t *testing.T) {
	e := newEnv(t, false, func(cfg *config.Config) { cfg.SyncWaitSeconds = 1 })
	e.exec.Delay = 3 * time.Second

	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 4, "method": "message/send", "params": sendParams("slow"),
	})
	result := rpcResult(t, body)
	status := result["status"].(map[string]any)
	assert.Equal(t, "working", status["state"])
	assert.NotEmpty(t, result["taskId"])
}

func TestRPCMessageSendQuotaKeepsTransportStatus(t *testing.T) {
	e := newEnv(t, false, nil)
	headers := map[string]string{"Authorization": "FreeTier rpc-quota"}

	for i := 0; i < 10; i++ {
		resp, _ := rpcCall(t, e, headers, map[string]any{
			"jsonrpc": "2.0", "id": i, "method": "message/send", "params": sendParams("x"),
		})
		require.Equal(t, http.StatusOK, resp.StatusCode, "request %d", i)
	}

	resp, body := rpcCall(t, e, headers, map[string]any{
		"jsonrpc": "2.0", "id": 11, "method": "message/send", "params": sendParams("x"),
	})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMITED", body["code"])
}

func TestRPCTasksGetLifecycle(t *testing.T) {
	e := newEnv(t, false, nil)
	e.exec.Delay = 150 * time.Millisecond

	_, _ = e.do(t, http.MethodPost, "/task", nil, submission("rpc-t1"))

	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tasks/get", "params": map[string]any{"id": "rpc-t1"},
	})
	result := rpcResult(t, body)
	assert.Equal(t, "working", result["status"].(map[string]any)["state"])

	require.Eventually(t, func() bool {
		_, body = rpcCall(t, e, nil, map[string]any{
			"jsonrpc": "2.0", "id": 2, "method": "tasks/get", "params": map[string]any{"id": "rpc-t1"},
		})
		result = rpcResult(t, body)
		return result["status"].(map[string]any)["state"] == "completed"
	}, 2*time.Second, 25*time.Millisecond)
	assert.Equal(t, "rpc-t1", result["id"])
}

func TestRPCTasksGetUnknownAndForeign(t *testing.T) {
	e := newEnv(t, false, nil)

	// Unknown id.
	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tasks/get", "params": map[string]any{"id": "ghost"},
	})
	assert.Equal(t, float64(-32001), rpcErrorCode(t, body))

	// Someone else's task reports the same error; existence stays hidden.
	_, _ = e.do(t, http.MethodPost, "/task?wait=true",
		map[string]string{"Authorization": "FreeTier alice"}, submission("private-1"))
	_, body = rpcCall(t, e, map[string]string{"Authorization": "FreeTier mallory"}, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tasks/get", "params": map[string]any{"id": "private-1"},
	})
	assert.Equal(t, float64(-32001), rpcErrorCode(t, body))
}

func TestRPCTasksCancel(t *testing.T) {
	e := newEnv(t, false, nil)
	e.exec.Delay = time.Minute

	headers := map[string]string{"Authorization": "FreeTier alice"}
	_, _ = e.do(t, http.MethodPost, "/task", headers, submission("rpc-c1"))

	_, body := rpcCall(t, e, headers, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tasks/cancel", "params": map[string]any{"id": "rpc-c1"},
	})
	result := rpcResult(t, body)
	assert.Equal(t, "cancelled", result["status"].(map[string]any)["state"])

	// Cancelling again, or an unknown id, is TaskNotCancellable.
	_, body = rpcCall(t, e, headers, map[string]any{
		"jsonrpc": "2.0", "id": 2, "method": "tasks/cancel", "params": map[string]any{"id": "rpc-c1"},
	})
	assert.Equal(t, float64(-32002), rpcErrorCode(t, body))

	_, body = rpcCall(t, e, headers, map[string]any{
		"jsonrpc": "2.0", "id": 3, "method": "tasks/cancel", "params": map[string]any{"id": "never-was"},
	})
	assert.Equal(t, float64(-32002), rpcErrorCode(t, body))
}

func TestRPCAgentDescribe(t *testing.T) {
	e := newEnv(t, false, nil)

	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "agent/describe",
	})
	result := rpcResult(t, body)
	assert.Equal(t, "test-agent", result["name"])
	assert.NotEmpty(t, result["skills"])
}

func TestRPCAgentStatus(t *testing.T) {
	e := newEnv(t, false, nil)

	_, body := rpcCall(t, e, nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "agent/status",
	})
	result := rpcResult(t, body)
	assert.Equal(t, "ok", result["status"])
	assert.Contains(t, result["protocols"], "jsonrpc")
}

func TestRootPathServesJSONRPC(t *testing.T) {
	e := newEnv(t, false, nil)

	resp, body := e.do(t, http.MethodPost, "/", nil, map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "agent/status",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	rpcResult(t, body)
}
