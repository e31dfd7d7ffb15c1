package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentbridge/bridge/internal/directory"
)

// withUpstream points the server's directory client at a fake node.
func withUpstream(t *testing.T, e *env, handler http.HandlerFunc) {
	t.Helper()
	upstream := httptest.NewServer(handler)
	t.Cleanup(upstream.Close)

	client, err := directory.NewClient(upstream.URL)
	require.NoError(t, err)
	e.srv.directory = client
}

func TestDiscoveryWithoutNodeIs503(t *testing.T) {
	e := newEnv(t, false, nil)

	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodGet, "/discovery/agents"},
		{http.MethodGet, "/discovery/agents/did:key:x"},
		{http.MethodPost, "/discovery/search"},
	} {
		resp, body := e.do(t, probe.method, probe.path, nil, map[string]any{})
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, probe.path)
		assert.Equal(t, "UNAVAILABLE", body["code"])
	}
}

func TestDiscoveryAgentsProxies(t *testing.T) {
	e := newEnv(t, false, nil)
	var gotQuery string
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Write([]byte(`{"agents":[{"did":"did:key:one"}]}`))
	})

	resp, body := e.do(t, http.MethodGet,
		"/discovery/agents?capability=prompt&minTrust=0.7&maxPrice=2.5&limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["agents"].([]any), 1)
	assert.Contains(t, gotQuery, "capability=prompt")
	assert.Contains(t, gotQuery, "minTrust=0.7")
	assert.Contains(t, gotQuery, "maxPrice=2.5")
}

func TestDiscoveryAgentsValidatesLimit(t *testing.T) {
	e := newEnv(t, false, nil)
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})

	for _, limit := range []string{"abc", "0", "-3"} {
		resp, body := e.do(t, http.MethodGet, "/discovery/agents?limit="+limit, nil, nil)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "limit %q", limit)
		assert.Equal(t, "VALIDATION_ERROR", body["code"])
	}
}

func TestDiscoveryAgentNotFoundPassesThrough(t *testing.T) {
	e := newEnv(t, false, nil)
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown agent", http.StatusNotFound)
	})

	resp, body := e.do(t, http.MethodGet, "/discovery/agents/did:key:ghost", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestDiscoveryUpstreamErrorIs502(t *testing.T) {
	e := newEnv(t, false, nil)
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})

	resp, body := e.do(t, http.MethodGet, "/discovery/agents", nil, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "BAD_GATEWAY", body["code"])
}

func TestDiscoveryUnreachableUpstreamIs503(t *testing.T) {
	e := newEnv(t, false, nil)
	client, err := directory.NewClient("http://127.0.0.1:1")
	require.NoError(t, err)
	e.srv.directory = client

	resp, body := e.do(t, http.MethodGet, "/discovery/agents", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "UNAVAILABLE", body["code"])
}

func TestDiscoverySearchForwardsBody(t *testing.T) {
	e := newEnv(t, false, nil)
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Write([]byte(`{"results":[]}`))
	})

	resp, body := e.do(t, http.MethodPost, "/discovery/search", nil, map[string]any{"q": "translate"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "results")
}

func TestTrustLookupLocalOnly(t *testing.T) {
	e := newEnv(t, false, nil)
	e.trust.RecordOutcome("did:key:seen", true)

	resp, body := e.do(t, http.MethodGet, "/trust/did:key:seen", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "did:key:seen", body["did"])
	assert.Nil(t, body["network"])

	local := body["local"].(map[string]any)
	assert.Equal(t, float64(1), local["completedTasks"])
}

func TestTrustLookupMergesNetwork(t *testing.T) {
	e := newEnv(t, false, nil)
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"score":0.92}`))
	})

	resp, body := e.do(t, http.MethodGet, "/trust/did:key:remote", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["local"], "never observed locally")

	network := body["network"].(map[string]any)
	assert.Equal(t, 0.92, network["score"])
}

func TestTrustLookupNetworkMissIsNull(t *testing.T) {
	e := newEnv(t, false, nil)
	withUpstream(t, e, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no record", http.StatusNotFound)
	})

	resp, body := e.do(t, http.MethodGet, "/trust/did:key:unknown", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["network"])
}
