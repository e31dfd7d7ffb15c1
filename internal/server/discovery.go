package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/agentbridge/bridge/internal/directory"
	"github.com/agentbridge/bridge/internal/task"
)

// proxyError maps directory client failures onto the REST error contract:
// unreachable upstream is 503, upstream 404 passes through, anything else
// non-2xx is 502.
func proxyError(err error) *apiError {
	var se *directory.StatusError
	switch {
	case errors.As(err, &se) && se.Status == http.StatusNotFound:
		return errNotFound()
	case errors.Is(err, directory.ErrUnavailable):
		return errUnavailable("directory service unreachable")
	default:
		return errBadGateway("directory service error")
	}
}

func (s *Server) directoryReady(w http.ResponseWriter) bool {
	if s.directory == nil {
		writeError(w, errUnavailable("no directory node configured"))
		return false
	}
	return true
}

func writeRaw(w http.ResponseWriter, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

// handleDiscoveryAgents proxies GET /discovery/agents. Query parameters pass
// through after light validation.
func (s *Server) handleDiscoveryAgents(w http.ResponseWriter, r *http.Request) {
	if !s.directoryReady(w) {
		return
	}

	query := url.Values{}
	for _, key := range []string{"capability", "q", "minTrust", "maxPrice", "limit", "offset"} {
		if v := r.URL.Query().Get(key); v != "" {
			query.Set(key, v)
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err != nil || n < 1 {
			writeError(w, errValidation([]*task.ValidationError{{
				Field:  "limit",
				Reason: "must be a positive integer",
			}}))
			return
		}
	}

	raw, err := s.directory.Agents(r.Context(), query)
	if err != nil {
		writeError(w, proxyError(err))
		return
	}
	writeRaw(w, raw)
}

// handleDiscoveryAgent proxies GET /discovery/agents/{did}.
func (s *Server) handleDiscoveryAgent(w http.ResponseWriter, r *http.Request) {
	if !s.directoryReady(w) {
		return
	}

	raw, err := s.directory.Agent(r.Context(), mux.Vars(r)["did"])
	if err != nil {
		writeError(w, proxyError(err))
		return
	}
	writeRaw(w, raw)
}

// handleDiscoverySearch proxies POST /discovery/search with the body
// forwarded verbatim under the usual size limit.
func (s *Server) handleDiscoverySearch(w http.ResponseWriter, r *http.Request) {
	if !s.directoryReady(w) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, errBodyTooLarge())
			return
		}
		writeError(w, errValidation("unreadable request body"))
		return
	}
	if !json.Valid(body) {
		writeError(w, errValidation("body must be a JSON document"))
		return
	}

	raw, err := s.directory.Search(r.Context(), body)
	if err != nil {
		writeError(w, proxyError(err))
		return
	}
	writeRaw(w, raw)
}

// handleTrustLookup combines the locally observed trust profile with the
// network-side record. The local half is always served; the network half is
// null when no node is configured or the upstream has no record.
func (s *Server) handleTrustLookup(w http.ResponseWriter, r *http.Request) {
	did := mux.Vars(r)["did"]

	out := map[string]any{
		"did":     did,
		"local":   s.trust.ProfileFor(did),
		"network": nil,
	}
	if s.directory != nil {
		raw, err := s.directory.Trust(r.Context(), did)
		switch {
		case err == nil:
			out["network"] = raw
		case errors.Is(err, directory.ErrUnavailable):
			writeError(w, errUnavailable("directory service unreachable"))
			return
		default:
			var se *directory.StatusError
			if !errors.As(err, &se) || se.Status != http.StatusNotFound {
				writeError(w, errBadGateway("directory service error"))
				return
			}
		}
	}
	writeJSON(w, http.StatusOK, out)
}
