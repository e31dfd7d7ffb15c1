package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"

	"github.com/agentbridge/bridge/internal/auth"
	"github.com/agentbridge/bridge/internal/dispatch"
	"github.com/agentbridge/bridge/internal/metrics"
	"github.com/agentbridge/bridge/internal/quota"
	"github.com/agentbridge/bridge/internal/task"
	"github.com/agentbridge/bridge/internal/trust"
)

// Body-supplied client identities may be DIDs, so the charset is wider than
// the free-tier identifier pattern.
var clientIdentityPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,256}$`)

// admission is the outcome of the pipeline for one submission.
type admission struct {
	handle *task.Handle
	limits trust.Limits
}

// resolveIdentity runs the auth gate. Presented-but-invalid credentials are
// always rejected; a missing header is only rejected when the operator
// requires auth.
func (s *Server) resolveIdentity(r *http.Request) (*auth.Identity, *apiError) {
	ident, err := s.resolver.Resolve(r.Header.Get("Authorization"), r.Method, r.URL.Path)
	switch {
	case err == nil:
		return ident, nil
	case errors.Is(err, auth.ErrNoCredentials):
		if s.cfg.RequireAuth {
			return nil, errUnauthorized(s.resolver.Schemes())
		}
		return nil, nil
	default:
		return nil, errUnauthorized(s.resolver.Schemes())
	}
}

// requesterIdentity resolves the identity used for owner-gated lookups:
// authenticated identity first, then the x-client-did header, then a stable
// anonymous identity derived from the peer address.
func (s *Server) requesterIdentity(r *http.Request) (string, *apiError) {
	ident, apiErr := s.resolveIdentity(r)
	if apiErr != nil {
		return "", apiErr
	}
	if ident != nil {
		return ident.ID, nil
	}
	if claimed := r.Header.Get("X-Client-DID"); claimed != "" && clientIdentityPattern.MatchString(claimed) {
		return claimed, nil
	}
	return anonIdentity(r), nil
}

// admit runs the ordered pipeline for one HTTP submission: schema first,
// then auth, so a malformed body is reported as 400 even alongside a bad
// credential. Everything past auth is shared with the WebSocket surface.
func (s *Server) admit(r *http.Request, sub *task.Submission, surface string) (*admission, *apiError) {
	reject := func(e *apiError) (*admission, *apiError) {
		metrics.Admissions.WithLabelValues(surface, "rejected").Inc()
		return nil, e
	}
	if apiErr := s.validateSubmission(sub); apiErr != nil {
		return reject(apiErr)
	}
	ident, apiErr := s.resolveIdentity(r)
	if apiErr != nil {
		return reject(apiErr)
	}
	return s.admitCore(r.Context(), sub, ident, peerAddr(r), surface)
}

// admitWS admits a submission from a WebSocket frame. The identity was
// resolved once at upgrade time and applies to every frame on the connection.
func (s *Server) admitWS(sub *task.Submission, ident *auth.Identity, peer string) (*admission, *apiError) {
	if apiErr := s.validateSubmission(sub); apiErr != nil {
		metrics.Admissions.WithLabelValues("websocket", "rejected").Inc()
		return nil, apiErr
	}
	return s.admitCore(context.Background(), sub, ident, peer, "websocket")
}

// validateSubmission is the schema gate. Body size was already enforced at
// the transport.
func (s *Server) validateSubmission(sub *task.Submission) *apiError {
	if err := sub.Normalize(s.cfg.Executor.SandboxRoot); err != nil {
		var ve *task.ValidationError
		if errors.As(err, &ve) {
			return errValidation([]*task.ValidationError{ve})
		}
		return errValidation(err.Error())
	}
	return nil
}

// admitCore is the pipeline tail shared by all three surfaces, entered with
// the submission validated and the identity resolved. Gates before the final
// claim produce no observable side effects other than quota billing, which
// is the quota gate's pass action. On success the task is already
// dispatched; the notifier was armed first.
func (s *Server) admitCore(ctx context.Context, sub *task.Submission, ident *auth.Identity, peer, surface string) (*admission, *apiError) {
	reject := func(e *apiError) (*admission, *apiError) {
		metrics.Admissions.WithLabelValues(surface, "rejected").Inc()
		return nil, e
	}

	// Identity precedence: authenticated identity wins over the body.
	switch {
	case ident != nil:
		sub.ClientIdentity = ident.ID
	case sub.ClientIdentity != "" && clientIdentityPattern.MatchString(sub.ClientIdentity):
		// Keep the body-supplied identity.
	default:
		sub.ClientIdentity = "anon-" + peer
	}

	// Effective limits come from the trust tier. The operator token is not
	// metered or truncated.
	var limits trust.Limits
	if ident != nil && ident.Scheme == auth.SchemeBearer {
		limits = trust.Limits{Tier: trust.TierTrusted}
	} else {
		limits = s.trust.LimitsFor(sub.ClientIdentity)
	}

	// Free-tier quota: unauthenticated and FreeTier callers only.
	if ident == nil || ident.Scheme == auth.SchemeFreeTier {
		if err := s.limiter.Allow(sub.ClientIdentity, peer, limits.DailyTasks); err != nil {
			var le *quota.LimitError
			if errors.As(err, &le) {
				metrics.RateLimited.WithLabelValues(string(le.Scope)).Inc()
			}
			return reject(errRateLimited(err.Error()))
		}
	}

	// Escrow funding check, only when configured and referenced.
	if err := s.dispatcher.ValidateEscrow(ctx, sub); err != nil {
		var pe *dispatch.PaymentError
		if errors.As(err, &pe) {
			return reject(errPayment(pe.Reason))
		}
		return reject(errPayment(err.Error()))
	}

	// Capacity check and atomic ownership claim.
	handle, err := s.registry.Admit(sub)
	switch {
	case errors.Is(err, task.ErrCapacity):
		return reject(errCapacity())
	case errors.Is(err, task.ErrDuplicate):
		return reject(errValidation([]*task.ValidationError{{Field: "task_id", Reason: "already in use"}}))
	case err != nil:
		return reject(errValidation(err.Error()))
	}

	metrics.Admissions.WithLabelValues(surface, "admitted").Inc()
	s.dispatcher.Dispatch(sub, limits)
	return &admission{handle: handle, limits: limits}, nil
}

// anonIdentity derives a stable identity from the peer address.
func anonIdentity(r *http.Request) string {
	return "anon-" + peerAddr(r)
}

// peerAddr extracts the bare peer IP.
func peerAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
