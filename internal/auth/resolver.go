// Package auth resolves caller identities from the Authorization header.
// Three schemes are accepted, tried in order: static bearer token,
// DID signature, and the zero-crypto free tier.
package auth

import (
	"crypto/ed25519"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/multiformats/go-multibase"
)

// Scheme identifies how a caller authenticated.
type Scheme string

const (
	SchemeNone     Scheme = ""
	SchemeBearer   Scheme = "bearer"
	SchemeDID      Scheme = "did"
	SchemeFreeTier Scheme = "free-tier"
)

// Identity is a resolved caller.
type Identity struct {
	ID     string
	Scheme Scheme
}

var (
	// ErrNoCredentials means no Authorization header was presented.
	ErrNoCredentials = errors.New("no credentials presented")
	// ErrInvalidCredentials means a header was presented but did not verify.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DID signature timestamps must fall inside [now-maxAge, now+maxSkew].
const (
	didMaxAge  = 300 * time.Second
	didMaxSkew = 30 * time.Second
)

var freeTierPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

// Resolver authenticates requests against the operator's static token and
// the supported DID methods.
type Resolver struct {
	bearerToken string
	now         func() time.Time
}

// NewResolver creates a resolver. bearerToken may be empty, which disables
// the bearer scheme.
func NewResolver(bearerToken string) *Resolver {
	return &Resolver{bearerToken: bearerToken, now: time.Now}
}

// Schemes lists the schemes this resolver accepts, for 401 help bodies.
func (r *Resolver) Schemes() []string {
	schemes := []string{"DID", "FreeTier"}
	if r.bearerToken != "" {
		schemes = append([]string{"Bearer"}, schemes...)
	}
	return schemes
}

// Resolve parses the Authorization header. method and path feed the DID
// signature payload. A missing header returns ErrNoCredentials; a present
// but unverifiable one returns ErrInvalidCredentials.
func (r *Resolver) Resolve(header, method, path string) (*Identity, error) {
	if header == "" {
		return nil, ErrNoCredentials
	}
	scheme, rest, found := strings.Cut(header, " ")
	if !found {
		return nil, ErrInvalidCredentials
	}
	rest = strings.TrimSpace(rest)

	switch scheme {
	case "Bearer":
		if r.bearerToken == "" || !ConstantTimeTokenEqual(rest, r.bearerToken) {
			return nil, ErrInvalidCredentials
		}
		return &Identity{ID: "operator", Scheme: SchemeBearer}, nil
	case "DID":
		did, err := r.verifyDID(rest, method, path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
		}
		return &Identity{ID: did, Scheme: SchemeDID}, nil
	case "FreeTier":
		if !freeTierPattern.MatchString(rest) {
			return nil, fmt.Errorf("%w: malformed free-tier identifier", ErrInvalidCredentials)
		}
		return &Identity{ID: rest, Scheme: SchemeFreeTier}, nil
	default:
		return nil, ErrInvalidCredentials
	}
}

// ConstantTimeTokenEqual compares the received token against the configured
// one. Its running time depends only on len(got): on a length mismatch a
// dummy compare over len(got) bytes is still performed before returning.
func ConstantTimeTokenEqual(got, want string) bool {
	if len(got) == len(want) {
		return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
	}
	dummy := make([]byte, len(got))
	subtle.ConstantTimeCompare([]byte(got), dummy)
	return false
}

// verifyDID checks a header of the form <did>:<unix-ts>:<base64url-sig>,
// where the signature covers "<ts>:<METHOD>:<path>".
func (r *Resolver) verifyDID(value, method, path string) (string, error) {
	// The DID itself contains colons, so split from the right.
	lastSep := strings.LastIndex(value, ":")
	if lastSep < 0 {
		return "", errors.New("malformed DID authorization")
	}
	sigPart := value[lastSep+1:]
	prefix := value[:lastSep]
	tsSep := strings.LastIndex(prefix, ":")
	if tsSep < 0 {
		return "", errors.New("malformed DID authorization")
	}
	did := prefix[:tsSep]
	tsPart := prefix[tsSep+1:]

	ts, err := strconv.ParseInt(tsPart, 10, 64)
	if err != nil {
		return "", errors.New("malformed timestamp")
	}
	now := r.now()
	signedAt := time.Unix(ts, 0)
	if signedAt.Before(now.Add(-didMaxAge)) || signedAt.After(now.Add(didMaxSkew)) {
		return "", errors.New("signature timestamp outside acceptance window")
	}

	pub, err := publicKeyFromDID(did)
	if err != nil {
		return "", err
	}

	sig, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(sigPart, "="))
	if err != nil {
		return "", errors.New("malformed signature encoding")
	}

	payload := fmt.Sprintf("%s:%s:%s", tsPart, method, path)
	if !ed25519.Verify(pub, []byte(payload), sig) {
		return "", errors.New("signature verification failed")
	}
	return did, nil
}

// Multicodec prefix for an Ed25519 public key inside a did:key identifier.
var ed25519Multicodec = []byte{0xED, 0x01}

// publicKeyFromDID extracts the Ed25519 key embedded in a did:key identifier.
func publicKeyFromDID(did string) (ed25519.PublicKey, error) {
	const keyPrefix = "did:key:"
	if !strings.HasPrefix(did, keyPrefix) {
		return nil, fmt.Errorf("unsupported DID method in %q", did)
	}
	encoding, raw, err := multibase.Decode(did[len(keyPrefix):])
	if err != nil {
		return nil, fmt.Errorf("multibase decode: %v", err)
	}
	if encoding != multibase.Base58BTC {
		return nil, errors.New("did:key must be base58btc encoded")
	}
	if len(raw) != len(ed25519Multicodec)+ed25519.PublicKeySize ||
		raw[0] != ed25519Multicodec[0] || raw[1] != ed25519Multicodec[1] {
		return nil, errors.New("did:key does not embed an Ed25519 public key")
	}
	return ed25519.PublicKey(raw[2:]), nil
}

// ValidFreeTierID reports whether id is acceptable as a free-tier or
// body-supplied client identity.
func ValidFreeTierID(id string) bool {
	return freeTierPattern.MatchString(id)
}
