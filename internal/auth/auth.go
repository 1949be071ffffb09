// Package auth attaches a verified principal to each WebSocket connection
// before any non-ping frame is processed. The mechanism is pluggable; the
// runtime only requires that some principal, possibly anonymous, is bound
// at upgrade time.
package auth

import (
	"net/http"
)

// Principal represents the verified identity of a connection.
type Principal struct {
	Subject   string         // "key:xxx" or "anonymous"
	KeyID     string         // signing key id (empty for anonymous)
	Anonymous bool
	Claims    map[string]any // verifier metadata
}

// Anonymous is the principal attached when no auth plugin is enabled.
var Anonymous = &Principal{Subject: "anonymous", Anonymous: true}

// Authenticator is the interface for authentication providers.
type Authenticator interface {
	// Authenticate attempts to authenticate the upgrade request.
	// Returns a Principal if successful, nil otherwise.
	Authenticate(r *http.Request) *Principal
}

// Verify runs each authenticator in order and returns the first principal.
// With no authenticators configured, every request is anonymous. With
// authenticators configured, a nil result means the upgrade must be
// rejected with UNAUTHORIZED.
func Verify(r *http.Request, authenticators []Authenticator) *Principal {
	if len(authenticators) == 0 {
		return Anonymous
	}
	for _, a := range authenticators {
		if p := a.Authenticate(r); p != nil {
			return p
		}
	}
	return nil
}
