package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var (
	ErrMissingCredential = errors.New("credential required")
	ErrBadCredential     = errors.New("credential rejected")
)

// Verifier accepts either a shared static token or a JWT signed by a key
// from the configured JWKS. With neither configured every credential passes.
type Verifier struct {
	token string
	jwt   *JWTValidator
}

// NewVerifier creates a verifier. Either argument may be empty/nil.
func NewVerifier(token string, jwtValidator *JWTValidator) *Verifier {
	return &Verifier{token: token, jwt: jwtValidator}
}

// Enabled reports whether credentials are checked at all.
func (v *Verifier) Enabled() bool {
	return v != nil && (v.token != "" || v.jwt != nil)
}

// Authenticate checks a credential.
func (v *Verifier) Authenticate(_ context.Context, credential string) error {
	if !v.Enabled() {
		return nil
	}
	if credential == "" {
		return ErrMissingCredential
	}
	if v.token != "" && subtle.ConstantTimeCompare([]byte(credential), []byte(v.token)) == 1 {
		return nil
	}
	if v.jwt != nil {
		if _, err := v.jwt.Validate(credential); err == nil {
			return nil
		}
	}
	return ErrBadCredential
}

// CredentialFromRequest extracts a bearer token or X-Bridge-Token header.
func CredentialFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.Header.Get("X-Bridge-Token")
}
