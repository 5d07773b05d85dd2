// Package auth binds websocket upgrade requests to connection identities.
//
// A client proves control of its identity out of band: the wallet/identity
// service issues a short-lived HMAC JWT whose subject is the client's public
// key. Connections without a token act as the anonymous identity and see
// only unclassified traffic.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken rejects a presented-but-unverifiable credential. A missing
// credential is not an error; it selects the anonymous identity.
var ErrInvalidToken = errors.New("invalid token")

// Verifier validates bearer tokens on upgrade requests.
type Verifier struct {
	secret []byte
}

// NewVerifier builds a verifier for the shared HMAC secret. An empty secret
// disables token auth entirely; every connection is anonymous.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// IdentityFromRequest extracts and verifies the connection identity. The
// token may arrive as an Authorization bearer header or a "token" query
// parameter (browser websocket clients cannot set headers).
func (v *Verifier) IdentityFromRequest(r *http.Request) (string, error) {
	raw := bearerToken(r)
	if raw == "" {
		return "", nil
	}
	if len(v.secret) == 0 {
		return "", nil
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return "", fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return subject, nil
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
