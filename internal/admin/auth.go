package admin

import (
	"crypto/sha256"
	"crypto/subtle"
	"net/http"
	"strings"
)

// tokenAuth rejects requests that do not carry the admin token. Only
// the token's hash is kept in memory.
type tokenAuth struct {
	hash [sha256.Size]byte
}

func newTokenAuth(token string) *tokenAuth {
	return &tokenAuth{hash: sha256.Sum256([]byte(token))}
}

// Wrap returns next guarded by the token check.
func (a *tokenAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := extractKey(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		got := sha256.Sum256([]byte(key))
		if subtle.ConstantTimeCompare(got[:], a.hash[:]) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractKey reads "Authorization: Bearer <key>", falling back to the
// "token" query parameter.
func extractKey(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
