package api

import (
	"net/http"

	"golang.org/x/crypto/bcrypt"

	"s7link/config"
	"s7link/logging"
)

const authRealm = `Basic realm="s7link"`

// basicAuth checks HTTP basic credentials against bcrypt hashes. Viewers may
// only use GET and HEAD. With no users configured every request passes.
func basicAuth(users []config.APIUser) func(http.Handler) http.Handler {
	byName := make(map[string]config.APIUser, len(users))
	for _, u := range users {
		byName[u.Username] = u
	}

	return func(next http.Handler) http.Handler {
		if len(byName) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			name, password, ok := r.BasicAuth()
			user, known := byName[name]
			if !ok || !known || bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
				logging.DebugLog("api", "auth failed for %q from %s", name, r.RemoteAddr)
				w.Header().Set("WWW-Authenticate", authRealm)
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}

			if user.Role != config.RoleAdmin && r.Method != http.MethodGet && r.Method != http.MethodHead {
				writeError(w, http.StatusForbidden, "read-only user")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// HashPassword returns a bcrypt hash suitable for config.APIUser.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
