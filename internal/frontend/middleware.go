package frontend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/netmark-org/netmark/internal/auth"
	"github.com/netmark-org/netmark/internal/logger"
)

type userKey struct{}

func withUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, userKey{}, username)
}

// userFrom returns the username stored by basicAuth. Handlers behind
// the middleware always find it set.
func userFrom(ctx context.Context) string {
	username, _ := ctx.Value(userKey{}).(string)
	return username
}

// basicAuth checks the request's basic credentials against the
// credential service. A rejected pair answers 401 with the realm; a
// validator fault answers 503 so clients can tell a wrong password
// from a broken credential service.
func basicAuth(realm string, validator auth.Validator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, token, ok := r.BasicAuth()
			if !ok {
				basicAuthFailed(w, realm)
				return
			}

			valid, err := validator.Validate(r.Context(), username, token)
			if err != nil {
				logger.Error(r.Context(), "Credential validation failed", "user", username, "err", err)
				writeError(w, http.StatusServiceUnavailable, "credential service unavailable")
				return
			}
			if !valid {
				basicAuthFailed(w, realm)
				return
			}

			next.ServeHTTP(w, r.WithContext(withUser(r.Context(), username)))
		})
	}
}

func basicAuthFailed(w http.ResponseWriter, realm string) {
	w.Header().Add("WWW-Authenticate", fmt.Sprintf(`Basic realm="%s"`, realm))
	w.WriteHeader(http.StatusUnauthorized)
}
