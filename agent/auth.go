package agent

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
)

// AuthenticationError means a caller did not present the shared secret.
type AuthenticationError struct {
	// Missing is true if no credential was presented at all, false if it was wrong.
	Missing bool
}

func (e *AuthenticationError) Error() string {
	if e.Missing {
		return "missing credential"
	}
	return "invalid credential"
}

// StatusCode is the HTTP status used to reject the caller.
func (e *AuthenticationError) StatusCode() int {
	if e.Missing {
		return http.StatusUnauthorized
	}
	return http.StatusForbidden
}

func (e *AuthenticationError) message() string {
	if e.Missing {
		return "Missing Authorization header"
	}
	return "Invalid token"
}

// Authenticator checks a bearer token against the shared secret.
//
// Anyone holding the secret can run arbitrary shell code on the host through /execute,
// since commands are handed to the shell unparsed. Treat the secret like a login password.
// With an empty secret every caller is trusted.
type Authenticator struct {
	secret []byte
	log    *zap.SugaredLogger
}

func NewAuthenticator(secret string, log *zap.SugaredLogger) *Authenticator {
	return &Authenticator{secret: []byte(secret), log: log}
}

// Check validates the Authorization header of r.
func (a *Authenticator) Check(r *http.Request) error {
	if len(a.secret) == 0 {
		return nil
	}
	header := r.Header.Get("Authorization")
	if header == "" {
		return &AuthenticationError{Missing: true}
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), a.secret) != 1 {
		return &AuthenticationError{}
	}
	return nil
}

// Wrap rejects unauthenticated requests before they reach h.
func (a *Authenticator) Wrap(h httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
		if err := a.Check(r); err != nil {
			a.reject(w, r, err)
			return
		}
		h(w, r, params)
	}
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, err error) {
	authErr, ok := err.(*AuthenticationError)
	if !ok {
		writeError(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	a.log.Warnw("rejected request", "Path", r.URL.Path, "RemoteAddr", r.RemoteAddr, "Reason", authErr.Error())
	writeError(w, authErr.StatusCode(), errorResponse{Error: authErr.message()})
}

// MaskSecret hides all but the first two characters of a secret, for logging.
func MaskSecret(secret string) string {
	if secret == "" {
		return "<unset>"
	}
	if len(secret) <= 4 {
		return "****"
	}
	return fmt.Sprintf("%s****", secret[:2])
}
