package chi

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/kailas-cloud/amcat/internal/domain"
	"github.com/kailas-cloud/amcat/internal/domain/role"
)

// exemptPaths are routes that bypass authentication (health, metrics).
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// Token binds a bearer token to a subject.
type Token struct {
	Value      string
	Subject    string
	GlobalRole role.Level
}

type subjectKey struct{}

// ContextWithSubject stores the authenticated subject.
func ContextWithSubject(ctx context.Context, s domain.Subject) context.Context {
	return context.WithValue(ctx, subjectKey{}, s)
}

// SubjectFromContext returns the authenticated subject, or the guest.
func SubjectFromContext(ctx context.Context) domain.Subject {
	if s, ok := ctx.Value(subjectKey{}).(domain.Subject); ok {
		return s
	}
	return domain.Guest()
}

// BearerAuthMiddleware resolves the bearer token to a subject. Requests
// without a token become the guest when allowAnonymous is set and are
// rejected otherwise. An unknown token is always rejected.
func BearerAuthMiddleware(tokens []Token, allowAnonymous bool) func(http.Handler) http.Handler {
	valid := make([]Token, 0, len(tokens))
	for _, t := range tokens {
		if t.Value != "" && t.Subject != "" {
			valid = append(valid, t)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if _, ok := exemptPaths[r.URL.Path]; ok {
				next.ServeHTTP(w, r)
				return
			}

			auth := r.Header.Get("Authorization")
			if auth == "" {
				if !allowAnonymous {
					unauthorized(w, r, "missing authorization header")
					return
				}
				serveAs(next, w, r, domain.Guest())
				return
			}

			const bearerPrefix = "Bearer "
			if !strings.HasPrefix(auth, bearerPrefix) {
				unauthorized(w, r, "authorization header must use Bearer scheme")
				return
			}

			s, ok := lookup(valid, auth[len(bearerPrefix):])
			if !ok {
				unauthorized(w, r, "invalid token")
				return
			}
			serveAs(next, w, r, s)
		})
	}
}

// lookup compares against every token so timing does not reveal which one matched.
func lookup(tokens []Token, presented string) (domain.Subject, bool) {
	var found domain.Subject
	ok := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t.Value), []byte(presented)) == 1 && !ok {
			found = domain.Subject{ID: t.Subject, GlobalRole: t.GlobalRole}
			ok = true
		}
	}
	return found, ok
}

func serveAs(next http.Handler, w http.ResponseWriter, r *http.Request, s domain.Subject) {
	if info := requestInfoFrom(r.Context()); info != nil {
		info.subject = s.ID
	}
	next.ServeHTTP(w, r.WithContext(ContextWithSubject(r.Context(), s)))
}

func unauthorized(w http.ResponseWriter, r *http.Request, message string) {
	if info := requestInfoFrom(r.Context()); info != nil {
		info.code = CodeUnauthorized
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="amcat"`)
	writeError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}
