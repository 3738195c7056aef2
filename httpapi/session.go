package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/gobeaver/vfs"
)

// SessionProvider resolves the user behind a request. A nil user means the
// request is not authenticated.
type SessionProvider interface {
	Session(r *http.Request) (*vfs.User, error)
}

// SessionFunc adapts a function to SessionProvider.
type SessionFunc func(r *http.Request) (*vfs.User, error)

func (f SessionFunc) Session(r *http.Request) (*vfs.User, error) { return f(r) }

// Header names read by HeaderSessions.
const (
	HeaderUser   = "X-Forwarded-User"
	HeaderUserID = "X-Forwarded-User-Id"
	HeaderGroups = "X-Forwarded-Groups"
)

// HeaderSessions trusts identity headers set by an authenticating reverse
// proxy. Groups are comma-separated.
type HeaderSessions struct{}

func (HeaderSessions) Session(r *http.Request) (*vfs.User, error) {
	name := strings.TrimSpace(r.Header.Get(HeaderUser))
	if name == "" {
		return nil, nil
	}

	u := &vfs.User{
		ID:       strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Username: name,
	}
	if u.ID == "" {
		u.ID = name
	}
	for _, g := range strings.Split(r.Header.Get(HeaderGroups), ",") {
		if g = strings.TrimSpace(g); g != "" {
			u.Groups = append(u.Groups, g)
		}
	}
	return u, nil
}

type userKey struct{}

// WithUser returns a context carrying u.
func WithUser(ctx context.Context, u *vfs.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

// UserFrom returns the user stored by the authentication middleware.
func UserFrom(ctx context.Context) *vfs.User {
	u, _ := ctx.Value(userKey{}).(*vfs.User)
	return u
}

// Authenticate rejects requests without a session or without the route
// groups. With all set every group is required, otherwise any one.
func Authenticate(sessions SessionProvider, groups []string, all bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			u, err := sessions.Session(r)
			if err != nil {
				log.Warnw("resolving session failed", "error", err)
			}
			if u == nil || !vfs.HasGroups(u.Groups, groups, all) {
				http.Error(w, "Access denied", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), u)))
		})
	}
}

// SessionAttrs maps a request to the attributes watch broadcasts are
// filtered on: the username and user id, plus the user's own attributes.
func SessionAttrs(sessions SessionProvider) func(r *http.Request) (map[string]string, error) {
	return func(r *http.Request) (map[string]string, error) {
		u, err := sessions.Session(r)
		if err != nil || u == nil {
			return nil, err
		}
		attrs := make(map[string]string, len(u.Attrs)+2)
		for k, v := range u.Attrs {
			attrs[k] = v
		}
		attrs["username"] = u.Username
		attrs["userid"] = u.ID
		return attrs, nil
	}
}
