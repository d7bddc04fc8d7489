package httpx

import (
	"context"
	"net/http"
	"strings"
)

// Actor identifies the authenticated caller as asserted by the edge gateway.
// Authentication itself happens upstream; these headers are trusted inside the mesh.
type Actor struct {
	UserID string
	Role   string
}

const (
	UserIDHeader = "X-User-Id"
	RoleHeader   = "X-Role"
)

func (a Actor) IsAdmin() bool {
	return a.Role == "admin"
}

func ActorFromContext(ctx context.Context) Actor {
	v, _ := ctx.Value(ctxKeyActor).(Actor)
	return v
}

func WithActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := Actor{
			UserID: strings.TrimSpace(r.Header.Get(UserIDHeader)),
			Role:   strings.TrimSpace(strings.ToLower(r.Header.Get(RoleHeader))),
		}
		ctx := context.WithValue(r.Context(), ctxKeyActor, actor)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
