package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
)

type actorCtxKey struct{}

// requireActor extracts the authenticated actor from the identity headers set
// by the upstream auth collaborator. Requests without an identity are
// rejected; authentication itself happens outside this service.
func requireActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(r.Header.Get("X-Actor-Id"))
		if err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid X-Actor-Id")
			return
		}
		a := actor.Actor{
			ID:   id,
			Name: r.Header.Get("X-Actor-Name"),
		}
		if a.Name == "" {
			a.Name = id.String()
		}
		for _, role := range splitCSV(r.Header.Get("X-Actor-Roles")) {
			a.Roles = append(a.Roles, actor.Role(strings.ToUpper(role)))
		}
		if eid, err := uuid.Parse(r.Header.Get("X-Enterprise-Id")); err == nil {
			a.EnterpriseID = eid
		}
		ctx := context.WithValue(r.Context(), actorCtxKey{}, a)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func actorFromRequest(r *http.Request) actor.Actor {
	if a, ok := r.Context().Value(actorCtxKey{}).(actor.Actor); ok {
		return a
	}
	return actor.Actor{Name: "system"}
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := []string{}
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
