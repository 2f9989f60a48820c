package shared

import (
	"context"
	"net/http"
	"strconv"
	"strings"
)

// Header names carrying the caller identity set by the upstream gateway.
const (
	HeaderStaffID     = "X-Staff-ID"
	HeaderWarehouseID = "X-Warehouse-ID"
)

// Actor identifies who performs an operation and from which warehouse.
// A zero WarehouseID means the caller acts without a warehouse scope.
type Actor struct {
	StaffID     int64
	WarehouseID int64
}

// ActorFromRequest reads the actor headers. Missing or malformed values are
// left zero.
func ActorFromRequest(r *http.Request) Actor {
	return Actor{
		StaffID:     headerInt(r, HeaderStaffID),
		WarehouseID: headerInt(r, HeaderWarehouseID),
	}
}

func headerInt(r *http.Request, name string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(name)), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}

// ActorMiddleware resolves the actor once per request.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(ContextWithActor(r.Context(), ActorFromRequest(r))))
	})
}
