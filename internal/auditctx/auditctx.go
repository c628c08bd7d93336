package auditctx

import "context"

// Actor captures contextual information about the operator or account that initiated a request.
type Actor struct {
	ID        string
	Name      string
	IPAddress string
	UserAgent string
}

// SystemActorID identifies actions taken by the service itself (scoring, lazy expiry, resets).
const SystemActorID = "system"

type actorContextKey struct{}

// WithActor injects actor metadata into the supplied context, returning a derived context that
// callers can pass down into service layers for audit logging.
func WithActor(ctx context.Context, actor Actor) context.Context {
	if ctx == nil {
		return context.WithValue(context.Background(), actorContextKey{}, actor)
	}
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// FromContext extracts previously stored actor metadata from the context.
func FromContext(ctx context.Context) (Actor, bool) {
	if ctx == nil {
		return Actor{}, false
	}
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok
}

// ActorID returns the actor stored in ctx or the system actor when none is present.
func ActorID(ctx context.Context) string {
	if actor, ok := FromContext(ctx); ok && actor.ID != "" {
		return actor.ID
	}
	return SystemActorID
}
