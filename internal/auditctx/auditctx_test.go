package auditctx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWithActorRoundTrip(t *testing.T) {
	ctx := WithActor(context.Background(), Actor{ID: "ops-1", IPAddress: "10.0.0.1"})

	actor, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "ops-1", actor.ID)
	require.Equal(t, "ops-1", ActorID(ctx))
}

func TestActorIDDefaultsToSystem(t *testing.T) {
	require.Equal(t, SystemActorID, ActorID(context.Background()))
	require.Equal(t, SystemActorID, ActorID(WithActor(context.Background(), Actor{})))
}
