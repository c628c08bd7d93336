package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuditServiceRecordEmitsStructuredEvent(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := NewAuditService(zap.New(core))
	svc.now = func() time.Time { return time.Date(2026, 10, 15, 8, 0, 0, 0, time.UTC) }

	err := svc.Record(context.Background(), AuditEvent{
		Action:    "block.created",
		ActorID:   "system",
		AccountID: "acct-1",
		Resource:  "block:123",
		Summary:   "temporary block",
		Metadata:  map[string]any{"score": 70},
	})
	require.NoError(t, err)

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "block.created", fields["action"])
	require.Equal(t, "system", fields["actor_id"])
	require.Equal(t, "acct-1", fields["account_id"])
	require.Equal(t, AuditResultSuccess, fields["result"])
	require.Equal(t, "temporary block", fields["summary"])
}

func TestAuditServiceRecordValidates(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	svc := NewAuditService(zap.New(core))

	require.Error(t, svc.Record(context.Background(), AuditEvent{ActorID: "ops"}))
	require.Error(t, svc.Record(context.Background(), AuditEvent{Action: "x"}))
	require.Zero(t, logs.Len())
}
