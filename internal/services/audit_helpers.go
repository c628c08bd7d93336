package services

import (
	"context"

	"go.uber.org/zap"

	"github.com/charlesng35/usageguard/pkg/logger"
)

// recordAudit emits the supplied event while tolerating audit failures.
func recordAudit(audit AuditRecorder, ctx context.Context, event AuditEvent) {
	if audit == nil {
		return
	}
	if err := audit.Record(ctx, event); err != nil {
		logger.WithModule("audit").Warn("failed to record audit event",
			zap.String("action", event.Action),
			zap.Error(err))
	}
}
