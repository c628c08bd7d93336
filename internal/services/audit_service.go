package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/charlesng35/usageguard/pkg/logger"
)

// Audit results.
const (
	AuditResultSuccess = "success"
	AuditResultDenied  = "denied"
	AuditResultFailure = "failure"
)

// AuditEvent captures a single governance event for the external append-only audit collector.
type AuditEvent struct {
	Action    string
	ActorID   string
	AccountID string
	Resource  string
	Result    string
	Summary   string
	Metadata  map[string]any
	Timestamp time.Time
}

// AuditRecorder accepts audit events. Implementations must not mutate governance state.
type AuditRecorder interface {
	Record(ctx context.Context, event AuditEvent) error
}

// AuditService emits audit events as structured records on the audit logger.
type AuditService struct {
	log *zap.Logger
	now func() time.Time
}

// NewAuditService constructs an AuditService. A nil logger selects the global audit logger.
func NewAuditService(log *zap.Logger) *AuditService {
	if log == nil {
		log = logger.Audit()
	}
	return &AuditService{log: log, now: time.Now}
}

// Record validates and emits an audit event.
func (s *AuditService) Record(ctx context.Context, event AuditEvent) error {
	_ = ensureContext(ctx)

	action := strings.TrimSpace(event.Action)
	if action == "" {
		return errors.New("audit service: action is required")
	}
	result := strings.TrimSpace(event.Result)
	if result == "" {
		result = AuditResultSuccess
	}
	actor := strings.TrimSpace(event.ActorID)
	if actor == "" {
		return errors.New("audit service: actor is required")
	}

	timestamp := event.Timestamp
	if timestamp.IsZero() {
		timestamp = s.now()
	}

	fields := []zap.Field{
		zap.String("action", action),
		zap.String("actor_id", actor),
		zap.String("result", result),
		zap.String("summary", event.Summary),
		zap.Time("timestamp", timestamp.UTC()),
	}
	if event.AccountID != "" {
		fields = append(fields, zap.String("account_id", event.AccountID))
	}
	if event.Resource != "" {
		fields = append(fields, zap.String("resource", event.Resource))
	}
	if len(event.Metadata) > 0 {
		fields = append(fields, zap.Any("metadata", event.Metadata))
	}

	s.log.Info("audit", fields...)
	return nil
}
