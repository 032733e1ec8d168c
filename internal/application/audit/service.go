package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
)

// Service handles audit trail operations.
type Service struct {
	repo    audit.Repository
	logger  zerolog.Logger
	signKey []byte
}

// NewService creates an audit service. With a non-empty signKey every record
// is HMAC-signed for tamper evidence.
func NewService(repo audit.Repository, logger zerolog.Logger, signKey []byte) *Service {
	return &Service{
		repo:    repo,
		signKey: signKey,
		logger:  logger.With().Str("service", "audit").Logger(),
	}
}

// Log appends an audit record asynchronously. Failures are logged, never
// propagated to the mutating path.
func (s *Service) Log(ctx context.Context, entry *audit.AuditEntry) {
	go func() {
		if err := s.LogSync(context.Background(), entry); err != nil {
			s.logger.Error().Err(err).
				Str("entityType", string(entry.EntityType)).
				Str("entityId", entry.EntityID).
				Str("action", string(entry.Action)).
				Msg("failed to create audit log")
		}
	}()
}

// LogSync appends an audit record synchronously. Used inside review units of
// work where the record must commit with the mutation.
func (s *Service) LogSync(ctx context.Context, entry *audit.AuditEntry) error {
	log, err := audit.NewAuditLog(entry)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	if len(s.signKey) > 0 {
		sig, err := audit.SignAuditLog(log, s.signKey)
		if err != nil {
			return fmt.Errorf("failed to sign audit log: %w", err)
		}
		log.Signature = sig
	}

	if err := s.repo.Create(ctx, log); err != nil {
		return fmt.Errorf("failed to save audit log: %w", err)
	}

	s.logger.Debug().
		Str("auditId", log.AuditID.String()).
		Str("entityType", string(log.EntityType)).
		Str("entityId", log.EntityID).
		Str("action", string(log.Action)).
		Str("actor", log.Actor).
		Msg("audit log created")

	if log.RiskLevel == audit.RiskLevelHigh || log.RiskLevel == audit.RiskLevelCritical {
		s.logger.Warn().
			Str("auditId", log.AuditID.String()).
			Str("entityId", log.EntityID).
			Str("action", string(log.Action)).
			Str("actor", log.Actor).
			Str("riskLevel", string(log.RiskLevel)).
			Msg("high-risk operation recorded")
	}
	return nil
}

// QueryParams represents query parameters for audit logs.
type QueryParams struct {
	EntityType *string
	EntityID   *string
	Action     *string
	Actor      *string
	RiskLevel  *string
	StartTime  *time.Time
	EndTime    *time.Time
	TraceID    *string
	Cursor     *string
	Limit      int
}

// QueryResult is one page of audit logs.
type QueryResult struct {
	Logs       []*audit.AuditLog `json:"logs"`
	Pagination Pagination        `json:"pagination"`
}

// Pagination holds page information.
type Pagination struct {
	Cursor  *string `json:"cursor,omitempty"`
	HasMore bool    `json:"hasMore"`
	Count   int     `json:"count"`
}

// Query retrieves audit logs with cursor pagination.
func (s *Service) Query(ctx context.Context, params QueryParams) (*QueryResult, error) {
	if params.Limit <= 0 {
		params.Limit = 50
	}
	if params.Limit > 200 {
		params.Limit = 200
	}

	var cursor *audit.Cursor
	if params.Cursor != nil && *params.Cursor != "" {
		c, err := decodeCursor(*params.Cursor)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor: %w", err)
		}
		cursor = c
	}

	filter := audit.QueryFilter{
		StartTime: params.StartTime,
		EndTime:   params.EndTime,
		TraceID:   params.TraceID,
		EntityID:  params.EntityID,
		Actor:     params.Actor,
	}
	if params.EntityType != nil {
		et := audit.EntityType(*params.EntityType)
		filter.EntityType = &et
	}
	if params.Action != nil {
		a := audit.Action(*params.Action)
		filter.Action = &a
	}
	if params.RiskLevel != nil {
		rl := audit.RiskLevel(*params.RiskLevel)
		filter.RiskLevel = &rl
	}

	logs, nextCursor, err := s.repo.Query(ctx, filter, cursor, params.Limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to query audit logs")
		return nil, fmt.Errorf("failed to query audit logs: %w", err)
	}

	result := &QueryResult{
		Logs: logs,
		Pagination: Pagination{
			Count:   len(logs),
			HasMore: nextCursor != nil,
		},
	}
	if nextCursor != nil {
		encoded, err := encodeCursor(nextCursor)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to encode cursor")
		} else {
			result.Pagination.Cursor = &encoded
		}
	}
	return result, nil
}

// GetByID retrieves an audit log by its ID.
func (s *Service) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	return s.repo.GetByID(ctx, auditID)
}

// GetEntityHistory retrieves the complete audit history for an entity.
func (s *Service) GetEntityHistory(ctx context.Context, entityType string, entityID string) ([]*audit.AuditLog, error) {
	return s.repo.GetByEntityID(ctx, audit.EntityType(entityType), entityID)
}

// VerifyResult is the outcome of an integrity check.
type VerifyResult struct {
	AuditID  uuid.UUID `json:"auditId"`
	Verified bool      `json:"verified"`
	Message  string    `json:"message"`
}

// VerifyIntegrity verifies the HMAC signature of an audit record.
func (s *Service) VerifyIntegrity(ctx context.Context, auditID uuid.UUID) (*VerifyResult, error) {
	log, err := s.repo.GetByID(ctx, auditID)
	if err != nil {
		return nil, fmt.Errorf("failed to get audit log: %w", err)
	}
	if log == nil {
		return nil, fmt.Errorf("audit log not found: %s", auditID)
	}
	verified, err := audit.VerifyAuditLogSignature(log, s.signKey)
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature: %w", err)
	}
	result := &VerifyResult{AuditID: auditID, Verified: verified}
	if verified {
		result.Message = "audit log integrity verified"
	} else {
		result.Message = "audit log signature mismatch - possible tampering detected"
		s.logger.Warn().Str("auditId", auditID.String()).Msg("audit log signature verification failed")
	}
	return result, nil
}

func encodeCursor(c *audit.Cursor) (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(data), nil
}

func decodeCursor(s string) (*audit.Cursor, error) {
	data, err := base64.URLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	var c audit.Cursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}
