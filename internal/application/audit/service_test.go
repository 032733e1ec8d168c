package audit

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
)

// MockRepository is a mock implementation of audit.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Create(ctx context.Context, log *audit.AuditLog) error {
	args := m.Called(ctx, log)
	return args.Error(0)
}

func (m *MockRepository) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	args := m.Called(ctx, auditID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*audit.AuditLog), args.Error(1)
}

func (m *MockRepository) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	args := m.Called(ctx, filter, cursor, limit)
	var logs []*audit.AuditLog
	if args.Get(0) != nil {
		logs = args.Get(0).([]*audit.AuditLog)
	}
	var next *audit.Cursor
	if args.Get(1) != nil {
		next = args.Get(1).(*audit.Cursor)
	}
	return logs, next, args.Error(2)
}

func (m *MockRepository) GetByEntityID(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	args := m.Called(ctx, entityType, entityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*audit.AuditLog), args.Error(1)
}

func TestService_LogSync(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("signs records when a key is configured", func(t *testing.T) {
		repo := new(MockRepository)
		key := []byte("audit-key")
		svc := NewService(repo, logger, key)

		var saved *audit.AuditLog
		repo.On("Create", ctx, mock.AnythingOfType("*audit.AuditLog")).
			Run(func(args mock.Arguments) {
				saved = args.Get(1).(*audit.AuditLog)
			}).Return(nil)

		err := svc.LogSync(ctx, &audit.AuditEntry{
			EntityType: audit.EntityTypeInstrument,
			EntityID:   "inst-001",
			Action:     audit.ActionIssue,
			Actor:      "actor:alice",
		})
		require.NoError(t, err)
		require.NotNil(t, saved)
		assert.NotEmpty(t, saved.Signature)

		ok, err := audit.VerifyAuditLogSignature(saved, key)
		require.NoError(t, err)
		assert.True(t, ok)
		repo.AssertExpectations(t)
	})

	t.Run("unsigned without key", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, logger, nil)

		var saved *audit.AuditLog
		repo.On("Create", ctx, mock.AnythingOfType("*audit.AuditLog")).
			Run(func(args mock.Arguments) {
				saved = args.Get(1).(*audit.AuditLog)
			}).Return(nil)

		require.NoError(t, svc.LogSync(ctx, &audit.AuditEntry{
			EntityType: audit.EntityTypeInstrument,
			EntityID:   "inst-001",
			Action:     audit.ActionIssue,
		}))
		assert.Empty(t, saved.Signature)
	})
}

func TestService_Query(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()

	t.Run("clamps limit and encodes next cursor", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, logger, nil)

		logs := []*audit.AuditLog{{AuditID: uuid.New()}}
		next := &audit.Cursor{ID: 42}
		repo.On("Query", ctx, mock.Anything, (*audit.Cursor)(nil), 200).Return(logs, next, nil)

		res, err := svc.Query(ctx, QueryParams{Limit: 5000})
		require.NoError(t, err)
		assert.Equal(t, 1, res.Pagination.Count)
		assert.True(t, res.Pagination.HasMore)
		require.NotNil(t, res.Pagination.Cursor)

		// the emitted cursor round-trips
		decoded, err := decodeCursor(*res.Pagination.Cursor)
		require.NoError(t, err)
		assert.Equal(t, int64(42), decoded.ID)
	})

	t.Run("defaults limit to 50", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, logger, nil)
		repo.On("Query", ctx, mock.Anything, (*audit.Cursor)(nil), 50).Return(nil, nil, nil)

		res, err := svc.Query(ctx, QueryParams{})
		require.NoError(t, err)
		assert.False(t, res.Pagination.HasMore)
		assert.Nil(t, res.Pagination.Cursor)
	})

	t.Run("rejects malformed cursor", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, logger, nil)
		bad := "not base64!!"
		_, err := svc.Query(ctx, QueryParams{Cursor: &bad})
		require.Error(t, err)
	})
}

func TestService_VerifyIntegrity(t *testing.T) {
	ctx := context.Background()
	logger := zerolog.Nop()
	key := []byte("audit-key")

	signedLog := func(t *testing.T) *audit.AuditLog {
		t.Helper()
		log, err := audit.NewAuditLog(&audit.AuditEntry{
			EntityType: audit.EntityTypeInstrument,
			EntityID:   "inst-001",
			Action:     audit.ActionCancel,
			Actor:      "actor:reviewer",
		})
		require.NoError(t, err)
		log.Signature, err = audit.SignAuditLog(log, key)
		require.NoError(t, err)
		return log
	}

	t.Run("intact record verifies", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, logger, key)
		log := signedLog(t)
		repo.On("GetByID", ctx, log.AuditID).Return(log, nil)

		res, err := svc.VerifyIntegrity(ctx, log.AuditID)
		require.NoError(t, err)
		assert.True(t, res.Verified)
	})

	t.Run("tampered record detected", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, logger, key)
		log := signedLog(t)
		log.Reason = "edited after the fact"
		repo.On("GetByID", ctx, log.AuditID).Return(log, nil)

		res, err := svc.VerifyIntegrity(ctx, log.AuditID)
		require.NoError(t, err)
		assert.False(t, res.Verified)
		assert.Contains(t, res.Message, "tampering")
	})
}
