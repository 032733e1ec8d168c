package chainsync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	auditapp "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain/mocks"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
)

// passthroughTx runs the function without a real transaction.
type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// memInstruments is an in-memory instrument.Repository with the same
// compare-and-swap versioning as the Postgres implementation.
type memInstruments struct {
	mu   sync.Mutex
	rows map[uuid.UUID]instrument.Instrument
}

func newMemInstruments() *memInstruments {
	return &memInstruments{rows: make(map[uuid.UUID]instrument.Instrument)}
}

func (m *memInstruments) Create(ctx context.Context, i *instrument.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[i.InstrumentID]; ok {
		return instrument.ErrConflict
	}
	m.rows[i.InstrumentID] = i.Snapshot()
	return nil
}

func (m *memInstruments) CreateBatch(ctx context.Context, insts []*instrument.Instrument) error {
	for _, i := range insts {
		if err := m.Create(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (m *memInstruments) GetByID(ctx context.Context, id uuid.UUID) (*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[id]
	if !ok {
		return nil, instrument.ErrNotFound
	}
	cp := row.Snapshot()
	return &cp, nil
}

func (m *memInstruments) GetBatch(ctx context.Context, ids []uuid.UUID) ([]*instrument.Instrument, error) {
	out := make([]*instrument.Instrument, 0, len(ids))
	for _, id := range ids {
		row, err := m.GetByID(ctx, id)
		if err != nil {
			if errors.Is(err, instrument.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memInstruments) List(ctx context.Context, filter instrument.Filter, limit, offset int) ([]*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instrument.Instrument
	for _, row := range m.rows {
		cp := row.Snapshot()
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memInstruments) ListByChainStatus(ctx context.Context, cs instrument.ChainStatus, limit int) ([]*instrument.Instrument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instrument.Instrument
	for _, row := range m.rows {
		if row.ChainStatus == cs && len(out) < limit {
			cp := row.Snapshot()
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memInstruments) Update(ctx context.Context, i *instrument.Instrument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.rows[i.InstrumentID]
	if !ok {
		return instrument.ErrNotFound
	}
	if stored.Version != i.Version {
		return instrument.ErrConflict
	}
	i.Version++
	m.rows[i.InstrumentID] = i.Snapshot()
	return nil
}

// memTransfers is an in-memory instrument.TransferRepository.
type memTransfers struct {
	mu   sync.Mutex
	rows []*instrument.Transfer
}

func (m *memTransfers) Create(ctx context.Context, t *instrument.Transfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq := int64(1)
	for _, r := range m.rows {
		if r.InstrumentID == t.InstrumentID {
			seq++
		}
	}
	t.Seq = seq
	cp := *t
	m.rows = append(m.rows, &cp)
	return nil
}

func (m *memTransfers) SetTxHash(ctx context.Context, transferID uuid.UUID, txHash string, confirmedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rows {
		if r.TransferID == transferID {
			h := txHash
			r.TxHash = &h
			c := confirmedAt
			r.ConfirmedAt = &c
		}
	}
	return nil
}

func (m *memTransfers) ListByInstrument(ctx context.Context, instrumentID uuid.UUID) ([]*instrument.Transfer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*instrument.Transfer
	for _, r := range m.rows {
		if r.InstrumentID == instrumentID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// memIntents is an in-memory chain.IntentRepository.
type memIntents struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*chain.Intent
}

func newMemIntents() *memIntents {
	return &memIntents{rows: make(map[uuid.UUID]*chain.Intent)}
}

func (m *memIntents) Save(ctx context.Context, intent *chain.Intent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *intent
	m.rows[intent.InstrumentID] = &cp
	return nil
}

func (m *memIntents) GetByInstrument(ctx context.Context, id uuid.UUID) (*chain.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	intent, ok := m.rows[id]
	if !ok {
		return nil, nil
	}
	cp := *intent
	return &cp, nil
}

func (m *memIntents) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

// memAudit is a thread-safe append-only audit.Repository.
type memAudit struct {
	mu   sync.Mutex
	logs []*audit.AuditLog
}

func (m *memAudit) Create(ctx context.Context, log *audit.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memAudit) GetByID(ctx context.Context, auditID uuid.UUID) (*audit.AuditLog, error) {
	return nil, nil
}

func (m *memAudit) Query(ctx context.Context, filter audit.QueryFilter, cursor *audit.Cursor, limit int) ([]*audit.AuditLog, *audit.Cursor, error) {
	return nil, nil, nil
}

func (m *memAudit) GetByEntityID(ctx context.Context, entityType audit.EntityType, entityID string) ([]*audit.AuditLog, error) {
	return nil, nil
}

type fixture struct {
	svc         *Service
	instruments *memInstruments
	transfers   *memTransfers
	intents     *memIntents
	gateway     *mocks.MockGateway
}

func newFixture(t *testing.T) *fixture {
	ctrl := gomock.NewController(t)
	instruments := newMemInstruments()
	transfers := &memTransfers{}
	intents := newMemIntents()
	gateway := mocks.NewMockGateway(ctrl)
	auditor := auditapp.NewService(&memAudit{}, zerolog.Nop(), nil)
	svc := NewService(instruments, transfers, intents, gateway, passthroughTx{}, actor.RoleAuthorizer{}, auditor, zerolog.Nop())
	return &fixture{svc: svc, instruments: instruments, transfers: transfers, intents: intents, gateway: gateway}
}

var admin = actor.Actor{ID: uuid.New(), Name: "root", Roles: []actor.Role{actor.RoleAdmin}}

func seedInstrument(t *testing.T, f *fixture, status instrument.Status, cs instrument.ChainStatus) *instrument.Instrument {
	t.Helper()
	inst := &instrument.Instrument{
		InstrumentID: uuid.New(),
		Kind:         instrument.KindBill,
		Status:       status,
		ChainStatus:  cs,
		Value:        decimal.NewFromInt(5000),
		HolderID:     uuid.New(),
		EnterpriseID: uuid.New(),
		Version:      1,
	}
	require.NoError(t, f.instruments.Create(context.Background(), inst))
	return inst
}

func TestService_SyncToChain(t *testing.T) {
	ctx := context.Background()

	t.Run("confirmation lands target status and tx hash", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusPendingOnchain, instrument.ChainNotOnchain)

		f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).Return("0xabc", nil)

		res, err := f.svc.SyncToChain(ctx, Request{
			Instrument:   inst,
			Operation:    "ISSUE",
			TargetStatus: instrument.StatusNormal,
			Actor:        "actor:alice",
		})
		require.NoError(t, err)
		assert.False(t, res.Parked)
		assert.Equal(t, "0xabc", res.TxHash)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusNormal, stored.Status)
		assert.Equal(t, instrument.ChainOnchain, stored.ChainStatus)
		require.NotNil(t, stored.TxHash)
		assert.Equal(t, "0xabc", *stored.TxHash)

		intent, err := f.intents.GetByInstrument(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Nil(t, intent, "intent consumed on confirmation")
	})

	t.Run("gateway failure parks the instrument", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusPendingOnchain, instrument.ChainNotOnchain)

		f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("", errors.New("node unreachable"))

		res, err := f.svc.SyncToChain(ctx, Request{
			Instrument:   inst,
			Operation:    "ISSUE",
			TargetStatus: instrument.StatusNormal,
			Actor:        "actor:alice",
		})
		require.ErrorIs(t, err, chain.ErrGateway)
		require.NotNil(t, res)
		assert.True(t, res.Parked)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusOnchainFailed, stored.Status)
		assert.Equal(t, instrument.ChainFailed, stored.ChainStatus)
		require.NotNil(t, stored.FailedVersion)
		assert.Equal(t, stored.Version, *stored.FailedVersion)
		require.NotNil(t, stored.FailureReason)

		intent, err := f.intents.GetByInstrument(ctx, inst.InstrumentID)
		require.NoError(t, err)
		require.NotNil(t, intent, "intent kept for retry")
	})

	t.Run("anchored instrument keeps status on failed write", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)

		f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("", errors.New("timeout"))

		_, err := f.svc.SyncToChain(ctx, Request{
			Instrument:   inst,
			Operation:    "ENDORSE",
			TargetStatus: instrument.StatusEndorsed,
			Actor:        "actor:alice",
		})
		require.ErrorIs(t, err, chain.ErrGateway)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusNormal, stored.Status, "status unchanged")
		assert.Equal(t, instrument.ChainFailed, stored.ChainStatus)
	})
}

func TestService_RetryOnchain(t *testing.T) {
	ctx := context.Background()

	parked := func(t *testing.T, f *fixture) (*instrument.Instrument, string) {
		inst := seedInstrument(t, f, instrument.StatusPendingOnchain, instrument.ChainNotOnchain)
		var submittedKey string
		f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
			DoAndReturn(func(_ context.Context, key string, _ []byte) (string, error) {
				submittedKey = key
				return "", errors.New("node down")
			})
		_, err := f.svc.SyncToChain(ctx, Request{
			Instrument:   inst,
			Operation:    "ISSUE",
			TargetStatus: instrument.StatusNormal,
			Actor:        "actor:alice",
		})
		require.ErrorIs(t, err, chain.ErrGateway)
		return inst, submittedKey
	}

	t.Run("resubmits the original key and payload", func(t *testing.T) {
		f := newFixture(t)
		inst, firstKey := parked(t, f)

		f.gateway.EXPECT().Submit(gomock.Any(), firstKey, gomock.Any()).Return("0xdef", nil)

		res, err := f.svc.RetryOnchain(ctx, inst.InstrumentID, admin)
		require.NoError(t, err)
		assert.Equal(t, "0xdef", res.TxHash)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusNormal, stored.Status)
		assert.Equal(t, instrument.ChainOnchain, stored.ChainStatus)
		assert.Nil(t, stored.FailedVersion)
		assert.Nil(t, stored.FailureReason)
	})

	t.Run("rejected when chain status is not failed", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)

		_, err := f.svc.RetryOnchain(ctx, inst.InstrumentID, admin)
		require.ErrorIs(t, err, instrument.ErrInvalidTransition)
	})

	t.Run("forbidden without a permitted role", func(t *testing.T) {
		f := newFixture(t)
		inst, _ := parked(t, f)

		stranger := actor.Actor{ID: uuid.New(), Name: "anon"}
		_, err := f.svc.RetryOnchain(ctx, inst.InstrumentID, stranger)
		require.ErrorIs(t, err, actor.ErrForbidden)
	})
}

func TestService_RollbackToDraft(t *testing.T) {
	ctx := context.Background()

	t.Run("clears chain fields and removes the intent", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusPendingOnchain, instrument.ChainNotOnchain)
		f.gateway.EXPECT().Submit(gomock.Any(), gomock.Any(), gomock.Any()).
			Return("", errors.New("down"))
		_, err := f.svc.SyncToChain(ctx, Request{
			Instrument: inst, Operation: "ISSUE",
			TargetStatus: instrument.StatusNormal, Actor: "actor:alice",
		})
		require.ErrorIs(t, err, chain.ErrGateway)

		rolled, err := f.svc.RollbackToDraft(ctx, inst.InstrumentID, admin, "giving up")
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusDraft, rolled.Status)
		assert.Equal(t, instrument.ChainNotOnchain, rolled.ChainStatus)
		assert.Nil(t, rolled.TxHash)
		assert.Nil(t, rolled.FailedVersion)

		intent, err := f.intents.GetByInstrument(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Nil(t, intent)
	})

	t.Run("conflict when the version advanced since the failure", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusOnchainFailed, instrument.ChainFailed)
		fv := inst.Version
		inst.FailedVersion = &fv
		require.NoError(t, f.instruments.Update(ctx, inst)) // advances Version past FailedVersion
		require.NoError(t, f.instruments.Update(ctx, inst))

		_, err := f.svc.RollbackToDraft(ctx, inst.InstrumentID, admin, "stale")
		require.ErrorIs(t, err, instrument.ErrConflict)
	})

	t.Run("rejected unless parked", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)
		_, err := f.svc.RollbackToDraft(ctx, inst.InstrumentID, admin, "no")
		require.ErrorIs(t, err, instrument.ErrInvalidTransition)
	})
}

func TestService_ResolvePending(t *testing.T) {
	ctx := context.Background()

	pendingWithIntent := func(t *testing.T, f *fixture) (*instrument.Instrument, *chain.Intent) {
		inst := seedInstrument(t, f, instrument.StatusPendingOnchain, instrument.ChainPending)
		intent := &chain.Intent{
			InstrumentID:   inst.InstrumentID,
			IdempotencyKey: "ISSUE:" + inst.InstrumentID.String() + ":1",
			Operation:      "ISSUE",
			TargetStatus:   string(instrument.StatusNormal),
			Payload:        []byte(`{}`),
		}
		require.NoError(t, f.intents.Save(ctx, intent))
		return inst, intent
	}

	t.Run("confirmed on chain is confirmed in the database", func(t *testing.T) {
		f := newFixture(t)
		inst, intent := pendingWithIntent(t, f)

		f.gateway.EXPECT().LookupKey(gomock.Any(), intent.IdempotencyKey).
			Return(&chain.TxRecord{TxHash: "0xok", Status: chain.TxConfirmed}, nil)

		n, err := f.svc.ResolvePending(ctx, 100)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusNormal, stored.Status)
		assert.Equal(t, instrument.ChainOnchain, stored.ChainStatus)
		require.NotNil(t, stored.TxHash)
		assert.Equal(t, "0xok", *stored.TxHash)
	})

	t.Run("unknown on chain is parked as retryable", func(t *testing.T) {
		f := newFixture(t)
		inst, intent := pendingWithIntent(t, f)

		f.gateway.EXPECT().LookupKey(gomock.Any(), intent.IdempotencyKey).Return(nil, nil)

		_, err := f.svc.ResolvePending(ctx, 100)
		require.NoError(t, err)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.StatusOnchainFailed, stored.Status)
		assert.Equal(t, instrument.ChainFailed, stored.ChainStatus)
	})

	t.Run("still pending on chain is left alone", func(t *testing.T) {
		f := newFixture(t)
		inst, intent := pendingWithIntent(t, f)

		f.gateway.EXPECT().LookupKey(gomock.Any(), intent.IdempotencyKey).
			Return(&chain.TxRecord{TxHash: "0xwait", Status: chain.TxPending}, nil)

		_, err := f.svc.ResolvePending(ctx, 100)
		require.NoError(t, err)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.ChainPending, stored.ChainStatus)
	})

	t.Run("lost confirmation is patched from the recorded hash", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainPending)
		hash := "0xlost"
		inst.TxHash = &hash
		require.NoError(t, f.instruments.Update(ctx, inst))

		f.gateway.EXPECT().QueryStatus(gomock.Any(), "0xlost").Return(chain.TxConfirmed, nil)

		_, err := f.svc.ResolvePending(ctx, 100)
		require.NoError(t, err)

		stored, err := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NoError(t, err)
		assert.Equal(t, instrument.ChainOnchain, stored.ChainStatus)
	})
}

func TestService_Reconcile(t *testing.T) {
	ctx := context.Background()

	t.Run("matching histories report no divergence", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)
		hash := "0x1"
		inst.TxHash = &hash
		require.NoError(t, f.instruments.Update(ctx, inst))

		f.gateway.EXPECT().History(gomock.Any(), inst.InstrumentID.String()).
			Return([]*chain.TxRecord{{TxHash: "0x1", Operation: "ISSUE"}}, nil)

		report, err := f.svc.Reconcile(ctx, inst.InstrumentID, admin)
		require.NoError(t, err)
		assert.False(t, report.Divergent)

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		assert.False(t, stored.Flagged)
	})

	t.Run("database transfer absent from chain flags the instrument", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)

		tr := &instrument.Transfer{
			TransferID:   uuid.New(),
			InstrumentID: inst.InstrumentID,
			FromHolderID: uuid.New(),
			ToHolderID:   uuid.New(),
		}
		require.NoError(t, f.transfers.Create(ctx, tr))
		ghost := "0xghost"
		f.transfers.rows[0].TxHash = &ghost

		f.gateway.EXPECT().History(gomock.Any(), inst.InstrumentID.String()).
			Return([]*chain.TxRecord{}, nil)

		report, err := f.svc.Reconcile(ctx, inst.InstrumentID, admin)
		require.NoError(t, err)
		assert.True(t, report.Divergent)
		assert.NotEmpty(t, report.Details)

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		assert.True(t, stored.Flagged, "divergence is flagged, never repaired")
	})

	t.Run("anchored instrument with empty chain history is divergent", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)
		hash := "0xdeadbeef"
		inst.TxHash = &hash
		require.NoError(t, f.instruments.Update(ctx, inst))

		f.gateway.EXPECT().History(gomock.Any(), inst.InstrumentID.String()).
			Return([]*chain.TxRecord{}, nil)

		report, err := f.svc.Reconcile(ctx, inst.InstrumentID, admin)
		require.NoError(t, err)
		assert.True(t, report.Divergent)
		require.Len(t, report.Details, 1)
		assert.Contains(t, report.Details[0], "0xdeadbeef")

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		assert.True(t, stored.Flagged)
	})

	t.Run("reconcile requires reviewer", func(t *testing.T) {
		f := newFixture(t)
		inst := seedInstrument(t, f, instrument.StatusNormal, instrument.ChainOnchain)
		operator := actor.Actor{ID: uuid.New(), Name: "op", Roles: []actor.Role{actor.RoleOperator}}

		_, err := f.svc.Reconcile(ctx, inst.InstrumentID, operator)
		require.ErrorIs(t, err, actor.ErrForbidden)
	})
}
