package approval

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	auditapp "github.com/cuber671/my-bcos-app-sub002/internal/application/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/application/chainsync"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/actor"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/application"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/audit"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/chain"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/instrument"
	"github.com/cuber671/my-bcos-app-sub002/internal/domain/lineage"
)

type passthroughTx struct{}

func (passthroughTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

type stubGateway struct {
	mu        sync.Mutex
	submitErr error
}

func (g *stubGateway) Submit(ctx context.Context, idempotencyKey string, payload []byte) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.submitErr != nil {
		return "", g.submitErr
	}
	return "0x" + idempotencyKey, nil
}

func (g *stubGateway) QueryStatus(ctx context.Context, txHash string) (chain.TxStatus, error) {
	return chain.TxConfirmed, nil
}

func (g *stubGateway) LookupKey(ctx context.Context, idempotencyKey string) (*chain.TxRecord, error) {
	return nil, nil
}

func (g *stubGateway) History(ctx context.Context, ref string) ([]*chain.TxRecord, error) {
	return nil, nil
}

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
	var out []*instrument.Instrument
	for _, id := range ids {
		row, err := m.GetByID(ctx, id)
		if errors.Is(err, instrument.ErrNotFound) {
			continue
		} else if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, nil
}

func (m *memInstruments) List(ctx context.Context, filter instrument.Filter, limit, offset int) ([]*instrument.Instrument, error) {
	return nil, nil
}

func (m *memInstruments) ListByChainStatus(ctx context.Context, cs instrument.ChainStatus, limit int) ([]*instrument.Instrument, error) {
	return nil, nil
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

type memTransfers struct{}

func (memTransfers) Create(ctx context.Context, t *instrument.Transfer) error { return nil }
func (memTransfers) SetTxHash(ctx context.Context, transferID uuid.UUID, txHash string, confirmedAt time.Time) error {
	return nil
}
func (memTransfers) ListByInstrument(ctx context.Context, instrumentID uuid.UUID) ([]*instrument.Transfer, error) {
	return nil, nil
}

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

type memApplications struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*application.Application
}

func newMemApplications() *memApplications {
	return &memApplications{rows: make(map[uuid.UUID]*application.Application)}
}

func (m *memApplications) Create(ctx context.Context, app *application.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// mirror the partial unique index: one PENDING application per
	// (target, kind)
	for _, existing := range m.rows {
		if existing.ReviewStatus != application.ReviewPending || existing.Kind != app.Kind {
			continue
		}
		for _, et := range existing.TargetIDs {
			for _, nt := range app.TargetIDs {
				if et == nt {
					return instrument.ErrConflict
				}
			}
		}
	}
	cp := *app
	m.rows[app.ApplicationID] = &cp
	return nil
}

func (m *memApplications) Update(ctx context.Context, app *application.Application) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[app.ApplicationID]; !ok {
		return instrument.ErrNotFound
	}
	cp := *app
	m.rows[app.ApplicationID] = &cp
	return nil
}

func (m *memApplications) GetByID(ctx context.Context, id uuid.UUID) (*application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.rows[id]
	if !ok {
		return nil, instrument.ErrNotFound
	}
	cp := *app
	return &cp, nil
}

func (m *memApplications) List(ctx context.Context, filter application.Filter, limit, offset int) ([]*application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*application.Application
	for _, app := range m.rows {
		cp := *app
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memApplications) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*application.Application, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*application.Application
	for _, app := range m.rows {
		if app.ReviewStatus == application.ReviewPending && app.CreatedAt.Before(cutoff) {
			cp := *app
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memApplications) HasPending(ctx context.Context, targetID uuid.UUID, kind application.Kind) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, app := range m.rows {
		if app.ReviewStatus != application.ReviewPending || app.Kind != kind {
			continue
		}
		for _, t := range app.TargetIDs {
			if t == targetID {
				return true, nil
			}
		}
	}
	return false, nil
}

type memLineages struct {
	mu    sync.Mutex
	edges []*lineage.Edge
}

func (m *memLineages) CreateBatch(ctx context.Context, edges []*lineage.Edge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edges = append(m.edges, edges...)
	return nil
}

func (m *memLineages) Children(ctx context.Context, parentID uuid.UUID) ([]*lineage.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*lineage.Edge
	for _, e := range m.edges {
		if e.ParentID == parentID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLineages) Parents(ctx context.Context, childID uuid.UUID) ([]*lineage.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*lineage.Edge
	for _, e := range m.edges {
		if e.ChildID == childID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memLineages) Graph(ctx context.Context, instrumentID uuid.UUID) (*lineage.Graph, error) {
	return &lineage.Graph{InstrumentID: instrumentID}, nil
}

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
	svc          *Service
	instruments  *memInstruments
	applications *memApplications
	lineages     *memLineages
	gateway      *stubGateway
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	instruments := newMemInstruments()
	applications := newMemApplications()
	lineages := &memLineages{}
	gateway := &stubGateway{}
	tx := passthroughTx{}
	auth := actor.RoleAuthorizer{}
	auditor := auditapp.NewService(&memAudit{}, zerolog.Nop(), nil)
	syncSvc := chainsync.NewService(instruments, memTransfers{}, newMemIntents(), gateway, tx, auth, auditor, zerolog.Nop())
	machine := instrument.NewMachine(nil)
	svc := NewService(applications, instruments, lineages, machine, syncSvc, tx, auth, auditor, zerolog.Nop())
	return &fixture{svc: svc, instruments: instruments, applications: applications, lineages: lineages, gateway: gateway}
}

var (
	enterprise = uuid.New()
	applicant  = actor.Actor{ID: uuid.New(), Name: "op", Roles: []actor.Role{actor.RoleOperator}, EnterpriseID: enterprise}
	reviewer   = actor.Actor{ID: uuid.New(), Name: "rev", Roles: []actor.Role{actor.RoleReviewer}}
)

func seedNormal(t *testing.T, f *fixture, value string) *instrument.Instrument {
	t.Helper()
	v, err := decimal.NewFromString(value)
	require.NoError(t, err)
	inst := &instrument.Instrument{
		InstrumentID: uuid.New(),
		Kind:         instrument.KindBill,
		Status:       instrument.StatusNormal,
		ChainStatus:  instrument.ChainOnchain,
		Value:        v,
		HolderID:     uuid.New(),
		EnterpriseID: enterprise,
		Version:      1,
	}
	require.NoError(t, f.instruments.Create(context.Background(), inst))
	return inst
}

func splitPayload(t *testing.T, scheme instrument.SplitScheme) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(SplitPayload{Scheme: scheme})
	require.NoError(t, err)
	return data
}

func mergePayload(t *testing.T, mt instrument.MergeType) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(MergePayload{MergeType: mt})
	require.NoError(t, err)
	return data
}

func TestService_Submit(t *testing.T) {
	ctx := context.Background()

	t.Run("freeze submission sets the pending-review marker", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")

		app, err := f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
			Reason:    "court order",
		})
		require.NoError(t, err)
		assert.Equal(t, application.ReviewPending, app.ReviewStatus)

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		require.NotNil(t, stored.PendingReview)
		assert.Equal(t, "FREEZE", *stored.PendingReview)
		// status itself does not change until the review settles
		assert.Equal(t, instrument.StatusNormal, stored.Status)
	})

	t.Run("duplicate pending application is a conflict", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")

		_, err := f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindSplit,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
			Payload:   splitPayload(t, instrument.SplitScheme{Mode: instrument.SplitEqual, Count: 2}),
		})
		require.NoError(t, err)

		_, err = f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindSplit,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
			Payload:   splitPayload(t, instrument.SplitScheme{Mode: instrument.SplitEqual, Count: 3}),
		})
		require.ErrorIs(t, err, instrument.ErrConflict)
	})

	t.Run("malformed payload rejected before any mutation", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")

		_, err := f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindSplit,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
			Payload:   splitPayload(t, instrument.SplitScheme{Mode: instrument.SplitEqual, Count: 1}),
		})
		require.ErrorIs(t, err, instrument.ErrValidation)

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		assert.Nil(t, stored.PendingReview)
	})

	t.Run("target count rules", func(t *testing.T) {
		f := newFixture(t)
		a := seedNormal(t, f, "100.00")
		b := seedNormal(t, f, "200.00")

		_, err := f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{a.InstrumentID, b.InstrumentID},
		})
		require.ErrorIs(t, err, instrument.ErrValidation)

		_, err = f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindMerge,
			TargetIDs: []uuid.UUID{a.InstrumentID},
			Payload:   mergePayload(t, instrument.MergeAmount),
		})
		require.ErrorIs(t, err, instrument.ErrValidation)
	})

	t.Run("missing target", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{uuid.New()},
		})
		require.ErrorIs(t, err, instrument.ErrNotFound)
	})

	t.Run("ineligible status rejected", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "100.00")
		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		stored.Status = instrument.StatusCancelled
		require.NoError(t, f.instruments.Update(ctx, stored))

		_, err := f.svc.Submit(ctx, applicant, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
		})
		require.ErrorIs(t, err, instrument.ErrInvalidTransition)
	})
}

func submitted(t *testing.T, f *fixture, params SubmitParams) *application.Application {
	t.Helper()
	app, err := f.svc.Submit(context.Background(), applicant, params)
	require.NoError(t, err)
	return app
}

func TestService_Review_FreezeAndCancel(t *testing.T) {
	ctx := context.Background()

	t.Run("approved freeze lands FROZEN", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
			Reason:    "dispute",
		})

		res, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
			Note:          "verified",
		})
		require.NoError(t, err)
		assert.Equal(t, application.ReviewApproved, res.Application.ReviewStatus)
		require.NotNil(t, res.Application.ReviewerID)
		assert.Equal(t, reviewer.ID, *res.Application.ReviewerID)

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		assert.Equal(t, instrument.StatusFrozen, stored.Status)
		assert.Nil(t, stored.PendingReview)
	})

	t.Run("rejection restores the marker and leaves status alone", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindCancel,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
		})

		res, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionReject,
			Note:          "not justified",
		})
		require.NoError(t, err)
		assert.Equal(t, application.ReviewRejected, res.Application.ReviewStatus)

		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		assert.Equal(t, instrument.StatusNormal, stored.Status)
		assert.Nil(t, stored.PendingReview)
	})

	t.Run("settled application cannot be reviewed again", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
		})
		_, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionReject,
		})
		require.NoError(t, err)

		_, err = f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
		})
		require.ErrorIs(t, err, instrument.ErrConflict)
	})

	t.Run("review requires reviewer role", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
		})
		_, err := f.svc.Review(ctx, applicant, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
		})
		require.ErrorIs(t, err, actor.ErrForbidden)
	})

	t.Run("failed effect converts approval into rejection with the reason", func(t *testing.T) {
		f := newFixture(t)
		inst := seedNormal(t, f, "1000.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindFreeze,
			TargetIDs: []uuid.UUID{inst.InstrumentID},
		})

		// the instrument moves out of NORMAL between submission and review
		stored, _ := f.instruments.GetByID(ctx, inst.InstrumentID)
		stored.Status = instrument.StatusSettled
		require.NoError(t, f.instruments.Update(ctx, stored))

		res, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
		})
		require.NoError(t, err)
		assert.Equal(t, application.ReviewRejected, res.Application.ReviewStatus)
		require.NotNil(t, res.Application.FailureReason)
		assert.NotEmpty(t, *res.Application.FailureReason)
	})
}

func TestService_Review_Split(t *testing.T) {
	ctx := context.Background()

	t.Run("children conserve value and share one anchor", func(t *testing.T) {
		f := newFixture(t)
		parent := seedNormal(t, f, "1000000.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindSplit,
			TargetIDs: []uuid.UUID{parent.InstrumentID},
			Payload:   splitPayload(t, instrument.SplitScheme{Mode: instrument.SplitEqual, Count: 3}),
		})

		res, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
		})
		require.NoError(t, err)
		require.Len(t, res.Created, 3)
		assert.NotEmpty(t, res.TxHash)

		storedParent, _ := f.instruments.GetByID(ctx, parent.InstrumentID)
		assert.Equal(t, instrument.StatusSplit, storedParent.Status)

		sum := decimal.Zero
		for _, child := range res.Created {
			stored, err := f.instruments.GetByID(ctx, child.InstrumentID)
			require.NoError(t, err)
			sum = sum.Add(stored.Value)
			assert.Equal(t, instrument.StatusNormal, stored.Status)
			assert.Equal(t, instrument.ChainOnchain, stored.ChainStatus)
			require.NotNil(t, stored.TxHash)
			assert.Equal(t, *storedParent.TxHash, *stored.TxHash, "children share the parent's anchor tx")
			require.NotNil(t, stored.ParentID)
			assert.Equal(t, parent.InstrumentID, *stored.ParentID)
		}
		assert.True(t, sum.Equal(parent.Value), "conservation: %s != %s", sum, parent.Value)

		edges, err := f.lineages.Children(ctx, parent.InstrumentID)
		require.NoError(t, err)
		assert.Len(t, edges, 3)
	})

	t.Run("split survives a parked chain anchor", func(t *testing.T) {
		f := newFixture(t)
		parent := seedNormal(t, f, "300.00")
		app := submitted(t, f, SubmitParams{
			Kind:      application.KindSplit,
			TargetIDs: []uuid.UUID{parent.InstrumentID},
			Payload:   splitPayload(t, instrument.SplitScheme{Mode: instrument.SplitEqual, Count: 2}),
		})

		f.gateway.submitErr = errors.New("node down")

		res, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
		})
		require.NoError(t, err, "the committed split stands; the anchor is parked")
		assert.Equal(t, application.ReviewApproved, res.Application.ReviewStatus)
		require.Len(t, res.Created, 2)
		assert.Empty(t, res.TxHash)

		storedParent, _ := f.instruments.GetByID(ctx, parent.InstrumentID)
		assert.Equal(t, instrument.StatusSplit, storedParent.Status)
		assert.Equal(t, instrument.ChainFailed, storedParent.ChainStatus)
	})
}

func TestService_ExpirePending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	stale := seedNormal(t, f, "100.00")
	fresh := seedNormal(t, f, "200.00")

	staleApp := submitted(t, f, SubmitParams{
		Kind:      application.KindFreeze,
		TargetIDs: []uuid.UUID{stale.InstrumentID},
	})
	staleApp.CreatedAt = time.Now().UTC().Add(-8 * 24 * time.Hour)
	require.NoError(t, f.applications.Update(ctx, staleApp))

	submitted(t, f, SubmitParams{
		Kind:      application.KindFreeze,
		TargetIDs: []uuid.UUID{fresh.InstrumentID},
	})

	n, err := f.svc.ExpirePending(ctx, 7*24*time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	expired, err := f.applications.GetByID(ctx, staleApp.ApplicationID)
	require.NoError(t, err)
	assert.Equal(t, application.ReviewRejected, expired.ReviewStatus)
	require.NotNil(t, expired.FailureReason)
	assert.Contains(t, *expired.FailureReason, "expired")

	// the stale target's marker is released, the fresh one keeps its slot
	released, _ := f.instruments.GetByID(ctx, stale.InstrumentID)
	assert.Nil(t, released.PendingReview)
	held, _ := f.instruments.GetByID(ctx, fresh.InstrumentID)
	require.NotNil(t, held.PendingReview)
}

func TestService_Review_Merge(t *testing.T) {
	ctx := context.Background()

	t.Run("sources consumed into one product", func(t *testing.T) {
		f := newFixture(t)
		a := seedNormal(t, f, "600.00")
		b := seedNormal(t, f, "400.00")
		holder := a.HolderID
		stored, _ := f.instruments.GetByID(ctx, b.InstrumentID)
		stored.HolderID = holder
		require.NoError(t, f.instruments.Update(ctx, stored))

		app := submitted(t, f, SubmitParams{
			Kind:      application.KindMerge,
			TargetIDs: []uuid.UUID{a.InstrumentID, b.InstrumentID},
			Payload:   mergePayload(t, instrument.MergeAmount),
		})

		res, err := f.svc.Review(ctx, reviewer, ReviewParams{
			ApplicationID: app.ApplicationID,
			Decision:      application.DecisionApprove,
		})
		require.NoError(t, err)
		require.Len(t, res.Created, 1)

		product, err := f.instruments.GetByID(ctx, res.Created[0].InstrumentID)
		require.NoError(t, err)
		assert.True(t, product.Value.Equal(decimal.NewFromInt(1000)))
		assert.Equal(t, instrument.StatusNormal, product.Status)
		assert.Equal(t, instrument.ChainOnchain, product.ChainStatus)
		assert.Equal(t, holder, product.HolderID)

		for _, src := range []uuid.UUID{a.InstrumentID, b.InstrumentID} {
			s, _ := f.instruments.GetByID(ctx, src)
			assert.Equal(t, instrument.StatusMerged, s.Status)
		}

		parents, err := f.lineages.Parents(ctx, product.InstrumentID)
		require.NoError(t, err)
		assert.Len(t, parents, 2)
	})
}
