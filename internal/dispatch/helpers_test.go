package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"GuardDispatch/internal/models"
	"GuardDispatch/internal/store"
	apperrors "GuardDispatch/pkg/errors"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type recordingPublisher struct {
	mu      sync.Mutex
	updates []StateUpdate
}

func (p *recordingPublisher) Publish(v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.updates = append(p.updates, v.(StateUpdate))
}

func (p *recordingPublisher) all() []StateUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StateUpdate(nil), p.updates...)
}

type notification struct {
	guardID uint
	kind    string
	payload interface{}
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (n *recordingNotifier) NotifyGuard(guardID uint, kind string, payload interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, notification{guardID, kind, payload})
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.sent))
	for _, s := range n.sent {
		out = append(out, s.kind)
	}
	return out
}

// flakyStore fails Resolve with a storage error for transitions into target.
type flakyStore struct {
	store.Store
	target models.InterventionStatus

	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyStore) Resolve(ctx context.Context, id uint, t store.Transition) (*store.Change, error) {
	f.mu.Lock()
	f.calls++
	fail := t.To == f.target && f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()
	if fail {
		return nil, apperrors.Storage(errors.New("connection reset"), "resolve")
	}
	return f.Store.Resolve(ctx, id, t)
}

type testEnv struct {
	db       *gorm.DB
	store    *store.GormStore
	reg      *Registry
	coord    *Coordinator
	pub      *recordingPublisher
	notifier *recordingNotifier
}

func newEnv(t *testing.T, timeout time.Duration, wrap func(store.Store) store.Store) *testEnv {
	t.Helper()
	db, err := store.Open(store.OpenConfig{Driver: "sqlite", LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	seedDispatch(t, db)

	gs := store.New(db, zap.NewNop(), nil)
	var st store.Store = gs
	if wrap != nil {
		st = wrap(gs)
	}

	env := &testEnv{db: db, store: gs, pub: &recordingPublisher{}, notifier: &recordingNotifier{}}
	env.reg = NewRegistry(st, zap.NewNop())
	_, err = env.reg.Refresh(context.Background())
	require.NoError(t, err)
	env.coord = NewCoordinator(st, env.reg, Options{
		ConfirmTimeout: timeout,
		Logger:         zap.NewNop(),
		Publisher:      env.pub,
		Notifiers:      []Notifier{env.notifier},
	})
	t.Cleanup(func() {
		env.coord.Close()
		_ = gs.Close()
	})
	return env
}

func seedDispatch(t *testing.T, db *gorm.DB) {
	t.Helper()
	now := time.Now()
	require.NoError(t, db.Create(&[]models.Guard{
		{ID: 3, Name: "Marek", Surname: "Nowak", Status: models.GuardAvailable, Location: models.Location{Lat: 50.06, Lng: 19.94}},
		{ID: 4, Name: "Ola", Surname: "Kowal", Status: models.GuardAvailable},
	}).Error)
	require.NoError(t, db.Create(&[]models.Report{
		{ID: 7, ClientID: 1, Status: models.ReportWaiting, Date: now, Location: models.Location{Lat: 50.07, Lng: 19.95}},
		{ID: 8, ClientID: 1, Status: models.ReportWaiting, Date: now},
	}).Error)
	require.NoError(t, db.Create(&models.Employee{ID: 1, Name: "Ewa", Email: "ewa@example.com"}).Error)
}

func (e *testEnv) guard(t *testing.T, id uint) models.Guard {
	t.Helper()
	var g models.Guard
	require.NoError(t, e.db.First(&g, id).Error)
	return g
}

func (e *testEnv) report(t *testing.T, id uint) models.Report {
	t.Helper()
	var r models.Report
	require.NoError(t, e.db.First(&r, id).Error)
	return r
}

func (e *testEnv) intervention(t *testing.T, id uint) models.Intervention {
	t.Helper()
	var iv models.Intervention
	require.NoError(t, e.db.First(&iv, id).Error)
	return iv
}
