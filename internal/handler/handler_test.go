package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"GuardDispatch/internal/dispatch"
	"GuardDispatch/internal/models"
	"GuardDispatch/internal/recovery"
	"GuardDispatch/internal/store"
	"GuardDispatch/pkg/cache"
	"GuardDispatch/pkg/metrics"
	"GuardDispatch/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

type mailbox struct{ last string }

func (m *mailbox) SendResetToken(ctx context.Context, to models.Employee, token string, expires time.Time) error {
	m.last = token
	return nil
}

type fixture struct {
	engine *gin.Engine
	coord  *dispatch.Coordinator
	reg    *dispatch.Registry
	store  *store.GormStore
	mail   *mailbox
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(store.OpenConfig{Driver: "sqlite", LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, db.Create(&[]models.Guard{
		{ID: 3, Name: "Marek", Status: models.GuardAvailable, Location: models.Location{Lat: 50.06, Lng: 19.94}},
		{ID: 4, Name: "Ola", Status: models.GuardAvailable},
	}).Error)
	require.NoError(t, db.Create(&[]models.Report{
		{ID: 7, ClientID: 1, Status: models.ReportWaiting, Date: now, Location: models.Location{Lat: 50.07, Lng: 19.95}},
		{ID: 8, ClientID: 1, Status: models.ReportWaiting, Date: now},
	}).Error)
	require.NoError(t, db.Create(&models.Employee{ID: 1, Name: "Ewa", Email: "ewa@example.com"}).Error)
	require.NoError(t, db.Create(&models.Customer{ID: 1, Name: "Acme"}).Error)

	mtr := metrics.New()
	st := store.New(db, zap.NewNop(), mtr)
	reg := dispatch.NewRegistry(st, zap.NewNop())
	_, err = reg.Refresh(context.Background())
	require.NoError(t, err)
	coord := dispatch.NewCoordinator(st, reg, dispatch.Options{ConfirmTimeout: time.Minute, Metrics: mtr})

	c := cache.NewGoCache(cache.LocalConfig{DefaultExpiration: time.Minute, CleanupInterval: time.Minute})
	mail := &mailbox{}
	rec := recovery.NewService(recovery.NewTokenStore(c, time.Minute), st, mail, nil)

	tokens, err := middleware.ParseStaticTokens("secret:1")
	require.NoError(t, err)

	r := gin.New()
	r.Use(metrics.GinMiddleware(mtr))
	NewHandlers(coord, st, rec, mtr).Register(r, Middlewares{
		Auth:        middleware.Auth(tokens),
		Idempotency: middleware.IdempotencyMiddleware(middleware.IdempotencyConfig{Store: c}),
	})

	t.Cleanup(func() {
		coord.Close()
		_ = c.Close()
		_ = st.Close()
	})
	return &fixture{engine: r, coord: coord, reg: reg, store: st, mail: mail}
}

func (f *fixture) post(t *testing.T, path string, body interface{}, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer secret")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestAssignConfirmFlow(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 7, "guardId": 3, "employeeId": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var a dispatch.Assignment
	decode(t, w, &a)
	assert.Equal(t, uint(7), a.ReportID)
	assert.Equal(t, models.InterventionInProgress, a.Status)
	assert.False(t, a.Deadline.IsZero())

	w = f.post(t, "/action/getActiveInterventionLocationAssignedToGuard", gin.H{"guardId": 3})
	require.Equal(t, http.StatusOK, w.Code)
	var loc ActiveLocation
	decode(t, w, &loc)
	assert.Equal(t, uint(7), loc.ReportID)
	assert.Equal(t, 50.07, loc.Lat)

	w = f.post(t, "/action/confirmIntervention", gin.H{"interventionId": a.InterventionID})
	require.Equal(t, http.StatusOK, w.Code)
	var res dispatch.Result
	decode(t, w, &res)
	assert.True(t, res.Applied)

	w = f.post(t, "/action/finishIntervention", gin.H{"interventionId": a.InterventionID})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.post(t, "/action/getActiveInterventionLocationAssignedToGuard", gin.H{"guardId": 3})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAssignErrors(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 7})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 7, "guardId": 3})
	require.Equal(t, http.StatusOK, w.Code)

	w = f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 8, "guardId": 3})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 99, "guardId": 4})
	assert.Equal(t, http.StatusConflict, w.Code)
	w = f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 8, "guardId": 99})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestActionsRequireAuth(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/action/assignGuardToReport", bytes.NewReader([]byte(`{"reportId":7,"guardId":3}`)))
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, models.ReportWaiting, mustReport(t, f, 7).Status)
}

func TestAssignIsIdempotent(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 7, "guardId": 3}, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, w.Code)
	w = f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 7, "guardId": 3}, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "duplicate request")
}

func TestCancelAndClear(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/action/assignGuardToReport", gin.H{"reportId": 7, "guardId": 3})
	require.Equal(t, http.StatusOK, w.Code)
	var a dispatch.Assignment
	decode(t, w, &a)

	w = f.post(t, "/action/cancelIntervention", gin.H{"interventionId": a.InterventionID, "origin": "martian"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/action/cancelIntervention", gin.H{"interventionId": a.InterventionID, "origin": "user"})
	require.Equal(t, http.StatusOK, w.Code)
	var res dispatch.Result
	decode(t, w, &res)
	assert.True(t, res.Applied)
	assert.Equal(t, models.InterventionCancelledByUser, res.Intervention.Status)

	// the guard is AVAILABLE, nothing to clear
	w = f.post(t, "/action/clearGuardStatus", gin.H{"guardId": 3})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = f.post(t, "/action/finishIntervention", gin.H{"interventionId": a.InterventionID})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestResetFlow(t *testing.T) {
	f := newFixture(t)

	w := f.post(t, "/auth/reset/request", gin.H{"email": "ewa@example.com"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NotEmpty(t, f.mail.last)

	w = f.post(t, "/auth/reset/request", gin.H{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.post(t, "/auth/reset/verify", gin.H{"token": f.mail.last})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"employeeId":1}`, w.Body.String())

	w = f.post(t, "/auth/reset/verify", gin.H{"token": f.mail.last})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSystemRoutes(t *testing.T) {
	f := newFixture(t)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/system/health", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)

	w = httptest.NewRecorder()
	f.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "http_requests_total")
}

func TestLiveQueries(t *testing.T) {
	f := newFixture(t)
	q := NewLiveQueries(f.store, f.reg)
	ctx := context.Background()

	v, err := q.Command(ctx, CommandGetGuards)
	require.NoError(t, err)
	assert.Len(t, v, 2)

	v, err = q.Command(ctx, CommandGetCustomers)
	require.NoError(t, err)
	assert.Len(t, v, 1)

	_, err = q.Command(ctx, "dropTables")
	assert.Error(t, err)

	v, err = q.Query(ctx, json.RawMessage(`{"table":"reports","filterColumnName":"status","filterOperator":"=","filterValue":"WAITING"}`))
	require.NoError(t, err)
	page := v.(*store.Page)
	assert.Equal(t, int64(2), page.Total)

	_, err = q.Query(ctx, json.RawMessage(`{"table":"secrets"}`))
	assert.Error(t, err)
}

func mustReport(t *testing.T, f *fixture, id uint) models.Report {
	t.Helper()
	for _, r := range f.reg.Snapshot().UpdatedReports {
		if r.ID == id {
			return r
		}
	}
	t.Fatalf("report %d not in registry", id)
	return models.Report{}
}
