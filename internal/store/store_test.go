package store

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"GuardDispatch/internal/models"
	apperrors "GuardDispatch/pkg/errors"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestStore(t *testing.T) (*GormStore, *gorm.DB) {
	t.Helper()
	db, err := Open(OpenConfig{Driver: "sqlite", LogLevel: gormlogger.Silent})
	require.NoError(t, err)
	s := New(db, zap.NewNop(), nil)
	t.Cleanup(func() { _ = s.Close() })
	return s, db
}

func seed(t *testing.T, db *gorm.DB) {
	t.Helper()
	guards := []models.Guard{
		{ID: 3, Name: "Marek", Surname: "Nowak", Status: models.GuardAvailable, Location: models.Location{Lat: 50.06, Lng: 19.94}},
		{ID: 4, Name: "Ola", Surname: "Kowal", Status: models.GuardAvailable},
		{ID: 5, Name: "Jan", Surname: "Zych", Status: models.GuardUnavailable},
	}
	reports := []models.Report{
		{ID: 7, ClientID: 1, Status: models.ReportWaiting, Date: time.Now(), Location: models.Location{Lat: 50.07, Lng: 19.95}},
		{ID: 8, ClientID: 1, Status: models.ReportWaiting, Date: time.Now()},
		{ID: 9, ClientID: 2, Status: models.ReportFinished, Date: time.Now()},
	}
	require.NoError(t, db.Create(&guards).Error)
	require.NoError(t, db.Create(&reports).Error)
	require.NoError(t, db.Create(&[]models.Employee{{ID: 1, Name: "Ewa", Email: "ewa@example.com"}}).Error)
	require.NoError(t, db.Create(&[]models.Customer{{ID: 1, Name: "Acme"}, {ID: 2, Name: "Globex"}}).Error)
}

func TestReserve(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	ch, err := s.Reserve(ctx, 7, 3, 1)
	require.NoError(t, err)
	assert.Equal(t, models.InterventionInProgress, ch.Intervention.Status)
	assert.Equal(t, 1, ch.Intervention.PatrolNumber)
	assert.Equal(t, models.ReportInProgress, ch.Report.Status)
	assert.Equal(t, models.GuardIntervention, ch.Guard.Status)
	assert.Equal(t, 50.06, ch.Guard.Location.Lat)
	assert.Equal(t, uint64(1), ch.Report.Version)
	assert.Equal(t, uint64(1), ch.Guard.Version)

	active, err := s.ListInterventions(ctx, models.InterventionInProgress)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ch.Intervention.ID, active[0].ID)
}

func TestReserveConflictRollsBack(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	_, err := s.Reserve(ctx, 8, 5, 1)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	assert.False(t, apperrors.IsRetriable(err))

	var report models.Report
	require.NoError(t, db.First(&report, 8).Error)
	assert.Equal(t, models.ReportWaiting, report.Status)

	var n int64
	require.NoError(t, db.Model(&models.Intervention{}).Count(&n).Error)
	assert.Zero(t, n)

	_, err = s.Reserve(ctx, 9, 3, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	_, err = s.Reserve(ctx, 70, 3, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	_, err = s.Reserve(ctx, 8, 42, 1)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))
	require.NoError(t, db.First(&report, 8).Error)
	assert.Equal(t, models.ReportWaiting, report.Status)
}

func TestConcurrentReserveOneGuard(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for _, reportID := range []uint{7, 8} {
		wg.Add(1)
		go func(reportID uint) {
			defer wg.Done()
			_, err := s.Reserve(ctx, reportID, 3, 1)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				wins++
			} else if apperrors.Is(err, apperrors.ErrConflict) {
				conflicts++
			}
		}(reportID)
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, conflicts)

	var inProgress int64
	require.NoError(t, db.Model(&models.Report{}).Where("status = ?", models.ReportInProgress).Count(&inProgress).Error)
	assert.Equal(t, int64(1), inProgress)
}

func TestResolveIsConditional(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	ch, err := s.Reserve(ctx, 7, 3, 1)
	require.NoError(t, err)
	id := ch.Intervention.ID

	confirm := Transition{
		From:        []models.InterventionStatus{models.InterventionInProgress},
		To:          models.InterventionConfirmed,
		GuardStatus: models.GuardIntervention,
	}
	ch, err = s.Resolve(ctx, id, confirm)
	require.NoError(t, err)
	assert.Equal(t, models.InterventionConfirmed, ch.Intervention.Status)
	assert.Nil(t, ch.Intervention.EndTime)

	timeout := Transition{
		From:         []models.InterventionStatus{models.InterventionInProgress},
		To:           models.InterventionCancelledByGuard,
		ReportStatus: models.ReportWaiting,
		GuardStatus:  models.GuardNotResponding,
	}
	_, err = s.Resolve(ctx, id, timeout)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	var guard models.Guard
	require.NoError(t, db.First(&guard, 3).Error)
	assert.Equal(t, models.GuardIntervention, guard.Status)

	_, err = s.Resolve(ctx, 999, timeout)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestDeletingReportCascadesToInterventions(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	var on int
	require.NoError(t, db.Raw("PRAGMA foreign_keys").Scan(&on).Error)
	assert.Equal(t, 1, on)

	ch, err := s.Reserve(ctx, 7, 3, 1)
	require.NoError(t, err)
	require.NoError(t, db.Delete(&models.Report{}, 7).Error)

	_, err = s.GetIntervention(ctx, ch.Intervention.ID)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	_, err = s.Resolve(ctx, ch.Intervention.ID, Transition{
		From: []models.InterventionStatus{models.InterventionInProgress},
		To:   models.InterventionConfirmed,
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
	assert.False(t, apperrors.IsRetriable(err))
}

func TestResolveWithoutReportRow(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	ch, err := s.Reserve(ctx, 7, 3, 1)
	require.NoError(t, err)

	// 没有外键约束的库里报告可能先于介入记录消失
	require.NoError(t, db.Exec("PRAGMA foreign_keys = OFF").Error)
	require.NoError(t, db.Delete(&models.Report{}, 7).Error)

	out, err := s.Resolve(ctx, ch.Intervention.ID, Transition{
		From:         models.ActiveInterventionStatuses,
		To:           models.InterventionCancelledByDispatcher,
		ReportStatus: models.ReportWaiting,
		GuardStatus:  models.GuardAvailable,
	})
	require.NoError(t, err)
	assert.Zero(t, out.Report.ID)
	assert.Equal(t, models.GuardAvailable, out.Guard.Status)
	assert.Equal(t, models.InterventionCancelledByDispatcher, out.Intervention.Status)
	assert.Equal(t, uint64(1), out.Intervention.Version)
}

func TestWithForeignKeys(t *testing.T) {
	assert.Equal(t, "file::memory:?_pragma=foreign_keys(1)", withForeignKeys("file::memory:"))
	assert.Equal(t, "dispatch.db?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", withForeignKeys("dispatch.db?_pragma=busy_timeout(5000)"))
	assert.Equal(t, "x.db?_pragma=foreign_keys(0)", withForeignKeys("x.db?_pragma=foreign_keys(0)"))
}

func TestPatrolNumberCountsPriorInterventions(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	first, err := s.Reserve(ctx, 7, 3, 1)
	require.NoError(t, err)
	_, err = s.Resolve(ctx, first.Intervention.ID, Transition{
		From:         models.ActiveInterventionStatuses,
		To:           models.InterventionCancelledByGuard,
		ReportStatus: models.ReportWaiting,
		GuardStatus:  models.GuardAvailable,
	})
	require.NoError(t, err)

	second, err := s.Reserve(ctx, 7, 4, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, second.Intervention.PatrolNumber)

	closed, err := s.GetIntervention(ctx, first.Intervention.ID)
	require.NoError(t, err)
	assert.NotNil(t, closed.EndTime)
}

func TestUpdateGuardStatus(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	_, err := s.UpdateGuardStatus(ctx, 3, models.GuardNotResponding, models.GuardAvailable)
	assert.True(t, apperrors.Is(err, apperrors.ErrConflict))

	g, err := s.UpdateGuardStatus(ctx, 5, models.GuardUnavailable, models.GuardAvailable)
	require.NoError(t, err)
	assert.Equal(t, models.GuardAvailable, g.Status)

	_, err = s.UpdateGuardStatus(ctx, 42, models.GuardAvailable, models.GuardUnavailable)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestActiveInterventionForGuard(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	_, _, err := s.ActiveInterventionForGuard(ctx, 3)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	_, err = s.Reserve(ctx, 7, 3, 1)
	require.NoError(t, err)

	iv, report, err := s.ActiveInterventionForGuard(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint(7), iv.ReportID)
	assert.Equal(t, 50.07, report.Location.Lat)
	assert.Equal(t, 19.95, report.Location.Lng)
}

func TestLists(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	guards, err := s.ListGuards(ctx)
	require.NoError(t, err)
	assert.Len(t, guards, 3)

	reports, err := s.ListOpenReports(ctx)
	require.NoError(t, err)
	assert.Len(t, reports, 2)

	employees, err := s.ListEmployees(ctx)
	require.NoError(t, err)
	assert.Len(t, employees, 1)

	customers, err := s.ListCustomers(ctx)
	require.NoError(t, err)
	assert.Len(t, customers, 2)

	emp, err := s.EmployeeByEmail(ctx, "EWA@example.com")
	require.NoError(t, err)
	assert.Equal(t, uint(1), emp.ID)
	_, err = s.EmployeeByEmail(ctx, "nobody@example.com")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	assert.NoError(t, s.Ping(ctx))
}

func TestQueryTable(t *testing.T) {
	s, db := newTestStore(t)
	seed(t, db)
	ctx := context.Background()

	page, err := s.QueryTable(ctx, TableQuery{
		Table:            "guards",
		FilterColumnName: "status",
		FilterOperator:   "=",
		FilterValue:      "AVAILABLE",
		SortColumnName:   "id",
		SortOrder:        "desc",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), page.Total)
	assert.Equal(t, DefaultPageSize, page.PageSize)
	rows := *page.Rows.(*[]models.Guard)
	require.Len(t, rows, 2)
	assert.Equal(t, uint(4), rows[0].ID)

	page, err = s.QueryTable(ctx, TableQuery{Table: "customers", FilterColumnName: "name", FilterOperator: "like", FilterValue: "cm"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), page.Total)

	page, err = s.QueryTable(ctx, TableQuery{Table: "reports", Page: 2, PageSize: 1000})
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.PageSize)
	assert.Empty(t, *page.Rows.(*[]models.Report))

	_, err = s.QueryTable(ctx, TableQuery{Table: "guards", FilterColumnName: "status; DROP TABLE guards"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = s.QueryTable(ctx, TableQuery{Table: "secrets"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	_, err = s.QueryTable(ctx, TableQuery{Table: "guards", FilterColumnName: "id", FilterOperator: "~"})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:               gormlogger.Default.LogMode(gormlogger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return New(db, zap.NewNop(), nil), mock
}

func TestReserveStorageFailureIsRetriable(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin().WillReturnError(stderrors.New("connection refused"))

	_, err := s.Reserve(context.Background(), 7, 3, 1)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	assert.True(t, apperrors.IsRetriable(err))
	assert.Equal(t, apperrors.CodeStorage, apperrors.GetCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListGuardsStorageFailure(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`SELECT`).WillReturnError(stderrors.New("broken pipe"))

	_, err := s.ListGuards(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrStorage))
	require.NoError(t, mock.ExpectationsWereMet())
}
