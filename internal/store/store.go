package store

import (
	"context"
	stderrors "errors"
	"strings"
	"time"

	"GuardDispatch/internal/models"
	apperrors "GuardDispatch/pkg/errors"
	"GuardDispatch/pkg/metrics"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Change the rows touched by one atomic transition, as committed.
type Change struct {
	Intervention models.Intervention
	Report       models.Report
	Guard        models.Guard
}

// Transition moves an intervention out of one of From into To and sets the
// linked report and guard statuses in the same transaction. Empty
// ReportStatus or GuardStatus leaves that row untouched.
type Transition struct {
	From         []models.InterventionStatus
	To           models.InterventionStatus
	ReportStatus models.ReportStatus
	GuardStatus  models.GuardStatus
}

// Store 派单持久化接口
//
// Every mutation is a conditional update: a failed precondition returns
// ErrConflict and changes nothing, a backend failure returns ErrStorage.
type Store interface {
	Reserve(ctx context.Context, reportID, guardID, employeeID uint) (*Change, error)
	Resolve(ctx context.Context, interventionID uint, t Transition) (*Change, error)
	UpdateGuardStatus(ctx context.Context, guardID uint, from, to models.GuardStatus) (*models.Guard, error)

	GetIntervention(ctx context.Context, id uint) (*models.Intervention, error)
	ListInterventions(ctx context.Context, status models.InterventionStatus) ([]models.Intervention, error)
	ActiveInterventionForGuard(ctx context.Context, guardID uint) (*models.Intervention, *models.Report, error)
	ListGuards(ctx context.Context) ([]models.Guard, error)
	ListOpenReports(ctx context.Context) ([]models.Report, error)
	ListEmployees(ctx context.Context) ([]models.Employee, error)
	EmployeeByEmail(ctx context.Context, email string) (*models.Employee, error)
	ListCustomers(ctx context.Context) ([]models.Customer, error)
	QueryTable(ctx context.Context, q TableQuery) (*Page, error)

	Ping(ctx context.Context) error
	Close() error
}

// GormStore gorm 实现
type GormStore struct {
	db  *gorm.DB
	lg  *zap.Logger
	mtr *metrics.Metrics
}

func New(db *gorm.DB, lg *zap.Logger, mtr *metrics.Metrics) *GormStore {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &GormStore{db: db, lg: lg.Named("store"), mtr: mtr}
}

func (s *GormStore) observe(op string, start time.Time) {
	s.mtr.RecordDBQuery(op, time.Since(start))
}

// Reserve WAITING report + AVAILABLE guard -> IN_PROGRESS / INTERVENTION and a
// new IN_PROGRESS intervention.
func (s *GormStore) Reserve(ctx context.Context, reportID, guardID, employeeID uint) (*Change, error) {
	defer s.observe("reserve", time.Now())

	var out Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Report{}).
			Where("id = ? AND status = ?", reportID, models.ReportWaiting).
			Updates(statusUpdate(models.ReportInProgress))
		if res.Error != nil {
			return apperrors.Storage(res.Error, "reserve report")
		}
		if res.RowsAffected == 0 {
			// 报告不存在同样视为冲突：调度员看到的是过期的列表
			return apperrors.Conflictf("report %d is not waiting", reportID)
		}

		res = tx.Model(&models.Guard{}).
			Where("id = ? AND status = ?", guardID, models.GuardAvailable).
			Updates(statusUpdate(models.GuardIntervention))
		if res.Error != nil {
			return apperrors.Storage(res.Error, "reserve guard")
		}
		if res.RowsAffected == 0 {
			return apperrors.Conflictf("guard %d is not available", guardID)
		}

		var prior int64
		if err := tx.Model(&models.Intervention{}).Where("report_id = ?", reportID).Count(&prior).Error; err != nil {
			return apperrors.Storage(err, "count interventions")
		}

		out.Intervention = models.Intervention{
			ReportID:     reportID,
			GuardID:      guardID,
			EmployeeID:   employeeID,
			PatrolNumber: int(prior) + 1,
			StartTime:    time.Now().UTC(),
			Status:       models.InterventionInProgress,
		}
		if err := tx.Create(&out.Intervention).Error; err != nil {
			return apperrors.Storage(err, "create intervention")
		}
		return loadPair(tx, &out, reportID, guardID)
	})
	if err != nil {
		return nil, apperrors.Storage(err, "reserve")
	}
	return &out, nil
}

// Resolve applies t if the intervention is still in one of t.From.
func (s *GormStore) Resolve(ctx context.Context, interventionID uint, t Transition) (*Change, error) {
	defer s.observe("resolve", time.Now())

	var out Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&out.Intervention, interventionID).Error; err != nil {
			if stderrors.Is(err, gorm.ErrRecordNotFound) {
				return apperrors.NotFoundf("intervention %d", interventionID)
			}
			return apperrors.Storage(err, "load intervention")
		}

		updates := statusUpdate(t.To)
		if !t.To.Active() {
			updates["end_time"] = time.Now().UTC()
		}
		res := tx.Model(&models.Intervention{}).
			Where("id = ? AND status IN ?", interventionID, t.From).
			Updates(updates)
		if res.Error != nil {
			return apperrors.Storage(res.Error, "update intervention")
		}
		if res.RowsAffected == 0 {
			return apperrors.Conflictf("intervention %d is %s", interventionID, out.Intervention.Status)
		}

		if t.ReportStatus != "" {
			if err := tx.Model(&models.Report{}).Where("id = ?", out.Intervention.ReportID).
				Updates(statusUpdate(t.ReportStatus)).Error; err != nil {
				return apperrors.Storage(err, "update report")
			}
		}
		if t.GuardStatus != "" {
			if err := tx.Model(&models.Guard{}).Where("id = ?", out.Intervention.GuardID).
				Updates(statusUpdate(t.GuardStatus)).Error; err != nil {
				return apperrors.Storage(err, "update guard")
			}
		}

		if err := tx.First(&out.Intervention, interventionID).Error; err != nil {
			return apperrors.Storage(err, "reload intervention")
		}
		return loadPair(tx, &out, out.Intervention.ReportID, out.Intervention.GuardID)
	})
	if err != nil {
		return nil, apperrors.Storage(err, "resolve")
	}
	return &out, nil
}

// UpdateGuardStatus from -> to, conflict if the guard is in any other state.
func (s *GormStore) UpdateGuardStatus(ctx context.Context, guardID uint, from, to models.GuardStatus) (*models.Guard, error) {
	defer s.observe("update_guard", time.Now())

	var guard models.Guard
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Guard{}).
			Where("id = ? AND status = ?", guardID, from).
			Updates(statusUpdate(to))
		if res.Error != nil {
			return apperrors.Storage(res.Error, "update guard")
		}
		if res.RowsAffected == 0 {
			return missingOrConflict(tx, &models.Guard{}, "guard", guardID, "guard %d is not %s", guardID, from)
		}
		if err := tx.First(&guard, guardID).Error; err != nil {
			return apperrors.Storage(err, "reload guard")
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.Storage(err, "update guard status")
	}
	return &guard, nil
}

func (s *GormStore) GetIntervention(ctx context.Context, id uint) (*models.Intervention, error) {
	var iv models.Intervention
	if err := s.db.WithContext(ctx).First(&iv, id).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("intervention %d", id)
		}
		return nil, apperrors.Storage(err, "get intervention")
	}
	return &iv, nil
}

func (s *GormStore) ListInterventions(ctx context.Context, status models.InterventionStatus) ([]models.Intervention, error) {
	var ivs []models.Intervention
	if err := s.db.WithContext(ctx).Where("status = ?", status).Order("id").Find(&ivs).Error; err != nil {
		return nil, apperrors.Storage(err, "list interventions")
	}
	return ivs, nil
}

// ActiveInterventionForGuard the guard's IN_PROGRESS or CONFIRMED intervention and its report.
func (s *GormStore) ActiveInterventionForGuard(ctx context.Context, guardID uint) (*models.Intervention, *models.Report, error) {
	defer s.observe("active_intervention", time.Now())

	var iv models.Intervention
	err := s.db.WithContext(ctx).
		Where("guard_id = ? AND status IN ?", guardID, models.ActiveInterventionStatuses).
		Order("id DESC").
		First(&iv).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperrors.NotFoundf("no active intervention for guard %d", guardID)
		}
		return nil, nil, apperrors.Storage(err, "active intervention")
	}

	var report models.Report
	if err := s.db.WithContext(ctx).First(&report, iv.ReportID).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, apperrors.NotFoundf("report %d", iv.ReportID)
		}
		return nil, nil, apperrors.Storage(err, "active intervention report")
	}
	return &iv, &report, nil
}

func (s *GormStore) ListGuards(ctx context.Context) ([]models.Guard, error) {
	var guards []models.Guard
	if err := s.db.WithContext(ctx).Order("id").Find(&guards).Error; err != nil {
		return nil, apperrors.Storage(err, "list guards")
	}
	return guards, nil
}

// ListOpenReports reports that are not FINISHED.
func (s *GormStore) ListOpenReports(ctx context.Context) ([]models.Report, error) {
	var reports []models.Report
	if err := s.db.WithContext(ctx).Where("status <> ?", models.ReportFinished).Order("id").Find(&reports).Error; err != nil {
		return nil, apperrors.Storage(err, "list reports")
	}
	return reports, nil
}

func (s *GormStore) ListEmployees(ctx context.Context) ([]models.Employee, error) {
	var employees []models.Employee
	if err := s.db.WithContext(ctx).Order("id").Find(&employees).Error; err != nil {
		return nil, apperrors.Storage(err, "list employees")
	}
	return employees, nil
}

func (s *GormStore) EmployeeByEmail(ctx context.Context, email string) (*models.Employee, error) {
	var emp models.Employee
	if err := s.db.WithContext(ctx).Where("LOWER(email) = ?", strings.ToLower(email)).First(&emp).Error; err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NotFoundf("employee %s", email)
		}
		return nil, apperrors.Storage(err, "employee by email")
	}
	return &emp, nil
}

func (s *GormStore) ListCustomers(ctx context.Context) ([]models.Customer, error) {
	var customers []models.Customer
	if err := s.db.WithContext(ctx).Order("id").Find(&customers).Error; err != nil {
		return nil, apperrors.Storage(err, "list customers")
	}
	return customers, nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.Storage(err, "ping")
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.Storage(err, "ping")
	}
	return nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// statusUpdate every status change bumps the row version.
func statusUpdate(status interface{}) map[string]interface{} {
	return map[string]interface{}{"status": status, "version": gorm.Expr("version + 1")}
}

// loadPair reloads the report and guard. A row deleted under a live
// intervention is left zero in out instead of failing the transition.
func loadPair(tx *gorm.DB, out *Change, reportID, guardID uint) error {
	if err := tx.First(&out.Report, reportID).Error; err != nil && !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Storage(err, "reload report")
	}
	if err := tx.First(&out.Guard, guardID).Error; err != nil && !stderrors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.Storage(err, "reload guard")
	}
	return nil
}

// missingOrConflict distinguishes a row that does not exist from one in the wrong state.
func missingOrConflict(tx *gorm.DB, model interface{}, kind string, id uint, format string, args ...interface{}) error {
	var n int64
	if err := tx.Model(model).Where("id = ?", id).Count(&n).Error; err != nil {
		return apperrors.Storage(err, "lookup")
	}
	if n == 0 {
		return apperrors.NotFoundf("%s %d", kind, id)
	}
	return apperrors.Conflictf(format, args...)
}
