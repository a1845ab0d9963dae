package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"GuardDispatch/internal/models"
	apperrors "GuardDispatch/pkg/errors"

	"github.com/spf13/cast"
	"gorm.io/gorm"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

// TableQuery 表格分页查询，字段名与前端一致
type TableQuery struct {
	Table            string      `json:"table"`
	Page             int         `json:"page"`
	PageSize         int         `json:"pageSize"`
	FilterColumnName string      `json:"filterColumnName"`
	FilterOperator   string      `json:"filterOperator"`
	FilterValue      interface{} `json:"filterValue"`
	SortColumnName   string      `json:"sortColumnName"`
	SortOrder        string      `json:"sortOrder"`
}

// Page 查询结果
type Page struct {
	Table    string      `json:"table"`
	Page     int         `json:"page"`
	PageSize int         `json:"pageSize"`
	Total    int64       `json:"total"`
	Rows     interface{} `json:"rows"`
}

type tableSpec struct {
	model   func() interface{}
	rows    func() interface{}
	columns map[string]string // json 名 -> 列名
}

var tables = map[string]tableSpec{
	"guards": {
		model: func() interface{} { return &models.Guard{} },
		rows:  func() interface{} { return &[]models.Guard{} },
		columns: map[string]string{
			"id": "id", "name": "name", "surname": "surname", "phone": "phone", "status": "status",
		},
	},
	"reports": {
		model: func() interface{} { return &models.Report{} },
		rows:  func() interface{} { return &[]models.Report{} },
		columns: map[string]string{
			"id": "id", "clientId": "client_id", "date": "date", "status": "status",
		},
	},
	"interventions": {
		model: func() interface{} { return &models.Intervention{} },
		rows:  func() interface{} { return &[]models.Intervention{} },
		columns: map[string]string{
			"id": "id", "reportId": "report_id", "guardId": "guard_id", "employeeId": "employee_id",
			"patrolNumber": "patrol_number", "startTime": "start_time", "endTime": "end_time", "status": "status",
		},
	},
	"employees": {
		model: func() interface{} { return &models.Employee{} },
		rows:  func() interface{} { return &[]models.Employee{} },
		columns: map[string]string{
			"id": "id", "name": "name", "surname": "surname", "email": "email", "role": "role",
		},
	},
	"customers": {
		model: func() interface{} { return &models.Customer{} },
		rows:  func() interface{} { return &[]models.Customer{} },
		columns: map[string]string{
			"id": "id", "name": "name", "surname": "surname", "phone": "phone", "email": "email",
		},
	},
}

var operators = map[string]string{
	"=": "=", "!=": "<>", "<": "<", "<=": "<=", ">": ">", ">=": ">=", "like": "LIKE",
}

// normalize fills defaults and validates names against the whitelist.
func (q *TableQuery) normalize() (tableSpec, error) {
	spec, ok := tables[strings.ToLower(q.Table)]
	if !ok {
		return tableSpec{}, apperrors.Wrapf(apperrors.ErrInvalid, "unknown table %q", q.Table)
	}
	q.Table = strings.ToLower(q.Table)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	if q.FilterColumnName != "" {
		if _, ok := spec.columns[q.FilterColumnName]; !ok {
			return tableSpec{}, apperrors.Wrapf(apperrors.ErrInvalid, "unknown filter column %q", q.FilterColumnName)
		}
		if q.FilterOperator == "" {
			q.FilterOperator = "="
		}
		if _, ok := operators[strings.ToLower(q.FilterOperator)]; !ok {
			return tableSpec{}, apperrors.Wrapf(apperrors.ErrInvalid, "unknown filter operator %q", q.FilterOperator)
		}
	}
	if q.SortColumnName == "" {
		q.SortColumnName = "id"
	}
	if _, ok := spec.columns[q.SortColumnName]; !ok {
		return tableSpec{}, apperrors.Wrapf(apperrors.ErrInvalid, "unknown sort column %q", q.SortColumnName)
	}
	switch strings.ToLower(q.SortOrder) {
	case "", "asc":
		q.SortOrder = "asc"
	case "desc":
		q.SortOrder = "desc"
	default:
		return tableSpec{}, apperrors.Wrapf(apperrors.ErrInvalid, "unknown sort order %q", q.SortOrder)
	}
	return spec, nil
}

// QueryTable 分页查询白名单中的表
func (s *GormStore) QueryTable(ctx context.Context, q TableQuery) (*Page, error) {
	defer s.observe("query_table", time.Now())

	spec, err := q.normalize()
	if err != nil {
		return nil, err
	}

	base := func() *gorm.DB {
		db := s.db.WithContext(ctx).Model(spec.model())
		if q.FilterColumnName != "" {
			col := spec.columns[q.FilterColumnName]
			op := operators[strings.ToLower(q.FilterOperator)]
			value := q.FilterValue
			if op == "LIKE" {
				value = "%" + cast.ToString(value) + "%"
			}
			db = db.Where(fmt.Sprintf("%s %s ?", col, op), value)
		}
		return db
	}

	page := &Page{Table: q.Table, Page: q.Page, PageSize: q.PageSize}
	if err := base().Count(&page.Total).Error; err != nil {
		return nil, apperrors.Storage(err, "count "+q.Table)
	}

	rows := spec.rows()
	err = base().
		Order(spec.columns[q.SortColumnName] + " " + q.SortOrder).
		Offset((q.Page - 1) * q.PageSize).
		Limit(q.PageSize).
		Find(rows).Error
	if err != nil {
		return nil, apperrors.Storage(err, "query "+q.Table)
	}
	page.Rows = rows
	return page, nil
}
