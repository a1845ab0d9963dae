package models

import "time"

type GuardStatus string

const (
	GuardAvailable     GuardStatus = "AVAILABLE"
	GuardUnavailable   GuardStatus = "UNAVAILABLE"
	GuardIntervention  GuardStatus = "INTERVENTION"
	GuardNotResponding GuardStatus = "NOT_RESPONDING"
)

type ReportStatus string

const (
	ReportWaiting    ReportStatus = "WAITING"
	ReportInProgress ReportStatus = "IN_PROGRESS"
	ReportFinished   ReportStatus = "FINISHED"
)

type InterventionStatus string

const (
	InterventionCancelledByUser       InterventionStatus = "CANCELLED_BY_USER"
	InterventionCancelledByGuard      InterventionStatus = "CANCELLED_BY_GUARD"
	InterventionCancelledByDispatcher InterventionStatus = "CANCELLED_BY_DISPATCHER"
	InterventionFinished              InterventionStatus = "FINISHED"
	InterventionInProgress            InterventionStatus = "IN_PROGRESS"
	InterventionConfirmed             InterventionStatus = "CONFIRMED"
)

// Active an active intervention holds its guard and report.
func (s InterventionStatus) Active() bool {
	return s == InterventionInProgress || s == InterventionConfirmed
}

// ActiveInterventionStatuses 占用警卫与报告的状态
var ActiveInterventionStatuses = []InterventionStatus{InterventionInProgress, InterventionConfirmed}

// Location 经纬度
type Location struct {
	Lat float64 `json:"lat" gorm:"column:lat"`
	Lng float64 `json:"lng" gorm:"column:lng"`
}

// Guard 现场安保人员
//
// Version increases with every committed status change; consumers keep the
// highest version they have seen.
type Guard struct {
	ID        uint        `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string      `json:"name" gorm:"size:64"`
	Surname   string      `json:"surname" gorm:"size:64"`
	Phone     string      `json:"phone" gorm:"size:32"`
	Status    GuardStatus `json:"status" gorm:"size:16;index;default:AVAILABLE"`
	Location  Location    `json:"location" gorm:"embedded;embeddedPrefix:location_"`
	Version   uint64      `json:"version" gorm:"not null;default:0"`
	UpdatedAt time.Time   `json:"-"`
}

// Report 事件报告
type Report struct {
	ID        uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	ClientID  uint         `json:"clientId" gorm:"index"`
	Location  Location     `json:"location" gorm:"embedded;embeddedPrefix:location_"`
	Date      time.Time    `json:"date"`
	Status    ReportStatus `json:"status" gorm:"size:16;index;default:WAITING"`
	Version   uint64       `json:"version" gorm:"not null;default:0"`
	UpdatedAt time.Time    `json:"-"`

	Interventions []Intervention `json:"-" gorm:"foreignKey:ReportID;constraint:OnDelete:CASCADE"`
}

// Intervention one guard's response to one report. GuardID and EmployeeID are weak
// references: deleting a guard or employee keeps the history row.
type Intervention struct {
	ID           uint               `json:"id" gorm:"primaryKey;autoIncrement"`
	ReportID     uint               `json:"reportId" gorm:"index;not null"`
	GuardID      uint               `json:"guardId" gorm:"index"`
	EmployeeID   uint               `json:"employeeId" gorm:"index"`
	PatrolNumber int                `json:"patrolNumber"`
	StartTime    time.Time          `json:"startTime"`
	EndTime      *time.Time         `json:"endTime,omitempty"`
	Status       InterventionStatus `json:"status" gorm:"size:32;index"`
	Version      uint64             `json:"version" gorm:"not null;default:0"`
}

// Employee 调度员
type Employee struct {
	ID      uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Name    string `json:"name" gorm:"size:64"`
	Surname string `json:"surname" gorm:"size:64"`
	Email   string `json:"email" gorm:"size:128;uniqueIndex"`
	Role    string `json:"role" gorm:"size:32"`
}

// Customer 客户
type Customer struct {
	ID      uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	Name    string `json:"name" gorm:"size:64"`
	Surname string `json:"surname" gorm:"size:64"`
	Phone   string `json:"phone" gorm:"size:32"`
	Email   string `json:"email" gorm:"size:128"`
}

// AllModels 自动迁移顺序
func AllModels() []interface{} {
	return []interface{}{&Guard{}, &Report{}, &Intervention{}, &Employee{}, &Customer{}}
}
