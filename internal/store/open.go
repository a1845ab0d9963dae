package store

import (
	"strings"
	"time"

	"GuardDispatch/internal/models"

	"github.com/glebarez/sqlite"
	_ "github.com/lib/pq"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// OpenConfig 数据库连接配置
type OpenConfig struct {
	Driver       string // sqlite | mysql | pg | pq
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	LogLevel     gormlogger.LogLevel
}

// Open opens the database and migrates the dispatch tables.
func Open(cfg OpenConfig) (*gorm.DB, error) {
	gcfg := &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(orLogLevel(cfg.LogLevel)),
		SkipDefaultTransaction: true,
		NowFunc:                func() time.Time { return time.Now().UTC() },
	}

	db, err := createDatabaseInstance(gcfg, cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	switch {
	case isMemorySQLite(cfg.Driver, cfg.DSN):
		// 内存库每个连接都是独立的数据库
		sqlDB.SetMaxOpenConns(1)
	case cfg.MaxOpenConns > 0:
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, err
	}
	return db, nil
}

func createDatabaseInstance(cfg *gorm.Config, driver, dsn string) (*gorm.DB, error) {
	switch driver {
	case "mysql":
		return gorm.Open(mysql.Open(dsn), cfg)
	case "pg":
		return gorm.Open(postgres.Open(dsn), cfg)
	case "pq":
		// lib/pq 作为底层驱动，gorm 仍使用 postgres 方言
		return gorm.Open(postgres.New(postgres.Config{DriverName: "postgres", DSN: dsn}), cfg)
	}
	if dsn == "" {
		dsn = "file::memory:"
	}
	return gorm.Open(sqlite.Open(withForeignKeys(dsn)), cfg)
}

// withForeignKeys sqlite 默认不检查外键，报告删除时的级联依赖它
func withForeignKeys(dsn string) string {
	if strings.Contains(dsn, "foreign_keys") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)"
}

func isMemorySQLite(driver, dsn string) bool {
	if driver == "mysql" || driver == "pg" || driver == "pq" {
		return false
	}
	return dsn == "" || strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func orLogLevel(l gormlogger.LogLevel) gormlogger.LogLevel {
	if l == 0 {
		return gormlogger.Warn
	}
	return l
}
