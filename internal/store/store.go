// Package store persists records and pools with gorm. Every read-modify-write
// runs inside Transaction; rows read through a Tx are locked until commit on
// databases that support SELECT ... FOR UPDATE.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hogwarts-cloud/hogd/internal/models"
)

const (
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

const (
	DefaultMaxOpenConns    = 10
	DefaultConnMaxLifetime = 30 * time.Minute
	slowQueryThreshold     = 200 * time.Millisecond
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrVersionConflict   = errors.New("version conflict")
	ErrUnsupportedDriver = errors.New("unsupported database driver")
)

type Config struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
	Logger          *zap.Logger
}

type Store struct {
	db      *gorm.DB
	locking bool
	logger  *zap.Logger
}

// Open connects to the database and migrates the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case DriverMySQL:
		dialector = mysql.Open(cfg.DSN)
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger: logger.New(zap.NewStdLog(cfg.Logger.Named("gorm")), logger.Config{
			SlowThreshold:             slowQueryThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}

	// SQLite has no row locks; a single connection serializes transactions.
	if cfg.Driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns == 0 {
			cfg.MaxOpenConns = DefaultMaxOpenConns
		}
		if cfg.ConnMaxLifetime == 0 {
			cfg.ConnMaxLifetime = DefaultConnMaxLifetime
		}
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	s := &Store{
		db:      db,
		locking: cfg.Driver != DriverSQLite,
		logger:  cfg.Logger,
	}

	if err := s.Migrate(); err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// NewMemory opens a private in-memory SQLite database.
func NewMemory(log *zap.Logger) (*Store, error) {
	return Open(Config{
		Driver: DriverSQLite,
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
		Logger: log,
	})
}

func (s *Store) Migrate() error {
	err := s.db.AutoMigrate(
		&models.Backend{},
		&models.VirtualMachine{},
		&models.Network{},
		&models.BackendNetwork{},
		&models.Port{},
		&models.PoolRecord{},
		&models.AuditEntry{},
	)
	if err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}

	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}

	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get sql db: %w", err)
	}

	return sqlDB.Close()
}

// Transaction runs fn in a database transaction. The transaction commits if
// fn returns nil and rolls back otherwise; locks taken through the Tx are
// released on every exit path.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&Tx{db: db, locking: s.locking})
	})
}
