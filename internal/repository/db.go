package repository

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/models"
)

// Store bundles every repository the services need.
type Store struct {
	KV          KVRepository
	Submissions SubmissionRepository
	ErrorLogs   ErrorLogRepository

	close func() error
}

func (s *Store) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

// Open builds the store selected by cfg.Type ("postgres" or "memory").
func Open(cfg *config.DatabaseConfig) (*Store, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryStore(), nil
	case "postgres":
		db, err := NewDatabase(cfg)
		if err != nil {
			return nil, err
		}
		return NewGormStore(db), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func NewMemoryStore() *Store {
	return &Store{
		KV:          NewMemoryKV(),
		Submissions: NewMemorySubmissions(),
		ErrorLogs:   NewMemoryErrorLogs(),
	}
}

func NewGormStore(db *gorm.DB) *Store {
	return &Store{
		KV:          NewGormKV(db),
		Submissions: NewGormSubmissions(db),
		ErrorLogs:   NewGormErrorLogs(db),
		close: func() error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func NewDatabase(cfg *config.DatabaseConfig) (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s TimeZone=%s",
		cfg.Host, cfg.Username, cfg.Password, cfg.Database, cfg.Port, cfg.SSLMode, cfg.TimeZone)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Submission{},
		&models.DistributionJob{},
		&models.KeyValue{},
		&models.ErrorLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return db, nil
}
