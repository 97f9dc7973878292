package db

import (
	"fmt"
	"time"

	"keypool/internal/config"
	"keypool/internal/model"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Service defines the persistence operations used by the pool components.
// This allows for mocking in tests and decouples the components from the
// concrete gorm implementation.
type Service interface {
	// Credentials
	CreateCredential(cred *model.Credential) error
	GetCredentialByPublicID(publicID string) (*model.Credential, error)
	ListCredentials(owner string) ([]model.Credential, error)
	ListActiveCredentials(provider string) ([]model.Credential, error)
	SetCredentialActive(publicID string, active bool) error

	// Usage counters
	LoadCounters(day string) ([]model.UsageCounter, error)
	UpsertCounter(counter *model.UsageCounter) error

	// Health snapshots
	LoadHealthSnapshots() ([]model.HealthSnapshot, error)
	UpsertHealthSnapshot(snap *model.HealthSnapshot) error

	// Request log
	AppendRequestLog(entry *model.RequestLog) error
	ListRecentRequestLogs(limit int) ([]model.RequestLog, error)
	PruneRequestLogs(before time.Time) (int64, error)

	GetDB() *gorm.DB
	Close() error
}

type service struct {
	db *gorm.DB
}

// NewService opens the configured database and migrates the schema.
func NewService(cfg config.DatabaseConfig) (Service, error) {
	var dialector gorm.Dialector
	switch cfg.Type {
	case "sqlite":
		dialector = sqlite.Open(cfg.DSN)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	gormDB, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Auto-migrate the schema
	err = gormDB.AutoMigrate(
		&model.Credential{},
		&model.UsageCounter{},
		&model.HealthSnapshot{},
		&model.RequestLog{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to auto-migrate database: %w", err)
	}

	return &service{db: gormDB}, nil
}

func (s *service) GetDB() *gorm.DB {
	return s.db
}

func (s *service) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *service) CreateCredential(cred *model.Credential) error {
	if err := s.db.Create(cred).Error; err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

func (s *service) GetCredentialByPublicID(publicID string) (*model.Credential, error) {
	var cred model.Credential
	if err := s.db.Where("public_id = ?", publicID).First(&cred).Error; err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *service) ListCredentials(owner string) ([]model.Credential, error) {
	var creds []model.Credential
	q := s.db.Model(&model.Credential{})
	if owner != "" {
		q = q.Where("owner_id = ?", owner)
	}
	if err := q.Order("created_at asc").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	return creds, nil
}

func (s *service) ListActiveCredentials(provider string) ([]model.Credential, error) {
	var creds []model.Credential
	q := s.db.Model(&model.Credential{}).Where("active = ?", true)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	if err := q.Order("created_at asc").Find(&creds).Error; err != nil {
		return nil, fmt.Errorf("failed to list active credentials: %w", err)
	}
	return creds, nil
}

func (s *service) SetCredentialActive(publicID string, active bool) error {
	result := s.db.Model(&model.Credential{}).
		Where("public_id = ?", publicID).
		Update("active", active)
	if result.Error != nil {
		return fmt.Errorf("failed to update credential %s: %w", publicID, result.Error)
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *service) LoadCounters(day string) ([]model.UsageCounter, error) {
	var counters []model.UsageCounter
	if err := s.db.Where("day = ?", day).Find(&counters).Error; err != nil {
		return nil, fmt.Errorf("failed to load usage counters: %w", err)
	}
	return counters, nil
}

func (s *service) UpsertCounter(counter *model.UsageCounter) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "credential_id"}, {Name: "model_name"}, {Name: "day"},
		},
		DoUpdates: clause.AssignmentColumns([]string{"used", "quota", "updated_at"}),
	}).Create(counter).Error
	if err != nil {
		return fmt.Errorf("failed to upsert usage counter: %w", err)
	}
	return nil
}

func (s *service) LoadHealthSnapshots() ([]model.HealthSnapshot, error) {
	var snaps []model.HealthSnapshot
	if err := s.db.Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("failed to load health snapshots: %w", err)
	}
	return snaps, nil
}

func (s *service) UpsertHealthSnapshot(snap *model.HealthSnapshot) error {
	err := s.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "credential_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"score", "avg_latency_ms", "last_status", "last_tested_at", "updated_at",
		}),
	}).Create(snap).Error
	if err != nil {
		return fmt.Errorf("failed to upsert health snapshot: %w", err)
	}
	return nil
}

func (s *service) AppendRequestLog(entry *model.RequestLog) error {
	if err := s.db.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to append request log: %w", err)
	}
	return nil
}

func (s *service) ListRecentRequestLogs(limit int) ([]model.RequestLog, error) {
	var entries []model.RequestLog
	if err := s.db.Order("created_at desc").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("failed to list request logs: %w", err)
	}
	return entries, nil
}

func (s *service) PruneRequestLogs(before time.Time) (int64, error) {
	result := s.db.Unscoped().Where("created_at < ?", before).Delete(&model.RequestLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune request logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}
