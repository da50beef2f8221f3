package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/faceblur/orchestrator/internal/model"
)

// ExecutionRecord is the archived form of a terminal execution
type ExecutionRecord struct {
	ID                string         `gorm:"primaryKey;type:varchar(36)"`
	JobID             string         `gorm:"not null;type:varchar(255);index"`
	SourceBucket      string         `gorm:"not null;type:varchar(255)"`
	SourceKey         string         `gorm:"not null;type:text"`
	Outcome           string         `gorm:"not null;type:varchar(20);index"`
	StatusChecks      int            `gorm:"default:0"`
	Detections        int            `gorm:"default:0"`
	DestinationBucket string         `gorm:"type:varchar(255)"`
	DestinationKey    string         `gorm:"type:text"`
	Cause             string         `gorm:"type:varchar(255)"`
	ErrorCode         string         `gorm:"type:varchar(255)"`
	Document          string         `gorm:"type:jsonb"` // full execution as saved live
	CreatedAt         time.Time      `gorm:"not null"`
	CompletedAt       time.Time      `gorm:"not null;index"`
	DeletedAt         gorm.DeletedAt `gorm:"index"`
}

func (ExecutionRecord) TableName() string {
	return "executions"
}

// Archive keeps terminal executions in Postgres after their live copy expires
type Archive struct {
	db *gorm.DB
}

// OpenArchive connects to Postgres and migrates the schema
func OpenArchive(dsn string) (*Archive, error) {
	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)

	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLogger})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to archive: %w", err)
	}
	if err := db.AutoMigrate(&ExecutionRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate archive: %w", err)
	}
	return &Archive{db: db}, nil
}

// Put stores a terminal execution, replacing an earlier copy
func (a *Archive) Put(ctx context.Context, exec *model.Execution) error {
	record, err := NewExecutionRecord(exec)
	if err != nil {
		return err
	}
	return a.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(record).Error
}

// Get loads an archived execution
func (a *Archive) Get(ctx context.Context, id string) (*model.Execution, error) {
	var record ExecutionRecord
	if err := a.db.WithContext(ctx).First(&record, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	var exec model.Execution
	if err := json.Unmarshal([]byte(record.Document), &exec); err != nil {
		return nil, fmt.Errorf("failed to decode archived execution %s: %w", id, err)
	}
	return &exec, nil
}

// Close releases the connection pool
func (a *Archive) Close() error {
	sqlDB, err := a.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// NewExecutionRecord flattens a terminal execution into its archive row
func NewExecutionRecord(exec *model.Execution) (*ExecutionRecord, error) {
	if !exec.IsTerminal() || exec.CompletedAt == nil {
		return nil, fmt.Errorf("execution %s is %s, only terminal executions are archived", exec.ID, exec.State)
	}

	doc, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode execution %s: %w", exec.ID, err)
	}

	record := &ExecutionRecord{
		ID:           exec.ID,
		JobID:        exec.Handle.JobID,
		SourceBucket: exec.Handle.Source.Bucket,
		SourceKey:    exec.Handle.Source.Key,
		Outcome:      string(exec.Outcome),
		StatusChecks: exec.StatusChecks,
		Detections:   exec.Detections,
		Document:     string(doc),
		CreatedAt:    exec.CreatedAt,
		CompletedAt:  *exec.CompletedAt,
	}
	if exec.Destination != nil {
		record.DestinationBucket = exec.Destination.Bucket
		record.DestinationKey = exec.Destination.Key
	}
	if exec.Diagnostic != nil {
		record.Cause = exec.Diagnostic.Cause
		record.ErrorCode = exec.Diagnostic.Error
	}
	return record, nil
}
