// Package repository persists cattle registrations and identification
// decisions in Postgres. The service runs without it; when configured, the
// registry warm-loads from here at startup.
package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/herdsure/muzzleid/internal/logging"
)

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("record not found")

// CattleRecord is a persisted registration. The embedding column holds exact
// little-endian float32 bytes so vector precision survives restarts.
type CattleRecord struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Name      string    `gorm:"column:name;size:255"`
	Embedding []byte    `gorm:"column:embedding"`
	Latitude  float64   `gorm:"column:latitude"`
	Longitude float64   `gorm:"column:longitude"`
	CreatedAt time.Time `gorm:"column:created_at;index"`
}

// TableName overrides the default table name.
func (CattleRecord) TableName() string {
	return "cattle_records"
}

// IdentificationLog is one persisted identify decision.
type IdentificationLog struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	CattleID   string    `gorm:"column:cattle_id;size:64"`
	CattleName string    `gorm:"column:cattle_name;size:255"`
	Status     string    `gorm:"column:status;size:32"`
	Similarity float64   `gorm:"column:similarity"`
	DistanceKm float64   `gorm:"column:distance_km"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (IdentificationLog) TableName() string {
	return "identification_logs"
}

// StatsAggregation summarizes the identification audit log.
type StatsAggregation struct {
	TotalCount            int64
	ApprovedCount         int64
	ReviewCount           int64
	LocationMismatchCount int64
	RejectedCount         int64
	AverageSimilarity     float64
}

// CattleRepository provides the persistence APIs, with bounded retries for
// transient database errors.
type CattleRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewCattleRepository creates a repository over an open gorm handle.
func NewCattleRepository(db *gorm.DB, logger *zap.Logger) *CattleRepository {
	return &CattleRepository{
		db:             db,
		logger:         logger.Named("repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures both tables exist.
func (r *CattleRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&CattleRecord{}, &IdentificationLog{})
}

// SaveRecord persists a registration.
func (r *CattleRepository) SaveRecord(ctx context.Context, record *CattleRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.ID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// ListRecords returns every registration oldest-first, so a warm-loaded
// registry keeps the original insertion order and with it the match
// tie-break behavior.
func (r *CattleRepository) ListRecords(ctx context.Context) ([]*CattleRecord, error) {
	var records []*CattleRecord
	err := r.executeWithRetry(ctx, "repository.list_records", "", func() error {
		return r.db.WithContext(ctx).Order("created_at ASC, id ASC").Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// SaveIdentification appends one identify decision to the audit log.
func (r *CattleRepository) SaveIdentification(ctx context.Context, entry *IdentificationLog) error {
	return r.executeWithRetry(ctx, "repository.save_identification", entry.RequestID, func() error {
		return r.db.WithContext(ctx).Create(entry).Error
	})
}

// FindIdentification loads one identify decision by its request id.
// Returns ErrNotFound (wrapped) when the id is unknown.
func (r *CattleRepository) FindIdentification(ctx context.Context, requestID string) (*IdentificationLog, error) {
	var entry IdentificationLog
	err := r.executeWithRetry(ctx, "repository.find_identification", requestID, func() error {
		result := r.db.WithContext(ctx).Where("request_id = ?", requestID).First(&entry)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return result.Error
	})
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// RecentIdentifications returns the newest decisions first.
func (r *CattleRepository) RecentIdentifications(ctx context.Context, limit int) ([]*IdentificationLog, error) {
	var entries []*IdentificationLog
	err := r.executeWithRetry(ctx, "repository.recent_identifications", "", func() error {
		return r.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&entries).Error
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// AggregateStats computes decision totals and the average similarity in SQL.
func (r *CattleRepository) AggregateStats(ctx context.Context) (*StatsAggregation, error) {
	var agg StatsAggregation
	err := r.executeWithRetry(ctx, "repository.aggregate_stats", "", func() error {
		return r.db.WithContext(ctx).Model(&IdentificationLog{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN status = 'APPROVED' THEN 1 ELSE 0 END), 0) AS approved_count, " +
				"COALESCE(SUM(CASE WHEN status = 'MANUAL_REVIEW' THEN 1 ELSE 0 END), 0) AS review_count, " +
				"COALESCE(SUM(CASE WHEN status = 'LOCATION_MISMATCH' THEN 1 ELSE 0 END), 0) AS location_mismatch_count, " +
				"COALESCE(SUM(CASE WHEN status = 'REJECTED' THEN 1 ELSE 0 END), 0) AS rejected_count, " +
				"COALESCE(AVG(similarity), 0) AS average_similarity").
			Scan(&agg).Error
	})
	if err != nil {
		return nil, err
	}
	return &agg, nil
}

func (r *CattleRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
