package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "github.com/kagent-dev/sage/pkg/errors"
)

type searchCacheRow struct {
	Key        string    `gorm:"column:key;primaryKey"`
	Value      string    `gorm:"column:value;type:text;not null"`
	Timestamp  time.Time `gorm:"column:timestamp;not null;index"`
	SourceType string    `gorm:"column:source_type"`
}

func (searchCacheRow) TableName() string { return "search_cache" }

type sessionRow struct {
	SessionID    string    `gorm:"column:session_id;primaryKey"`
	Goal         string    `gorm:"column:goal;type:text;not null"`
	StartTime    time.Time `gorm:"column:start_time;not null;index"`
	EndTime      time.Time `gorm:"column:end_time"`
	Status       string    `gorm:"column:status;not null"`
	FinalReport  string    `gorm:"column:final_report;type:text"`
	Iterations   int       `gorm:"column:iterations"`
	QualityScore float64   `gorm:"column:quality_score"`
	Reason       string    `gorm:"column:reason;type:text"`
}

func (sessionRow) TableName() string { return "research_sessions" }

// SQLStore is a Store backed by gorm. It holds the search_cache and
// research_sessions tables.
type SQLStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) a sqlite database file. The pure-Go
// driver keeps the binary cgo-free.
func OpenSQLite(path string) (*SQLStore, error) {
	if path == "" {
		path = "sage.db"
	}
	dsn := path
	if !strings.Contains(dsn, "_pragma=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := gorm.Open(sqlite.Open(dsn), gormConfig())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to open sqlite cache", err)
	}

	// sqlite allows a single writer; serializing connections avoids SQLITE_BUSY
	// under concurrent sessions.
	sqlDB, err := db.DB()
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to access sqlite handle", err)
	}
	sqlDB.SetMaxOpenConns(1)

	return NewSQLStore(db)
}

// OpenPostgres connects to a postgres database.
func OpenPostgres(dsn string) (*SQLStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), gormConfig())
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to open postgres cache", err)
	}
	return NewSQLStore(db)
}

// NewSQLStore wraps an existing gorm handle and migrates the cache tables.
func NewSQLStore(db *gorm.DB) (*SQLStore, error) {
	if err := db.AutoMigrate(&searchCacheRow{}, &sessionRow{}); err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to migrate cache tables", err)
	}
	return &SQLStore{db: db}, nil
}

func gormConfig() *gorm.Config {
	return &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}
}

func (s *SQLStore) Get(ctx context.Context, key string) (*Entry, error) {
	key = NormalizeKey(key)

	var row searchCacheRow
	err := s.db.WithContext(ctx).Where(&searchCacheRow{Key: key}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to read cache entry", err)
	}

	return &Entry{
		Key:        row.Key,
		Value:      row.Value,
		Timestamp:  row.Timestamp,
		SourceType: row.SourceType,
	}, nil
}

func (s *SQLStore) Put(ctx context.Context, key string, entry Entry) error {
	row := searchCacheRow{
		Key:        NormalizeKey(key),
		Value:      entry.Value,
		Timestamp:  entry.Timestamp.UTC(),
		SourceType: entry.SourceType,
	}

	// Last write wins by timestamp: an older entry never replaces a newer one.
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "timestamp", "source_type"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "search_cache.timestamp <= excluded.timestamp"},
		}},
	}).Create(&row).Error
	if err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to upsert cache entry", err)
	}
	return nil
}

func (s *SQLStore) SaveSession(ctx context.Context, record SessionRecord) error {
	row := sessionRow{
		SessionID:    record.SessionID,
		Goal:         record.Goal,
		StartTime:    record.StartTime.UTC(),
		EndTime:      record.EndTime.UTC(),
		Status:       record.Status,
		FinalReport:  record.FinalReport,
		Iterations:   record.Iterations,
		QualityScore: record.QualityScore,
		Reason:       record.Reason,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return apperrors.New(apperrors.ErrCodeCacheWrite, "failed to insert session record", err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var row sessionRow
	err := s.db.WithContext(ctx).Where(&sessionRow{SessionID: sessionID}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to read session record", err)
	}
	record := row.toRecord()
	return &record, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := s.db.WithContext(ctx).Order("start_time DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, apperrors.New(apperrors.ErrCodeCacheUnavailable, "failed to list session records", err)
	}

	records := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toRecord())
	}
	return records, nil
}

func (s *SQLStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (r sessionRow) toRecord() SessionRecord {
	return SessionRecord{
		SessionID:    r.SessionID,
		Goal:         r.Goal,
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		Status:       r.Status,
		FinalReport:  r.FinalReport,
		Iterations:   r.Iterations,
		QualityScore: r.QualityScore,
		Reason:       r.Reason,
	}
}
