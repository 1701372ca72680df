package database

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/onelrian/rustflix/internal/types"
)

// Open opens (or creates) the sqlite database and runs migrations.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.AutoMigrate(&TranscodeJobRecord{}, &StreamSessionRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	return db, nil
}

// HistoryStore records terminal jobs and ended sessions.
type HistoryStore struct {
	db     *gorm.DB
	logger hclog.Logger
}

// NewHistoryStore creates a history store.
func NewHistoryStore(db *gorm.DB, logger hclog.Logger) *HistoryStore {
	return &HistoryStore{
		db:     db,
		logger: logger.Named("history-store"),
	}
}

// RecordJob persists a terminal job. Non-terminal jobs are ignored.
func (s *HistoryStore) RecordJob(job *types.TranscodingJob) {
	if !job.Status.IsTerminal() {
		return
	}

	record := &TranscodeJobRecord{
		ID:          job.ID,
		AssetID:     job.AssetID,
		Profile:     job.Profile.Name,
		Status:      string(job.Status),
		Progress:    job.Progress,
		Error:       job.Error,
		Attempts:    job.Attempts,
		CreatedAt:   job.CreatedAt,
		CompletedAt: job.CompletedAt,
	}

	if err := s.db.Save(record).Error; err != nil {
		s.logger.Error("failed to record job history", "job_id", job.ID, "error", err)
	}
}

// RecordSession persists an ended session.
func (s *HistoryStore) RecordSession(session *types.StreamingSession) {
	now := time.Now()
	record := &StreamSessionRecord{
		ID:        session.ID,
		UserID:    session.UserID,
		AssetID:   session.AssetID,
		Protocol:  string(session.Protocol),
		Quality:   string(session.Quality),
		Position:  session.Position,
		StartedAt: session.StartedAt,
		EndedAt:   &now,
	}

	if err := s.db.Save(record).Error; err != nil {
		s.logger.Error("failed to record session history", "session_id", session.ID, "error", err)
	}
}

// RecentJobs returns the most recently created job records.
func (s *HistoryStore) RecentJobs(limit int) ([]TranscodeJobRecord, error) {
	var records []TranscodeJobRecord
	if err := s.db.Order("created_at DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list job history: %w", err)
	}
	return records, nil
}

// PruneOlderThan deletes history records created before the cutoff and
// returns how many were removed.
func (s *HistoryStore) PruneOlderThan(age time.Duration) (int64, error) {
	cutoff := time.Now().Add(-age)

	jobs := s.db.Where("created_at < ?", cutoff).Delete(&TranscodeJobRecord{})
	if jobs.Error != nil {
		return 0, fmt.Errorf("prune job history: %w", jobs.Error)
	}
	sessions := s.db.Where("started_at < ?", cutoff).Delete(&StreamSessionRecord{})
	if sessions.Error != nil {
		return jobs.RowsAffected, fmt.Errorf("prune session history: %w", sessions.Error)
	}

	return jobs.RowsAffected + sessions.RowsAffected, nil
}
