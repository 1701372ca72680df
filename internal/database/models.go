// Package database provides the sqlite-backed history store. Live job and
// session state is held in memory by the owning components; this store keeps
// an audit trail of terminal jobs and ended sessions past in-memory GC.
package database

import "time"

// TranscodeJobRecord is the persisted form of a terminal transcoding job.
type TranscodeJobRecord struct {
	ID          string `gorm:"primaryKey"`
	AssetID     string `gorm:"index"`
	Profile     string
	Status      string `gorm:"index"`
	Progress    float64
	Error       string
	Attempts    int
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// StreamSessionRecord is the persisted form of an ended streaming session.
type StreamSessionRecord struct {
	ID        string `gorm:"primaryKey"`
	UserID    string `gorm:"index"`
	AssetID   string `gorm:"index"`
	Protocol  string
	Quality   string
	Position  float64
	StartedAt time.Time
	EndedAt   *time.Time
}
