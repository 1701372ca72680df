package database

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onelrian/rustflix/internal/types"
)

func newTestStore(t *testing.T) *HistoryStore {
	t.Helper()
	db, err := Open(":memory:")
	require.NoError(t, err)
	return NewHistoryStore(db, hclog.NewNullLogger())
}

func TestRecordJobPersistsTerminalOnly(t *testing.T) {
	store := newTestStore(t)

	running := types.NewTranscodingJob("asset-1", types.TranscodingProfile{Name: "hd"})
	running.Status = types.StatusRunning
	store.RecordJob(running)

	done := types.NewTranscodingJob("asset-1", types.TranscodingProfile{Name: "hd"})
	done.Status = types.StatusCompleted
	done.Progress = 100
	now := time.Now()
	done.CompletedAt = &now
	store.RecordJob(done)

	records, err := store.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, done.ID, records[0].ID)
	assert.Equal(t, "completed", records[0].Status)
	assert.Equal(t, 100.0, records[0].Progress)
}

func TestPruneOlderThan(t *testing.T) {
	store := newTestStore(t)

	old := types.NewTranscodingJob("asset-old", types.TranscodingProfile{Name: "sd"})
	old.Status = types.StatusFailed
	old.Error = "encoder exited"
	old.CreatedAt = time.Now().Add(-48 * time.Hour)
	store.RecordJob(old)

	fresh := types.NewTranscodingJob("asset-new", types.TranscodingProfile{Name: "sd"})
	fresh.Status = types.StatusCompleted
	store.RecordJob(fresh)

	removed, err := store.PruneOlderThan(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	records, err := store.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, fresh.ID, records[0].ID)
}

func TestRecordSession(t *testing.T) {
	store := newTestStore(t)

	store.RecordSession(&types.StreamingSession{
		ID:        "s1",
		UserID:    "u1",
		AssetID:   "a1",
		Protocol:  types.ProtocolHLS,
		Quality:   types.QualityHD,
		Position:  42.5,
		StartedAt: time.Now(),
	})

	var record StreamSessionRecord
	require.NoError(t, store.db.First(&record, "id = ?", "s1").Error)
	assert.Equal(t, "hls", record.Protocol)
	assert.Equal(t, 42.5, record.Position)
	assert.NotNil(t, record.EndedAt)
}
