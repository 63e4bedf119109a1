package recorder

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terranav/fieldrover/internal/proximity"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "drivelog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBCreatesSession(t *testing.T) {
	db := openTestDB(t)
	require.NotEmpty(t, db.SessionID())

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Equal(t, 1, count)
}

func TestRecordAndReadProximity(t *testing.T) {
	db := openTestDB(t)

	p := proximity.FusedProximity{
		GeneratedAt: time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC),
		LidarOK:     true,
	}
	for i := range p.Sectors {
		p.Sectors[i] = proximity.MaxDistanceCM
	}
	p.Sectors[proximity.SectorFront] = 120

	require.NoError(t, db.RecordProximity(p))

	recs, err := db.RecentProximity(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)

	r := recs[0]
	assert.Equal(t, p.Sectors, r.Sectors)
	assert.Equal(t, 120, r.MinCM)
	assert.True(t, r.LidarOK)
	assert.False(t, r.DepthOK)
}

func TestRecordCommand(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.RecordCommand(1450, 1600))

	var steering, throttle int
	err := db.QueryRow(
		"SELECT steering_pwm, throttle_pwm FROM commands WHERE session_id = ?",
		db.SessionID(),
	).Scan(&steering, &throttle)
	require.NoError(t, err)
	assert.Equal(t, 1450, steering)
	assert.Equal(t, 1600, throttle)
}

func TestSessionsAreDistinct(t *testing.T) {
	path := filepath.Join(t.TempDir(), "drivelog.db")

	first, err := NewDB(path)
	require.NoError(t, err)
	firstID := first.SessionID()
	first.Close()

	second, err := NewDB(path)
	require.NoError(t, err)
	defer second.Close()

	assert.NotEqual(t, firstID, second.SessionID())

	var count int
	require.NoError(t, second.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count))
	assert.Equal(t, 2, count)
}
