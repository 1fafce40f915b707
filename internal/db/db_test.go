package db

import (
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/recording"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(func(string, ...interface{}) {})
	os.Exit(m.Run())
}

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "handtrack.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDBAppliesSchema(t *testing.T) {
	db := newTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	for _, table := range []string{"calibration_profiles", "recordings"} {
		var name string
		err := db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		require.NoError(t, err, table)
	}

	var journal string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journal))
	assert.Equal(t, "wal", journal)
}

func TestNewDBReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "handtrack.db")
	db, err := NewDB(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveCalibration(context.Background(), "glove-1", glove.DefaultCalibration()))
	require.NoError(t, db.Close())

	db, err = NewDB(path)
	require.NoError(t, err)
	defer db.Close()
	c, err := db.LoadCalibration(context.Background(), "glove-1")
	require.NoError(t, err)
	assert.Equal(t, glove.DefaultCalibration(), c)
}

func TestMigrateDownAndUp(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.MigrateDown())
	version, _, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(0), version)

	_, err = db.LoadCalibration(context.Background(), "x")
	assert.Error(t, err, "table should be gone")

	require.NoError(t, db.MigrateUp())
	require.NoError(t, db.MigrateUp(), "second up is a no-op")
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, db.MigrateForce(1))
}

func TestCalibrationProfiles(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	c, err := db.LoadCalibration(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, c)

	custom, err := glove.DefaultCalibration().WithFlexion(1, 0.1, 2.9)
	require.NoError(t, err)
	require.NoError(t, db.SaveCalibration(ctx, "glove-1", glove.DefaultCalibration()))
	require.NoError(t, db.SaveCalibration(ctx, "glove-1", custom))

	got, err := db.LoadCalibration(ctx, "glove-1")
	require.NoError(t, err)
	assert.Equal(t, custom, got)

	assert.ErrorIs(t, db.SaveCalibration(ctx, "", custom), glove.ErrConfiguration)
	assert.ErrorIs(t, db.SaveCalibration(ctx, "glove-2", nil), glove.ErrConfiguration)

	existed, err := db.DeleteCalibration(ctx, "glove-1")
	require.NoError(t, err)
	assert.True(t, existed)
	existed, err = db.DeleteCalibration(ctx, "glove-1")
	require.NoError(t, err)
	assert.False(t, existed)
}

func TestRecordingCatalogue(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	infos := []recording.Info{
		{ID: "a", Path: "/r/a.hrec", DeviceID: "glove-1", Hand: glove.Right, Frames: 10, Duration: time.Second, Created: base},
		{ID: "b", Path: "/r/b.hrec", DeviceID: "glove-2", Hand: glove.Left, Frames: 20, Duration: 2 * time.Second, Created: base.Add(time.Minute)},
		{ID: "c", Path: "/r/c.hrec", DeviceID: "glove-1", Hand: glove.Right, Frames: 5, Duration: 500 * time.Millisecond, Created: base.Add(2 * time.Minute)},
	}
	for _, info := range infos {
		require.NoError(t, db.IndexRecording(ctx, info))
	}

	all, err := db.ListRecordings(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{all[0].ID, all[1].ID, all[2].ID})
	assert.Equal(t, infos[1], all[1])

	mine, err := db.ListRecordings(ctx, "glove-1")
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	// Overwriting a path replaces its entry.
	replaced := infos[0]
	replaced.ID = "a2"
	replaced.Frames = 99
	require.NoError(t, db.IndexRecording(ctx, replaced))
	mine, err = db.ListRecordings(ctx, "glove-1")
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, "a2", mine[1].ID)
	assert.Equal(t, 99, mine[1].Frames)
}

func TestAdminRoutes(t *testing.T) {
	db := newTestDB(t)
	require.NoError(t, db.SaveCalibration(context.Background(), "glove-1", glove.DefaultCalibration()))

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/backup", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))

	gz, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	body, err := io.ReadAll(gz)
	require.NoError(t, err)
	assert.Equal(t, "SQLite format 3\x00", string(body[:16]))
}
