package db

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/handtrack/internal/glove"
	"github.com/banshee-data/handtrack/internal/monitoring"
	"github.com/banshee-data/handtrack/internal/recording"
)

var logf = monitoring.Tagged("db")

type DB struct {
	*sql.DB
	path string
}

// NewDB opens the sqlite database at path and brings its schema up to date.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// modernc serialises writers per connection; a single connection keeps
	// in-memory databases shared between callers.
	sqlDB.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA temp_store=MEMORY",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.MigrateUp(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// LoadCalibration returns the stored profile for deviceID, or nil when the
// device has never been calibrated.
func (db *DB) LoadCalibration(ctx context.Context, deviceID string) (*glove.Calibration, error) {
	var profile string
	err := db.QueryRowContext(ctx,
		`SELECT profile FROM calibration_profiles WHERE device_id = ?`, deviceID,
	).Scan(&profile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load calibration for %s: %w", deviceID, err)
	}
	var c glove.Calibration
	if err := json.Unmarshal([]byte(profile), &c); err != nil {
		return nil, fmt.Errorf("decode calibration for %s: %w", deviceID, err)
	}
	return &c, nil
}

// SaveCalibration stores c as the profile for deviceID, replacing any
// previous one.
func (db *DB) SaveCalibration(ctx context.Context, deviceID string, c *glove.Calibration) error {
	if deviceID == "" {
		return fmt.Errorf("%w: empty device id", glove.ErrConfiguration)
	}
	if c == nil {
		return fmt.Errorf("%w: nil calibration", glove.ErrConfiguration)
	}
	profile, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO calibration_profiles (device_id, profile, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(device_id) DO UPDATE SET profile = excluded.profile, updated_at = excluded.updated_at`,
		deviceID, string(profile), time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("save calibration for %s: %w", deviceID, err)
	}
	return nil
}

// DeleteCalibration forgets the stored profile for deviceID. It reports
// whether a profile existed.
func (db *DB) DeleteCalibration(ctx context.Context, deviceID string) (bool, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM calibration_profiles WHERE device_id = ?`, deviceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// IndexRecording records info in the recordings catalogue. Saving over an
// existing path replaces its entry.
func (db *DB) IndexRecording(ctx context.Context, info recording.Info) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO recordings (id, path, device_id, hand, frames, duration_ns, created)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			id = excluded.id,
			device_id = excluded.device_id,
			hand = excluded.hand,
			frames = excluded.frames,
			duration_ns = excluded.duration_ns,
			created = excluded.created`,
		info.ID, info.Path, info.DeviceID, info.Hand.String(), info.Frames,
		int64(info.Duration), info.Created.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("index recording %s: %w", info.Path, err)
	}
	return nil
}

// ListRecordings returns catalogued recordings, newest first. An empty
// deviceID lists every device.
func (db *DB) ListRecordings(ctx context.Context, deviceID string) ([]recording.Info, error) {
	query := `SELECT id, path, device_id, hand, frames, duration_ns, created FROM recordings`
	var args []any
	if deviceID != "" {
		query += ` WHERE device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY created DESC, path`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recording.Info
	for rows.Next() {
		var (
			info     recording.Info
			hand     string
			duration int64
			created  int64
		)
		if err := rows.Scan(&info.ID, &info.Path, &info.DeviceID, &hand, &info.Frames, &duration, &created); err != nil {
			return nil, err
		}
		if info.Hand, err = glove.ParseHand(hand); err != nil {
			return nil, fmt.Errorf("recording %s: %w", info.Path, err)
		}
		info.Duration = time.Duration(duration)
		info.Created = time.Unix(0, created).UTC()
		out = append(out, info)
	}
	return out, rows.Err()
}

// AttachAdminRoutes mounts tailsql and a backup download on the debug mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.path), db.DB, &tailsql.DBOptions{
		Label: "Handtrack DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("handtrack-backup-%d.db", time.Now().UnixNano()))
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(backupPath); err != nil {
			logf("failed to remove backup file: %v", err)
		}
	}()

	f, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s.gz", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/gzip")
	gz := gzip.NewWriter(w)
	if _, err := io.Copy(gz, f); err != nil {
		logf("backup copy failed: %v", err)
	}
	if err := gz.Close(); err != nil {
		logf("backup gzip close failed: %v", err)
	}
}
