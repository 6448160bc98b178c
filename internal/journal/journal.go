// Package journal records capture runs and per-frame summaries in SQLite.
package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/thermcap/internal/thermapp"
)

// ErrUnknownRun is returned when a run id is not in the journal.
var ErrUnknownRun = errors.New("unknown run")

// Journal is a capture journal database.
type Journal struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the journal at path and brings its schema
// up to date. ":memory:" opens a private in-memory journal.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; a single connection also keeps an
	// in-memory database alive and shared.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	j := &Journal{DB: db, path: path}
	if err := j.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Path returns the path the journal was opened with.
func (j *Journal) Path() string { return j.path }

// Run is one capture session.
type Run struct {
	ID             string     `json:"run_id"`
	Source         string     `json:"source"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	FramesRecorded int64      `json:"frames_recorded"`
	FramesDropped  int64      `json:"frames_dropped"`
}

// FrameRecord is the journal row for one delivered frame.
type FrameRecord struct {
	RunID      string                `json:"run_id"`
	Seq        int64                 `json:"seq"`
	Metadata   thermapp.Metadata     `json:"metadata"`
	Celsius    float64               `json:"temperature_c"`
	Summary    thermapp.FrameSummary `json:"summary"`
	ReceivedAt time.Time             `json:"received_at"`
}

// StartRun creates a run row and returns its id. source describes where the
// frames come from, such as a device spec or a replay file.
func (j *Journal) StartRun(source string, at time.Time) (string, error) {
	id := uuid.NewString()
	_, err := j.Exec(
		`INSERT INTO runs (run_id, source, started_unix_nano) VALUES (?, ?, ?)`,
		id, source, at.UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	return id, nil
}

// RecordFrame stores the header fields and pixel summary of f as frame seq
// of the run.
func (j *Journal) RecordFrame(runID string, seq int64, f *thermapp.Frame) error {
	s := f.Summary()

	tx, err := j.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE runs SET frames_recorded = frames_recorded + 1 WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}

	_, err = tx.Exec(
		`INSERT INTO frames (
			run_id, seq, frame_count, serial_number, hardware_version,
			firmware_version, raw_temperature, temperature_c, pixel_min,
			pixel_max, pixel_mean, pixel_stddev, received_unix_nano
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, f.FrameCount, f.SerialNumber, f.HardwareVersion,
		f.FirmwareVersion, f.RawTemperature, f.Celsius(), s.Min,
		s.Max, s.Mean, s.StdDev, f.ReceivedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record frame: %w", err)
	}
	return tx.Commit()
}

// EndRun marks the run finished and records how many frames the exchange
// dropped during it.
func (j *Journal) EndRun(runID string, at time.Time, dropped uint64) error {
	res, err := j.Exec(
		`UPDATE runs SET ended_unix_nano = ?, frames_dropped = ? WHERE run_id = ?`,
		at.UnixNano(), int64(dropped), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to end run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
	}
	return nil
}

// Runs returns up to limit runs, most recent first.
func (j *Journal) Runs(limit int) ([]Run, error) {
	rows, err := j.Query(
		`SELECT run_id, source, started_unix_nano, ended_unix_nano, frames_recorded, frames_dropped
		FROM runs ORDER BY started_unix_nano DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Source, &started, &ended, &r.FramesRecorded, &r.FramesDropped); err != nil {
			return nil, err
		}
		r.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			r.EndedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// LatestRunID returns the id of the most recently started run.
func (j *Journal) LatestRunID() (string, error) {
	var id string
	err := j.QueryRow(`SELECT run_id FROM runs ORDER BY started_unix_nano DESC LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUnknownRun
	}
	return id, err
}

// Frames returns up to limit frames of a run in delivery order.
func (j *Journal) Frames(runID string, limit int) ([]FrameRecord, error) {
	rows, err := j.Query(
		`SELECT seq, frame_count, serial_number, hardware_version, firmware_version,
			raw_temperature, temperature_c, pixel_min, pixel_max, pixel_mean,
			pixel_stddev, received_unix_nano
		FROM frames WHERE run_id = ? ORDER BY seq LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FrameRecord
	for rows.Next() {
		r := FrameRecord{RunID: runID}
		var received int64
		if err := rows.Scan(
			&r.Seq, &r.Metadata.FrameCount, &r.Metadata.SerialNumber,
			&r.Metadata.HardwareVersion, &r.Metadata.FirmwareVersion,
			&r.Metadata.RawTemperature, &r.Celsius, &r.Summary.Min,
			&r.Summary.Max, &r.Summary.Mean, &r.Summary.StdDev, &received,
		); err != nil {
			return nil, err
		}
		r.ReceivedAt = time.Unix(0, received).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}
