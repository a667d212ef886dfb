// Package upload is the boundary between the acquisition core and the
// network: finalized records are spooled to SQLite and posted from there.
package upload

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/crayfis/xbdaq/calibrate"
	"github.com/crayfis/xbdaq/exposure"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const (
	KindBlock       = "exposure_block"
	KindCalibration = "calibration_result"
)

const schema = `
	CREATE TABLE IF NOT EXISTS exposure_blocks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		xbn INTEGER NOT NULL,
		daq_state TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		uploaded_at TIMESTAMP
	);
	CREATE TABLE IF NOT EXISTS calibration_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		payload BLOB NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		uploaded_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_exposure_blocks_pending ON exposure_blocks(uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_calibration_results_pending ON calibration_results(uploaded_at);
`

// Record is one spooled payload awaiting upload.
type Record struct {
	ID       int64
	Kind     string
	RunID    string
	Payload  []byte
	Attempts int
}

// Spool persists upload records so nothing is lost while the network is
// unavailable.
type Spool struct {
	db  *sql.DB
	log zerolog.Logger
}

// OpenSpool opens or creates the spool database at path.
func OpenSpool(path string, log zerolog.Logger) (*Spool, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("spool %q: %w", p, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("spool schema: %w", err)
	}
	return &Spool{db: db, log: log.With().Str("component", "spool").Logger()}, nil
}

func (s *Spool) Close() error { return s.db.Close() }

// SubmitBlock spools a finalized exposure block.
func (s *Spool) SubmitBlock(ctx context.Context, sum exposure.Summary) error {
	payload, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode exposure block %d: %w", sum.Seq, err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO exposure_blocks (run_id, xbn, daq_state, payload) VALUES (?, ?, ?, ?)",
		sum.RunID, sum.Seq, sum.State, payload)
	if err != nil {
		return fmt.Errorf("spool exposure block %d: %w", sum.Seq, err)
	}
	s.log.Debug().Int("xbn", sum.Seq).Str("state", sum.State).Int("events", len(sum.Events)).Msg("exposure block spooled")
	return nil
}

// SubmitCalibration spools a calibration result.
func (s *Spool) SubmitCalibration(ctx context.Context, r calibrate.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode calibration result: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO calibration_results (run_id, payload) VALUES (?, ?)",
		r.RunID, payload)
	if err != nil {
		return fmt.Errorf("spool calibration result: %w", err)
	}
	return nil
}

func table(kind string) (string, error) {
	switch kind {
	case KindBlock:
		return "exposure_blocks", nil
	case KindCalibration:
		return "calibration_results", nil
	}
	return "", fmt.Errorf("unknown record kind %q", kind)
}

// Pending returns up to limit records not yet uploaded, oldest first,
// calibration results before exposure blocks.
func (s *Spool) Pending(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, run_id, payload, attempts FROM (
			SELECT id, ? AS kind, run_id, payload, attempts, created_at, 0 AS ord
			FROM calibration_results WHERE uploaded_at IS NULL
			UNION ALL
			SELECT id, ? AS kind, run_id, payload, attempts, created_at, 1 AS ord
			FROM exposure_blocks WHERE uploaded_at IS NULL
		) ORDER BY ord, id LIMIT ?`, KindCalibration, KindBlock, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Kind, &r.RunID, &r.Payload, &r.Attempts); err != nil {
			return nil, fmt.Errorf("scan pending record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MarkUploaded removes a record from the pending set.
func (s *Spool) MarkUploaded(ctx context.Context, kind string, id int64) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE "+t+" SET uploaded_at = ? WHERE id = ?", time.Now().UTC(), id)
	return err
}

// MarkFailed records a failed upload attempt.
func (s *Spool) MarkFailed(ctx context.Context, kind string, id int64) error {
	t, err := table(kind)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, "UPDATE "+t+" SET attempts = attempts + 1 WHERE id = ?", id)
	return err
}

// Stats counts pending and uploaded records per kind.
type Stats struct {
	PendingBlocks        int
	UploadedBlocks       int
	PendingCalibrations  int
	UploadedCalibrations int
}

func (s *Spool) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	row := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM exposure_blocks WHERE uploaded_at IS NULL),
			(SELECT COUNT(*) FROM exposure_blocks WHERE uploaded_at IS NOT NULL),
			(SELECT COUNT(*) FROM calibration_results WHERE uploaded_at IS NULL),
			(SELECT COUNT(*) FROM calibration_results WHERE uploaded_at IS NOT NULL)`)
	if err := row.Scan(&st.PendingBlocks, &st.UploadedBlocks, &st.PendingCalibrations, &st.UploadedCalibrations); err != nil {
		return Stats{}, fmt.Errorf("spool stats: %w", err)
	}
	return st, nil
}
