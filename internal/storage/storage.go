package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps SQLite-backed persistence for plug-in invocations.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer at a time; pipeline workers share the handle.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invocations (
            id TEXT PRIMARY KEY,
            job_type TEXT NOT NULL,
            procedure TEXT,
            status TEXT NOT NULL,
            input_path TEXT,
            trimap_path TEXT,
            output_path TEXT,
            options_json TEXT,
            host_status TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS invocation_results (
            job_id TEXT,
            meta_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS layer_outputs (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            job_id TEXT NOT NULL,
            name TEXT NOT NULL,
            path TEXT NOT NULL,
            width INTEGER,
            height INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_layer_outputs_job_id ON layer_outputs(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_invocation_results_job_id ON invocation_results(job_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures a persisted invocation.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Procedure   string     `json:"procedure,omitempty"`
	Status      string     `json:"status"`
	InputPath   string     `json:"input"`
	TrimapPath  string     `json:"trimap,omitempty"`
	OutputPath  string     `json:"output"`
	OptionsJSON string     `json:"options,omitempty"`
	HostStatus  string     `json:"host_status,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// LayerOutput is one written result layer.
type LayerOutput struct {
	JobID  string `json:"job_id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// RecordJobQueued inserts a pending invocation.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO invocations (id, job_type, procedure, status, input_path, trimap_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Procedure, rec.Status, rec.InputPath, rec.TrimapPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks an invocation as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE invocations SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes an invocation with status, the host status
// string and meta.
func (s *Store) RecordJobResult(id string, status, hostStatus string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}
	_, err = s.DB.Exec(`UPDATE invocations SET status=?, host_status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, hostStatus, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO invocation_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecordLayerOutput stores the location of a written result layer.
func (s *Store) RecordLayerOutput(out LayerOutput) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT INTO layer_outputs (job_id, name, path, width, height) VALUES (?, ?, ?, ?, ?);`,
		out.JobID, out.Name, out.Path, out.Width, out.Height)
	return err
}

const jobColumns = `id, job_type, procedure, status, input_path, trimap_path, output_path, options_json, host_status, created_at, started_at, completed_at, error_message`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (JobRecord, error) {
	var rec JobRecord
	var procedure, trimap, options, hostStatus, errorMsg, input, output sql.NullString
	var created time.Time
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &rec.JobType, &procedure, &rec.Status, &input, &trimap, &output, &options, &hostStatus, &created, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.Procedure = procedure.String
	rec.InputPath = input.String
	rec.TrimapPath = trimap.String
	rec.OutputPath = output.String
	rec.OptionsJSON = options.String
	rec.HostStatus = hostStatus.String
	rec.Error = errorMsg.String
	rec.CreatedAt = created
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest invocations up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM invocations ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches one invocation. It returns sql.ErrNoRows for unknown ids.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, errors.New("store not initialized")
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM invocations WHERE id=?;`, id))
}

// JobMeta fetches the last meta blob for an invocation.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM invocation_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// LayerOutputs lists the result layers written for an invocation.
func (s *Store) LayerOutputs(jobID string) ([]LayerOutput, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT job_id, name, path, width, height FROM layer_outputs WHERE job_id=? ORDER BY id;`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outs []LayerOutput
	for rows.Next() {
		var o LayerOutput
		if err := rows.Scan(&o.JobID, &o.Name, &o.Path, &o.Width, &o.Height); err != nil {
			return nil, err
		}
		outs = append(outs, o)
	}
	return outs, rows.Err()
}
