package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// RunMode records which entrypoint produced a run.
type RunMode string

const (
	RunModePlan   RunMode = "plan"
	RunModeRun    RunMode = "run"
	RunModeBattle RunMode = "battle"
)

// Run is the persisted summary of one decompose-and-execute call.
type Run struct {
	JobID        string           `json:"job_id"`
	SpecID       string           `json:"spec_id"`
	Mode         RunMode          `json:"mode"`
	Spec         *models.TaskSpec `json:"spec"`
	SubtaskCount int              `json:"subtask_count"`
	LayerCount   int              `json:"layer_count"`
	Metrics      models.Metrics   `json:"metrics"`
	Timings      models.Timings   `json:"timings"`
	Unscheduled  []string         `json:"unscheduled,omitempty"`
	Warnings     []string         `json:"warnings,omitempty"`
	Truncated    bool             `json:"truncated"`
	StartedAt    time.Time        `json:"started_at"`
	Duration     time.Duration    `json:"duration"`
}

// SaveRun stores a run and its results in one transaction. Saving the same
// job ID again replaces the previous record.
func (db *DB) SaveRun(ctx context.Context, run *Run, results []models.Result) error {
	if run == nil || run.JobID == "" {
		return fmt.Errorf("save run: job id is required")
	}
	spec, err := json.Marshal(run.Spec)
	if err != nil {
		return fmt.Errorf("encode spec: %w", err)
	}
	metrics, err := json.Marshal(run.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	timings, err := json.Marshal(run.Timings)
	if err != nil {
		return fmt.Errorf("encode timings: %w", err)
	}
	unscheduled, err := encodeList(run.Unscheduled)
	if err != nil {
		return fmt.Errorf("encode unscheduled: %w", err)
	}
	warnings, err := encodeList(run.Warnings)
	if err != nil {
		return fmt.Errorf("encode warnings: %w", err)
	}

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM results WHERE job_id = ?`, run.JobID); err != nil {
			return fmt.Errorf("clear results: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO runs (job_id, spec_id, mode, spec, subtask_count, layer_count,
				metrics, timings, unscheduled, warnings, truncated, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, run.JobID, run.SpecID, string(run.Mode), string(spec), run.SubtaskCount, run.LayerCount,
			string(metrics), string(timings), unscheduled, warnings, run.Truncated,
			formatTime(run.StartedAt), run.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("save run: %w", err)
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO results (job_id, subtask_id, success, blocked, output, error, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare result insert: %w", err)
		}
		defer stmt.Close()

		for _, r := range results {
			if _, err := stmt.ExecContext(ctx, run.JobID, r.SubtaskID, r.Success, r.Blocked,
				r.Output, r.Error, r.Duration.Milliseconds()); err != nil {
				return fmt.Errorf("save result %s: %w", r.SubtaskID, err)
			}
		}
		return nil
	})
}

const runColumns = `job_id, spec_id, mode, spec, subtask_count, layer_count, metrics, timings,
	unscheduled, warnings, truncated, started_at, duration_ms`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		r                            Run
		mode, spec, metrics, timings string
		unscheduled, warnings        sql.NullString
		startedAt                    string
		durationMS                   int64
	)
	if err := row.Scan(&r.JobID, &r.SpecID, &mode, &spec, &r.SubtaskCount, &r.LayerCount,
		&metrics, &timings, &unscheduled, &warnings, &r.Truncated, &startedAt, &durationMS); err != nil {
		return nil, err
	}
	r.Mode = RunMode(mode)
	if err := json.Unmarshal([]byte(spec), &r.Spec); err != nil {
		return nil, fmt.Errorf("decode spec of %s: %w", r.JobID, err)
	}
	if err := json.Unmarshal([]byte(metrics), &r.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics of %s: %w", r.JobID, err)
	}
	if err := json.Unmarshal([]byte(timings), &r.Timings); err != nil {
		return nil, fmt.Errorf("decode timings of %s: %w", r.JobID, err)
	}
	var err error
	if r.Unscheduled, err = decodeList(unscheduled); err != nil {
		return nil, fmt.Errorf("decode unscheduled of %s: %w", r.JobID, err)
	}
	if r.Warnings, err = decodeList(warnings); err != nil {
		return nil, fmt.Errorf("decode warnings of %s: %w", r.JobID, err)
	}
	r.StartedAt, _ = parseTime(startedAt)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return &r, nil
}

// GetRun retrieves a run by job ID. It returns nil if no such run exists.
func (db *DB) GetRun(ctx context.Context, jobID string) (*Run, error) {
	row := db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE job_id = ?`, jobID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A non-positive limit returns all.
func (db *DB) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetResults returns the results of a run in the order they were saved.
func (db *DB) GetResults(ctx context.Context, jobID string) ([]models.Result, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT subtask_id, success, blocked, output, error, duration_ms
		FROM results WHERE job_id = ? ORDER BY rowid
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("get results: %w", err)
	}
	defer rows.Close()

	var results []models.Result
	for rows.Next() {
		var (
			r            models.Result
			output, errS sql.NullString
			durationMS   int64
		)
		if err := rows.Scan(&r.SubtaskID, &r.Success, &r.Blocked, &output, &errS, &durationMS); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.Output = output.String
		r.Error = errS.String
		r.Duration = time.Duration(durationMS) * time.Millisecond
		results = append(results, r)
	}
	return results, rows.Err()
}

func encodeList(items []string) (sql.NullString, error) {
	if len(items) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeList(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var items []string
	if err := json.Unmarshal([]byte(s.String), &items); err != nil {
		return nil, err
	}
	return items, nil
}
