package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ShayCichocki/conductor/pkg/models"
)

// SaveBattleSession upserts a battle session snapshot.
func (db *DB) SaveBattleSession(ctx context.Context, s *models.BattleSession) error {
	if s == nil || s.JobID == "" {
		return fmt.Errorf("save battle session: job id is required")
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode battle session: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO battle_sessions (job_id, base_branch, strategy, session, started_at, finalized_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			base_branch = excluded.base_branch,
			strategy = excluded.strategy,
			session = excluded.session,
			finalized_at = excluded.finalized_at,
			updated_at = excluded.updated_at
	`, s.JobID, s.BaseBranch, s.Strategy, string(data), formatTime(s.StartedAt),
		nullableTime(s.FinalizedAt), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save battle session: %w", err)
	}
	return nil
}

func decodeSession(data string) (*models.BattleSession, error) {
	var s models.BattleSession
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		return nil, fmt.Errorf("decode battle session: %w", err)
	}
	return &s, nil
}

// GetBattleSession retrieves a battle session by job ID. It returns nil if
// no such session exists.
func (db *DB) GetBattleSession(ctx context.Context, jobID string) (*models.BattleSession, error) {
	var data string
	err := db.QueryRowContext(ctx, `SELECT session FROM battle_sessions WHERE job_id = ?`, jobID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get battle session: %w", err)
	}
	return decodeSession(data)
}

// ListBattleSessions lists battle sessions, newest first. With activeOnly
// set, finalized sessions are skipped.
func (db *DB) ListBattleSessions(ctx context.Context, activeOnly bool) ([]*models.BattleSession, error) {
	query := `SELECT session FROM battle_sessions`
	if activeOnly {
		query += ` WHERE finalized_at IS NULL`
	}
	query += ` ORDER BY started_at DESC`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list battle sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*models.BattleSession
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan battle session: %w", err)
		}
		s, err := decodeSession(data)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// DeleteBattleSession removes a battle session.
func (db *DB) DeleteBattleSession(ctx context.Context, jobID string) error {
	if _, err := db.ExecContext(ctx, `DELETE FROM battle_sessions WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete battle session: %w", err)
	}
	return nil
}
