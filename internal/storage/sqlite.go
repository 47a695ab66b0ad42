package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mpataki/crew/internal/errs"
	"github.com/mpataki/crew/internal/models"
)

// Storage persists tracker state, controller sessions and workflow runs in a
// single sqlite database. It implements tracker.Store.
type Storage struct {
	db *sql.DB
}

func New(dbPath string) (*Storage, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows one writer; serialize through one connection.
	db.SetMaxOpenConns(1)

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS workflow_runs (
		id TEXT PRIMARY KEY,
		definition_id TEXT NOT NULL,
		prompt TEXT NOT NULL DEFAULT '',
		workspace_path TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		next_step INTEGER NOT NULL DEFAULT 0,
		stuck_reason TEXT,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS execution_records (
		workflow_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		started_at TEXT,
		ended_at TEXT,
		last_updated TEXT NOT NULL,
		last_heartbeat TEXT,
		output TEXT,
		artifacts TEXT,
		error TEXT,
		PRIMARY KEY (workflow_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS handoffs (
		id TEXT PRIMARY KEY,
		workflow_id TEXT NOT NULL,
		from_agent TEXT NOT NULL,
		to_agent TEXT NOT NULL,
		payload TEXT,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE TABLE IF NOT EXISTS agent_sessions (
		workflow_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		data TEXT NOT NULL,
		touched INTEGER NOT NULL,
		PRIMARY KEY (workflow_id, agent_id)
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON workflow_runs(status);
	CREATE INDEX IF NOT EXISTS idx_handoffs_workflow ON handoffs(workflow_id);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func (s *Storage) SaveRecord(rec *models.ExecutionRecord) error {
	artifacts, err := json.Marshal(rec.Artifacts)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO execution_records
		   (workflow_id, agent_id, command, status, started_at, ended_at, last_updated, last_heartbeat, output, artifacts, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, agent_id) DO UPDATE SET
		   command = excluded.command, status = excluded.status,
		   started_at = excluded.started_at, ended_at = excluded.ended_at,
		   last_updated = excluded.last_updated, last_heartbeat = excluded.last_heartbeat,
		   output = excluded.output, artifacts = excluded.artifacts, error = excluded.error`,
		rec.WorkflowID, rec.AgentID, rec.Command, string(rec.Status),
		formatTime(rec.StartedAt), formatTime(rec.EndedAt), stamp(rec.LastUpdated),
		formatTime(rec.LastHeartbeat), rec.Output, string(artifacts), rec.Error,
	)
	return err
}

// LoadRecords returns every stored record, or those of one workflow when
// workflowID is non-empty.
func (s *Storage) LoadRecords(workflowID string) ([]*models.ExecutionRecord, error) {
	query := `SELECT workflow_id, agent_id, command, status, started_at, ended_at, last_updated, last_heartbeat, output, artifacts, error
		 FROM execution_records`
	var args []any
	if workflowID != "" {
		query += ` WHERE workflow_id = ?`
		args = append(args, workflowID)
	}
	query += ` ORDER BY workflow_id, agent_id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ExecutionRecord
	for rows.Next() {
		var rec models.ExecutionRecord
		var status string
		var startedAt, endedAt, heartbeat, output, artifacts, errText sql.NullString
		var lastUpdated string

		err := rows.Scan(
			&rec.WorkflowID, &rec.AgentID, &rec.Command, &status,
			&startedAt, &endedAt, &lastUpdated, &heartbeat, &output, &artifacts, &errText,
		)
		if err != nil {
			return nil, err
		}

		rec.Status = models.ExecStatus(status)
		rec.Output = output.String
		rec.Error = errText.String
		if rec.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		if rec.EndedAt, err = parseTime(endedAt); err != nil {
			return nil, err
		}
		if rec.LastHeartbeat, err = parseTime(heartbeat); err != nil {
			return nil, err
		}
		updated, err := parseTime(sql.NullString{String: lastUpdated, Valid: true})
		if err != nil {
			return nil, err
		}
		rec.LastUpdated = *updated
		if artifacts.Valid && artifacts.String != "" {
			if err := json.Unmarshal([]byte(artifacts.String), &rec.Artifacts); err != nil {
				return nil, fmt.Errorf("failed to decode artifacts of %s/%s: %w", rec.WorkflowID, rec.AgentID, err)
			}
		}

		records = append(records, &rec)
	}

	return records, rows.Err()
}

func (s *Storage) SaveHandoff(h *models.Handoff) error {
	payload, err := json.Marshal(h.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(
		`INSERT INTO handoffs (id, workflow_id, from_agent, to_agent, payload, status, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status = excluded.status, completed_at = excluded.completed_at`,
		h.ID, h.WorkflowID, h.FromAgent, h.ToAgent, string(payload), string(h.Status),
		stamp(h.CreatedAt), formatTime(h.CompletedAt),
	)
	return err
}

// LoadHandoffs returns all stored handoffs in creation order.
func (s *Storage) LoadHandoffs() ([]*models.Handoff, error) {
	rows, err := s.db.Query(
		`SELECT id, workflow_id, from_agent, to_agent, payload, status, created_at, completed_at
		 FROM handoffs ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var handoffs []*models.Handoff
	for rows.Next() {
		var h models.Handoff
		var status, createdAt string
		var payload, completedAt sql.NullString

		if err := rows.Scan(&h.ID, &h.WorkflowID, &h.FromAgent, &h.ToAgent, &payload, &status, &createdAt, &completedAt); err != nil {
			return nil, err
		}
		h.Status = models.HandoffStatus(status)
		created, err := parseTime(sql.NullString{String: createdAt, Valid: true})
		if err != nil {
			return nil, err
		}
		h.CreatedAt = *created
		if h.CompletedAt, err = parseTime(completedAt); err != nil {
			return nil, err
		}
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &h.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode handoff %s payload: %w", h.ID, err)
			}
		}
		handoffs = append(handoffs, &h)
	}

	return handoffs, rows.Err()
}

// DeleteWorkflow removes everything scoped to the workflow except its run.
func (s *Storage) DeleteWorkflow(workflowID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM execution_records WHERE workflow_id = ?`,
		`DELETE FROM handoffs WHERE workflow_id = ?`,
		`DELETE FROM agent_sessions WHERE workflow_id = ?`,
	} {
		if _, err := tx.Exec(stmt, workflowID); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Session is one agent's persisted controller snapshot.
type Session struct {
	AgentID string
	Data    []byte
}

// SaveSession stores an opaque controller snapshot for one agent of the
// workflow and marks it as the most recently used.
func (s *Storage) SaveSession(workflowID, agentID string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO agent_sessions (workflow_id, agent_id, data, touched)
		 VALUES (?, ?, ?, (SELECT COALESCE(MAX(touched), 0) + 1 FROM agent_sessions))
		 ON CONFLICT(workflow_id, agent_id) DO UPDATE SET data = excluded.data, touched = excluded.touched`,
		workflowID, agentID, string(data),
	)
	return err
}

// LoadSessions returns the workflow's snapshots, least recently used first.
func (s *Storage) LoadSessions(workflowID string) ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT agent_id, data FROM agent_sessions WHERE workflow_id = ? ORDER BY touched`,
		workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var data string
		if err := rows.Scan(&sess.AgentID, &data); err != nil {
			return nil, err
		}
		sess.Data = []byte(data)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *Storage) CreateRun(run *models.WorkflowRun) error {
	_, err := s.db.Exec(
		`INSERT INTO workflow_runs (id, definition_id, prompt, workspace_path, status, next_step, stuck_reason, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.DefinitionID, run.Prompt, run.WorkspacePath, string(run.Status), run.NextStep,
		run.StuckReason, stamp(run.CreatedAt), formatTime(run.CompletedAt),
	)
	return err
}

func (s *Storage) UpdateRun(run *models.WorkflowRun) error {
	res, err := s.db.Exec(
		`UPDATE workflow_runs SET status = ?, next_step = ?, stuck_reason = ?, workspace_path = ?, completed_at = ? WHERE id = ?`,
		string(run.Status), run.NextStep, run.StuckReason, run.WorkspacePath, formatTime(run.CompletedAt), run.ID,
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errs.NotFound("workflow", run.ID)
	}
	return nil
}

func (s *Storage) GetRun(id string) (*models.WorkflowRun, error) {
	row := s.db.QueryRow(
		`SELECT id, definition_id, prompt, workspace_path, status, next_step, stuck_reason, created_at, completed_at
		 FROM workflow_runs WHERE id = ?`, id,
	)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.NotFound("workflow", id)
	}
	return run, err
}

func (s *Storage) ListRuns(limit int) ([]*models.WorkflowRun, error) {
	rows, err := s.db.Query(
		`SELECT id, definition_id, prompt, workspace_path, status, next_step, stuck_reason, created_at, completed_at
		 FROM workflow_runs ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and all of its workflow state.
func (s *Storage) DeleteRun(id string) error {
	if err := s.DeleteWorkflow(id); err != nil {
		return err
	}
	_, err := s.db.Exec(`DELETE FROM workflow_runs WHERE id = ?`, id)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.WorkflowRun, error) {
	var run models.WorkflowRun
	var status, createdAt string
	var stuck, completedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.DefinitionID, &run.Prompt, &run.WorkspacePath,
		&status, &run.NextStep, &stuck, &createdAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	run.StuckReason = stuck.String
	created, err := parseTime(sql.NullString{String: createdAt, Valid: true})
	if err != nil {
		return nil, err
	}
	run.CreatedAt = *created
	if run.CompletedAt, err = parseTime(completedAt); err != nil {
		return nil, err
	}
	return &run, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// stamp formats a required timestamp, substituting now for the zero time.
func stamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil, fmt.Errorf("invalid stored time %q: %w", v.String, err)
	}
	return &t, nil
}

// FormatTimeAgo renders t relative to now for status listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
