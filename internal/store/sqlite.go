// Copyright 2025 The Loom Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	looerrors "github.com/loomctl/loom/pkg/errors"
)

// SQLiteStore is the durable Store backend for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// SQLiteConfig contains the connection configuration.
type SQLiteConfig struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// NewSQLiteStore opens the database, configures pragmas, and runs the
// migrations.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			submitter TEXT NOT NULL,
			plan TEXT,
			allow_tools TEXT,
			status TEXT NOT NULL,
			reason TEXT,
			budgets TEXT NOT NULL,
			totals TEXT NOT NULL,
			submitted_at TEXT NOT NULL,
			ended_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS steps (
			step_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			server_id TEXT NOT NULL,
			tool_name TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			error_kind TEXT,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			attempts INTEGER NOT NULL,
			attempt_log TEXT,
			cost REAL DEFAULT 0,
			artefact_refs TEXT,
			PRIMARY KEY (run_id, ordinal),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS approvals (
			approval_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT,
			qualified_name TEXT,
			reason TEXT,
			requested_at TEXT NOT NULL,
			resolved_at TEXT,
			decision TEXT NOT NULL,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approvals_run_id ON approvals(run_id)`,
		`CREATE TABLE IF NOT EXISTS citations (
			citation_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			artefact_id TEXT,
			external_ref TEXT,
			locator TEXT,
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_citations_run_id ON citations(run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			payload TEXT,
			PRIMARY KEY (run_id, sequence),
			FOREIGN KEY (run_id) REFERENCES runs(run_id) ON DELETE CASCADE
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateRun implements Store.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	budgetsJSON, err := json.Marshal(run.Budgets)
	if err != nil {
		return fmt.Errorf("failed to marshal budgets: %w", err)
	}
	totalsJSON, err := json.Marshal(run.Totals)
	if err != nil {
		return fmt.Errorf("failed to marshal totals: %w", err)
	}
	allowJSON, err := json.Marshal(run.AllowTools)
	if err != nil {
		return fmt.Errorf("failed to marshal allow_tools: %w", err)
	}

	query := `
		INSERT INTO runs (run_id, submitter, plan, allow_tools, status, reason, budgets, totals, submitted_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		run.RunID, run.Submitter, nullString(string(run.Plan)), string(allowJSON),
		string(run.Status), nullString(string(run.Reason)),
		string(budgetsJSON), string(totalsJSON),
		run.SubmittedAt.Format(time.RFC3339Nano), formatTime(run.EndedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun implements Store.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*Run, error) {
	query := `
		SELECT run_id, submitter, plan, allow_tools, status, reason, budgets, totals, submitted_at, ended_at
		FROM runs WHERE run_id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, runID))
	if err == sql.ErrNoRows {
		return nil, notFound("run", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	var run Run
	var plan, reason, allowJSON, endedAt sql.NullString
	var budgetsJSON, totalsJSON, submittedAt string

	err := row.Scan(&run.RunID, &run.Submitter, &plan, &allowJSON,
		&run.Status, &reason, &budgetsJSON, &totalsJSON, &submittedAt, &endedAt)
	if err != nil {
		return nil, err
	}

	if plan.Valid && plan.String != "" {
		run.Plan = json.RawMessage(plan.String)
	}
	if reason.Valid {
		run.Reason = StopReason(reason.String)
	}
	if allowJSON.Valid && allowJSON.String != "" {
		if err := json.Unmarshal([]byte(allowJSON.String), &run.AllowTools); err != nil {
			return nil, fmt.Errorf("failed to unmarshal allow_tools: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(budgetsJSON), &run.Budgets); err != nil {
		return nil, fmt.Errorf("failed to unmarshal budgets: %w", err)
	}
	if err := json.Unmarshal([]byte(totalsJSON), &run.Totals); err != nil {
		return nil, fmt.Errorf("failed to unmarshal totals: %w", err)
	}
	run.SubmittedAt, _ = time.Parse(time.RFC3339Nano, submittedAt)
	if endedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, endedAt.String)
		run.EndedAt = &t
	}
	return &run, nil
}

// UpdateRunStatus implements Store. The status graph is enforced inside
// one transaction so concurrent movers cannot race past the check.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, to RunStatus, reason StopReason, endedAt *time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM runs WHERE run_id = ?`, runID).Scan(&current)
	if err == sql.ErrNoRows {
		return notFound("run", runID)
	}
	if err != nil {
		return fmt.Errorf("failed to read run status: %w", err)
	}

	from := RunStatus(current)
	if from.Terminal() {
		return &looerrors.StateError{
			Kind:     looerrors.KindAlreadyTerminal,
			Resource: "run",
			ID:       runID,
		}
	}
	if !CanTransition(from, to) {
		return looerrors.Internal(
			fmt.Sprintf("run %s: forbidden transition %s -> %s", runID, from, to), nil)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET status = ?, reason = ?, ended_at = ? WHERE run_id = ?`,
		string(to), nullString(string(reason)), formatTime(endedAt), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return tx.Commit()
}

// UpdateRunTotals implements Store.
func (s *SQLiteStore) UpdateRunTotals(ctx context.Context, runID string, totals Totals) error {
	totalsJSON, err := json.Marshal(totals)
	if err != nil {
		return fmt.Errorf("failed to marshal totals: %w", err)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET totals = ? WHERE run_id = ?`, string(totalsJSON), runID)
	if err != nil {
		return fmt.Errorf("failed to update run totals: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update: %w", err)
	}
	if affected == 0 {
		return notFound("run", runID)
	}
	return nil
}

// NonTerminalRuns implements Store.
func (s *SQLiteStore) NonTerminalRuns(ctx context.Context) ([]*Run, error) {
	query := `
		SELECT run_id, submitter, plan, allow_tools, status, reason, budgets, totals, submitted_at, ended_at
		FROM runs
		WHERE status NOT IN ('succeeded', 'failed', 'cancelled')
		ORDER BY submitted_at
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// AppendStep implements Store. The step and its citations commit in one
// transaction; the dense-ordinal invariant is checked against the run's
// last committed step.
func (s *SQLiteStore) AppendStep(ctx context.Context, step *Step, citations []*Citation) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE run_id = ?`, step.RunID).Scan(&exists)
	if err == sql.ErrNoRows {
		return notFound("run", step.RunID)
	}
	if err != nil {
		return fmt.Errorf("failed to check run: %w", err)
	}

	var last sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(ordinal) FROM steps WHERE run_id = ?`, step.RunID).Scan(&last)
	if err != nil {
		return fmt.Errorf("failed to read last ordinal: %w", err)
	}
	if want := last.Int64 + 1; int64(step.Ordinal) != want {
		return looerrors.Internal(
			fmt.Sprintf("run %s: step ordinal %d, want %d", step.RunID, step.Ordinal, want), nil)
	}

	attemptLogJSON, err := json.Marshal(step.AttemptLog)
	if err != nil {
		return fmt.Errorf("failed to marshal attempt log: %w", err)
	}
	refsJSON, err := json.Marshal(step.ArtefactRefs)
	if err != nil {
		return fmt.Errorf("failed to marshal artefact refs: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO steps (step_id, run_id, ordinal, server_id, tool_name, input, output,
			error, error_kind, started_at, finished_at, attempts, attempt_log, cost, artefact_refs)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.StepID, step.RunID, step.Ordinal, step.ServerID, step.ToolName,
		nullString(string(step.Input)), nullString(string(step.Output)),
		nullString(step.Error), nullString(step.ErrorKind),
		step.StartedAt.Format(time.RFC3339Nano), formatTime(step.FinishedAt),
		step.Attempts, string(attemptLogJSON), step.Cost, string(refsJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to append step: %w", err)
	}

	for _, c := range citations {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO citations (citation_id, run_id, step_id, artefact_id, external_ref, locator)
			VALUES (?, ?, ?, ?, ?, ?)`,
			c.CitationID, c.RunID, c.StepID,
			nullString(c.ArtefactID), nullString(c.ExternalRef), nullString(c.Locator),
		)
		if err != nil {
			return fmt.Errorf("failed to append citation: %w", err)
		}
	}
	return tx.Commit()
}

// Steps implements Store.
func (s *SQLiteStore) Steps(ctx context.Context, runID string) ([]*Step, error) {
	query := `
		SELECT step_id, run_id, ordinal, server_id, tool_name, input, output,
			error, error_kind, started_at, finished_at, attempts, attempt_log, cost, artefact_refs
		FROM steps WHERE run_id = ? ORDER BY ordinal
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var out []*Step
	for rows.Next() {
		var step Step
		var input, output, errStr, errKind, finishedAt, attemptLog, refs sql.NullString
		var startedAt string
		err := rows.Scan(&step.StepID, &step.RunID, &step.Ordinal, &step.ServerID, &step.ToolName,
			&input, &output, &errStr, &errKind, &startedAt, &finishedAt,
			&step.Attempts, &attemptLog, &step.Cost, &refs)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		if input.Valid && input.String != "" {
			step.Input = json.RawMessage(input.String)
		}
		if output.Valid && output.String != "" {
			step.Output = json.RawMessage(output.String)
		}
		if errStr.Valid {
			step.Error = errStr.String
		}
		if errKind.Valid {
			step.ErrorKind = errKind.String
		}
		step.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if finishedAt.Valid {
			t, _ := time.Parse(time.RFC3339Nano, finishedAt.String)
			step.FinishedAt = &t
		}
		if attemptLog.Valid && attemptLog.String != "" {
			if err := json.Unmarshal([]byte(attemptLog.String), &step.AttemptLog); err != nil {
				return nil, fmt.Errorf("failed to unmarshal attempt log: %w", err)
			}
		}
		if refs.Valid && refs.String != "" {
			if err := json.Unmarshal([]byte(refs.String), &step.ArtefactRefs); err != nil {
				return nil, fmt.Errorf("failed to unmarshal artefact refs: %w", err)
			}
		}
		out = append(out, &step)
	}
	return out, rows.Err()
}

// Citations implements Store.
func (s *SQLiteStore) Citations(ctx context.Context, runID string) ([]*Citation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT citation_id, run_id, step_id, artefact_id, external_ref, locator
		FROM citations WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list citations: %w", err)
	}
	defer rows.Close()

	var out []*Citation
	for rows.Next() {
		var c Citation
		var artefactID, externalRef, locator sql.NullString
		if err := rows.Scan(&c.CitationID, &c.RunID, &c.StepID, &artefactID, &externalRef, &locator); err != nil {
			return nil, fmt.Errorf("failed to scan citation: %w", err)
		}
		c.ArtefactID = artefactID.String
		c.ExternalRef = externalRef.String
		c.Locator = locator.String
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CreateApproval implements Store.
func (s *SQLiteStore) CreateApproval(ctx context.Context, approval *Approval) error {
	decision := approval.Decision
	if decision == "" {
		decision = DecisionPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO approvals (approval_id, run_id, step_id, qualified_name, reason, requested_at, resolved_at, decision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.ApprovalID, approval.RunID, nullString(approval.StepID),
		nullString(approval.QualifiedName), nullString(approval.Reason),
		approval.RequestedAt.Format(time.RFC3339Nano), formatTime(approval.ResolvedAt), string(decision),
	)
	if err != nil {
		return fmt.Errorf("failed to create approval: %w", err)
	}
	return nil
}

// ResolveApproval implements Store. The pending check and the update run
// in one transaction so an approval resolves at most once.
func (s *SQLiteStore) ResolveApproval(ctx context.Context, approvalID string, decision Decision, at time.Time) (*Approval, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	approval, err := scanApproval(tx.QueryRowContext(ctx, `
		SELECT approval_id, run_id, step_id, qualified_name, reason, requested_at, resolved_at, decision
		FROM approvals WHERE approval_id = ?`, approvalID))
	if err == sql.ErrNoRows {
		return nil, notFound("approval", approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	if approval.Decision != DecisionPending {
		return nil, &looerrors.StateError{
			Kind:     looerrors.KindAlreadyResolved,
			Resource: "approval",
			ID:       approvalID,
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE approvals SET decision = ?, resolved_at = ? WHERE approval_id = ?`,
		string(decision), at.Format(time.RFC3339Nano), approvalID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve approval: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	approval.Decision = decision
	approval.ResolvedAt = &at
	return approval, nil
}

// PendingApprovals implements Store.
func (s *SQLiteStore) PendingApprovals(ctx context.Context, runID string) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT approval_id, run_id, step_id, qualified_name, reason, requested_at, resolved_at, decision
		FROM approvals WHERE run_id = ? AND decision = 'pending' ORDER BY requested_at`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, approval)
	}
	return out, rows.Err()
}

func scanApproval(row rowScanner) (*Approval, error) {
	var a Approval
	var stepID, qualifiedName, reason, resolvedAt sql.NullString
	var requestedAt, decision string
	err := row.Scan(&a.ApprovalID, &a.RunID, &stepID, &qualifiedName,
		&reason, &requestedAt, &resolvedAt, &decision)
	if err != nil {
		return nil, err
	}
	a.StepID = stepID.String
	a.QualifiedName = qualifiedName.String
	a.Reason = reason.String
	a.RequestedAt, _ = time.Parse(time.RFC3339Nano, requestedAt)
	if resolvedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, resolvedAt.String)
		a.ResolvedAt = &t
	}
	a.Decision = Decision(decision)
	return &a, nil
}

// AppendEvent implements Store.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO events (run_id, sequence, at, kind, payload)
		VALUES (?, ?, ?, ?, ?)`,
		event.RunID, event.Sequence, event.At.Format(time.RFC3339Nano),
		event.Kind, nullString(string(event.Payload)),
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

// EventsSince implements Store.
func (s *SQLiteStore) EventsSince(ctx context.Context, runID string, after int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, sequence, at, kind, payload
		FROM events WHERE run_id = ? AND sequence > ? ORDER BY sequence`, runID, after)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var e Event
		var at string
		var payload sql.NullString
		if err := rows.Scan(&e.RunID, &e.Sequence, &at, &e.Kind, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.At, _ = time.Parse(time.RFC3339Nano, at)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// nullString converts an empty string to NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// formatTime formats an optional timestamp, NULL when absent.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}
