package casestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/carewire/handoff/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	client_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	patient TEXT NOT NULL DEFAULT 'null',
	resources TEXT NOT NULL DEFAULT 'null',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status, updated_at);

CREATE TABLE IF NOT EXISTS timeline_events (
	case_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	id TEXT NOT NULL,
	step TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	logs TEXT NOT NULL DEFAULT 'null',
	agent TEXT NOT NULL DEFAULT '',
	resource TEXT NULL,
	at INTEGER NOT NULL,
	PRIMARY KEY (case_id, seq),
	FOREIGN KEY (case_id) REFERENCES cases(id)
);
`

// SQLiteStore is a SQLite-backed Store using database/sql with the
// modernc.org/sqlite driver.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) a SQLite case store at the given
// path. ":memory:" is accepted for throwaway databases.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite allows a single writer; funneling everything through one pooled
	// connection avoids snapshot conflicts between concurrent write
	// transactions, keeps the pragmas below in effect, and makes :memory:
	// databases (one per connection otherwise) coherent.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set sqlite pragma %q: %w", stmt, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create persists a new case.
func (s *SQLiteStore) Create(ctx context.Context, cas *model.Case) error {
	status := cas.Status
	if status == "" {
		status = model.CaseStatusInitiated
	}
	now := time.Now().UTC()
	created := cas.CreatedAt
	if created.IsZero() {
		created = now
	}
	updated := cas.UpdatedAt
	if updated.IsZero() {
		updated = created
	}

	patientJSON, err := json.Marshal(cas.Patient)
	if err != nil {
		return fmt.Errorf("marshal patient: %w", err)
	}
	resourcesJSON, err := json.Marshal(cas.Resources)
	if err != nil {
		return fmt.Errorf("marshal resources: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cases (
			id, client_ref, status, current_step, patient, resources,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		cas.ID, cas.ClientRef, status, cas.CurrentStep,
		string(patientJSON), string(resourcesJSON),
		created.UnixNano(), updated.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert case affected rows: %w", err)
	}
	if affected == 0 {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", cas.ID))
	}
	return nil
}

// Get retrieves a full case snapshot by ID.
func (s *SQLiteStore) Get(ctx context.Context, caseID string) (*model.Case, error) {
	var c model.Case
	var patientJSON, resourcesJSON string
	var created, updated int64

	err := s.db.QueryRowContext(ctx, `
		SELECT id, client_ref, status, current_step, patient, resources,
		       created_at, updated_at
		FROM cases WHERE id = ?`,
		caseID,
	).Scan(
		&c.ID, &c.ClientRef, &c.Status, &c.CurrentStep,
		&patientJSON, &resourcesJSON, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return nil, fmt.Errorf("query case: %w", err)
	}

	if err := json.Unmarshal([]byte(patientJSON), &c.Patient); err != nil {
		return nil, fmt.Errorf("unmarshal patient: %w", err)
	}
	if err := json.Unmarshal([]byte(resourcesJSON), &c.Resources); err != nil {
		return nil, fmt.Errorf("unmarshal resources: %w", err)
	}
	c.CreatedAt = time.Unix(0, created).UTC()
	c.UpdatedAt = time.Unix(0, updated).UTC()

	rows, err := s.db.QueryContext(ctx, `
		SELECT case_id, seq, id, step, status, kind, description, logs,
		       agent, resource, at
		FROM timeline_events
		WHERE case_id = ?
		ORDER BY seq ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, err
		}
		c.Timeline = append(c.Timeline, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	if c.Timeline == nil {
		c.Timeline = []model.TimelineEvent{}
	}

	return &c, nil
}

// AppendEvent assigns the next seq and appends inside one transaction. The
// single pooled connection serializes transactions, so the MAX(seq) read
// cannot go stale before the insert commits.
func (s *SQLiteStore) AppendEvent(ctx context.Context, caseID string, ev model.TimelineEvent) (*model.TimelineEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append event: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var status, currentStep, resourcesJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT status, current_step, resources FROM cases WHERE id = ?`,
		caseID,
	).Scan(&status, &currentStep, &resourcesJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return nil, fmt.Errorf("read case for append: %w", err)
	}
	if model.TerminalCaseStatus(status) {
		return nil, model.NewTerminalCaseError(caseID, status)
	}

	var next int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE case_id = ?`,
		caseID,
	).Scan(&next); err != nil {
		return nil, fmt.Errorf("next seq: %w", err)
	}

	now := time.Now().UTC()
	ev.Seq = next
	ev.CaseID = caseID
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = now
	}

	logsJSON, err := json.Marshal(ev.Logs)
	if err != nil {
		return nil, fmt.Errorf("marshal logs: %w", err)
	}
	var resourceJSON any
	if ev.Resource != nil {
		b, err := json.Marshal(ev.Resource)
		if err != nil {
			return nil, fmt.Errorf("marshal resource: %w", err)
		}
		resourceJSON = string(b)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO timeline_events (
			case_id, seq, id, step, status, kind, description, logs,
			agent, resource, at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.CaseID, ev.Seq, ev.ID, ev.Step, ev.Status, ev.Kind, ev.Description,
		string(logsJSON), ev.Agent, resourceJSON, ev.At.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert timeline event: %w", err)
	}

	if ev.Step != "" {
		currentStep = ev.Step
	}
	if ev.Resource != nil {
		merged, err := mergeResource(resourcesJSON, ev.Resource)
		if err != nil {
			return nil, err
		}
		resourcesJSON = merged
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE cases SET current_step = ?, resources = ?, updated_at = ? WHERE id = ?`,
		currentStep, resourcesJSON, now.UnixNano(), caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("update case after append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append event: %w", err)
	}
	return &ev, nil
}

// UpdateStatus applies a validated status transition.
func (s *SQLiteStore) UpdateStatus(ctx context.Context, caseID, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update status: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM cases WHERE id = ?`, caseID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return fmt.Errorf("read case status: %w", err)
	}
	if !model.CanTransition(current, status) {
		return model.NewInvalidTransitionError(current, status)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE cases SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC().UnixNano(), caseID,
	)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update status: %w", err)
	}
	return nil
}

// List returns case summaries, newest first.
func (s *SQLiteStore) List(ctx context.Context, filters ListFilters) ([]model.CaseSummary, error) {
	query := `SELECT c.id, c.status, c.current_step,
	                 (SELECT COUNT(*) FROM timeline_events e WHERE e.case_id = c.id),
	                 c.created_at, c.updated_at
	          FROM cases c`
	var args []any

	if filters.Status != "" {
		query += ` WHERE c.status = ?`
		args = append(args, filters.Status)
	}
	query += ` ORDER BY c.created_at DESC`
	if filters.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filters.Limit)
	} else if filters.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if filters.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filters.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	result := make([]model.CaseSummary, 0)
	for rows.Next() {
		var cs model.CaseSummary
		var created, updated int64
		if err := rows.Scan(&cs.ID, &cs.Status, &cs.CurrentStep, &cs.EventCount, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan case summary: %w", err)
		}
		cs.CreatedAt = time.Unix(0, created).UTC()
		cs.UpdatedAt = time.Unix(0, updated).UTC()
		result = append(result, cs)
	}
	return result, rows.Err()
}

// FindStale returns ids of non-terminal cases idle since before the cutoff.
func (s *SQLiteStore) FindStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM cases
		WHERE status IN ('initiated', 'in_progress') AND updated_at < ?
		ORDER BY updated_at ASC`,
		olderThan.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("find stale cases: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale case id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Delete removes a case and its timeline.
func (s *SQLiteStore) Delete(ctx context.Context, caseID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete case: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM timeline_events WHERE case_id = ?`, caseID); err != nil {
		return fmt.Errorf("delete timeline events: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM cases WHERE id = ?`, caseID)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete case affected rows: %w", err)
	}
	if affected == 0 {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete case: %w", err)
	}
	return nil
}

// scanSQLiteEvent scans one timeline_events row.
func scanSQLiteEvent(rows *sql.Rows) (model.TimelineEvent, error) {
	var ev model.TimelineEvent
	var logsJSON string
	var resourceJSON sql.NullString
	var at int64

	if err := rows.Scan(
		&ev.CaseID, &ev.Seq, &ev.ID, &ev.Step, &ev.Status, &ev.Kind,
		&ev.Description, &logsJSON, &ev.Agent, &resourceJSON, &at,
	); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("scan timeline event: %w", err)
	}

	if err := json.Unmarshal([]byte(logsJSON), &ev.Logs); err != nil {
		return model.TimelineEvent{}, fmt.Errorf("unmarshal logs: %w", err)
	}
	if resourceJSON.Valid {
		if err := json.Unmarshal([]byte(resourceJSON.String), &ev.Resource); err != nil {
			return model.TimelineEvent{}, fmt.Errorf("unmarshal resource: %w", err)
		}
	}
	ev.At = time.Unix(0, at).UTC()
	return ev, nil
}

// mergeResource sets the event's resource under its kind in the case's
// assigned-resources JSON document.
func mergeResource(resourcesJSON string, res *model.Resource) (string, error) {
	var resources map[string]*model.Resource
	if resourcesJSON != "" {
		if err := json.Unmarshal([]byte(resourcesJSON), &resources); err != nil {
			return "", fmt.Errorf("unmarshal resources: %w", err)
		}
	}
	if resources == nil {
		resources = make(map[string]*model.Resource)
	}
	resources[res.Kind] = res

	b, err := json.Marshal(resources)
	if err != nil {
		return "", fmt.Errorf("marshal resources: %w", err)
	}
	return string(b), nil
}
