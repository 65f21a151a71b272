package casestore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carewire/handoff/model"
)

const pgSchema = `
CREATE TABLE IF NOT EXISTS cases (
	id TEXT PRIMARY KEY,
	client_ref TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	current_step TEXT NOT NULL DEFAULT '',
	patient JSONB,
	resources JSONB,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cases_status ON cases(status, updated_at);

CREATE TABLE IF NOT EXISTS timeline_events (
	case_id TEXT NOT NULL REFERENCES cases(id),
	seq BIGINT NOT NULL,
	id TEXT NOT NULL,
	step TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	logs JSONB,
	agent TEXT NOT NULL DEFAULT '',
	resource JSONB,
	at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (case_id, seq)
);
`

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL case store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// Migrate creates the schema if it does not exist.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, pgSchema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

// HealthCheck verifies the database is reachable.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create persists a new case.
func (s *PgStore) Create(ctx context.Context, cas *model.Case) error {
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

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO cases (
			id, client_ref, status, current_step, patient, resources,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		cas.ID, cas.ClientRef, status, cas.CurrentStep,
		patientJSON, resourcesJSON, created, updated,
	)
	if err != nil {
		return fmt.Errorf("insert case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewConflictError(fmt.Sprintf("case %q already exists", cas.ID))
	}
	return nil
}

// Get retrieves a full case snapshot by ID.
func (s *PgStore) Get(ctx context.Context, caseID string) (*model.Case, error) {
	var c model.Case
	var patientJSON, resourcesJSON []byte

	err := s.pool.QueryRow(ctx, `
		SELECT id, client_ref, status, current_step, patient, resources,
		       created_at, updated_at
		FROM cases WHERE id = $1`,
		caseID,
	).Scan(
		&c.ID, &c.ClientRef, &c.Status, &c.CurrentStep,
		&patientJSON, &resourcesJSON, &c.CreatedAt, &c.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return nil, fmt.Errorf("query case: %w", err)
	}

	if patientJSON != nil {
		if err := json.Unmarshal(patientJSON, &c.Patient); err != nil {
			return nil, fmt.Errorf("unmarshal patient: %w", err)
		}
	}
	if resourcesJSON != nil {
		if err := json.Unmarshal(resourcesJSON, &c.Resources); err != nil {
			return nil, fmt.Errorf("unmarshal resources: %w", err)
		}
	}

	rows, err := s.pool.Query(ctx, `
		SELECT case_id, seq, id, step, status, kind, description, logs,
		       agent, resource, at
		FROM timeline_events
		WHERE case_id = $1
		ORDER BY seq ASC`,
		caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ev model.TimelineEvent
		var logsJSON, resourceJSON []byte
		if err := rows.Scan(
			&ev.CaseID, &ev.Seq, &ev.ID, &ev.Step, &ev.Status, &ev.Kind,
			&ev.Description, &logsJSON, &ev.Agent, &resourceJSON, &ev.At,
		); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		if logsJSON != nil {
			if err := json.Unmarshal(logsJSON, &ev.Logs); err != nil {
				return nil, fmt.Errorf("unmarshal logs: %w", err)
			}
		}
		if resourceJSON != nil {
			if err := json.Unmarshal(resourceJSON, &ev.Resource); err != nil {
				return nil, fmt.Errorf("unmarshal resource: %w", err)
			}
		}
		ev.At = ev.At.UTC()
		c.Timeline = append(c.Timeline, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate timeline: %w", err)
	}
	if c.Timeline == nil {
		c.Timeline = []model.TimelineEvent{}
	}

	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// AppendEvent assigns the next seq and appends inside one transaction. The
// SELECT FOR UPDATE on the case row serializes concurrent appends to the
// same case.
func (s *PgStore) AppendEvent(ctx context.Context, caseID string, ev model.TimelineEvent) (*model.TimelineEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append event: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var status, currentStep string
	var resourcesJSON []byte
	err = tx.QueryRow(ctx,
		`SELECT status, current_step, resources FROM cases WHERE id = $1 FOR UPDATE`,
		caseID,
	).Scan(&status, &currentStep, &resourcesJSON)
	if err == pgx.ErrNoRows {
		return nil, model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return nil, fmt.Errorf("read case for append: %w", err)
	}
	if model.TerminalCaseStatus(status) {
		return nil, model.NewTerminalCaseError(caseID, status)
	}

	var next int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM timeline_events WHERE case_id = $1`,
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
	var resourceJSON []byte
	if ev.Resource != nil {
		resourceJSON, err = json.Marshal(ev.Resource)
		if err != nil {
			return nil, fmt.Errorf("marshal resource: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO timeline_events (
			case_id, seq, id, step, status, kind, description, logs,
			agent, resource, at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ev.CaseID, ev.Seq, ev.ID, ev.Step, ev.Status, ev.Kind, ev.Description,
		logsJSON, ev.Agent, resourceJSON, ev.At,
	)
	if err != nil {
		return nil, fmt.Errorf("insert timeline event: %w", err)
	}

	if ev.Step != "" {
		currentStep = ev.Step
	}
	if ev.Resource != nil {
		merged, err := mergeResource(string(resourcesJSON), ev.Resource)
		if err != nil {
			return nil, err
		}
		resourcesJSON = []byte(merged)
	}
	_, err = tx.Exec(ctx,
		`UPDATE cases SET current_step = $1, resources = $2, updated_at = $3 WHERE id = $4`,
		currentStep, resourcesJSON, now, caseID,
	)
	if err != nil {
		return nil, fmt.Errorf("update case after append: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append event: %w", err)
	}
	return &ev, nil
}

// UpdateStatus applies a validated status transition.
func (s *PgStore) UpdateStatus(ctx context.Context, caseID, status string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin update status: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var current string
	err = tx.QueryRow(ctx,
		`SELECT status FROM cases WHERE id = $1 FOR UPDATE`,
		caseID,
	).Scan(&current)
	if err == pgx.ErrNoRows {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}
	if err != nil {
		return fmt.Errorf("read case status: %w", err)
	}
	if !model.CanTransition(current, status) {
		return model.NewInvalidTransitionError(current, status)
	}

	_, err = tx.Exec(ctx,
		`UPDATE cases SET status = $1, updated_at = $2 WHERE id = $3`,
		status, time.Now().UTC(), caseID,
	)
	if err != nil {
		return fmt.Errorf("update case status: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update status: %w", err)
	}
	return nil
}

// List returns case summaries, newest first.
func (s *PgStore) List(ctx context.Context, filters ListFilters) ([]model.CaseSummary, error) {
	query := `SELECT c.id, c.status, c.current_step,
	                 (SELECT COUNT(*) FROM timeline_events e WHERE e.case_id = c.id),
	                 c.created_at, c.updated_at
	          FROM cases c`
	var args []any
	argIdx := 1

	if filters.Status != "" {
		query += fmt.Sprintf(" WHERE c.status = $%d", argIdx)
		args = append(args, filters.Status)
		argIdx++
	}

	query += " ORDER BY c.created_at DESC"

	if filters.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filters.Limit)
		argIdx++
	}
	if filters.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, filters.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list cases: %w", err)
	}
	defer rows.Close()

	result := make([]model.CaseSummary, 0)
	for rows.Next() {
		var cs model.CaseSummary
		if err := rows.Scan(&cs.ID, &cs.Status, &cs.CurrentStep, &cs.EventCount, &cs.CreatedAt, &cs.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan case summary: %w", err)
		}
		cs.CreatedAt = cs.CreatedAt.UTC()
		cs.UpdatedAt = cs.UpdatedAt.UTC()
		result = append(result, cs)
	}
	return result, rows.Err()
}

// FindStale returns ids of non-terminal cases idle since before the cutoff.
func (s *PgStore) FindStale(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM cases
		WHERE status IN ('initiated', 'in_progress') AND updated_at < $1
		ORDER BY updated_at ASC`,
		olderThan,
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
func (s *PgStore) Delete(ctx context.Context, caseID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete case: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `DELETE FROM timeline_events WHERE case_id = $1`, caseID); err != nil {
		return fmt.Errorf("delete timeline events: %w", err)
	}

	tag, err := tx.Exec(ctx, `DELETE FROM cases WHERE id = $1`, caseID)
	if err != nil {
		return fmt.Errorf("delete case: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("case %q not found", caseID))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete case: %w", err)
	}
	return nil
}
