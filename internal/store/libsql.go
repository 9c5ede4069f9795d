package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/sendloop/journey/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the execution log).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflow definitions ---

func (s *LibSQLStore) PutWorkflow(ctx context.Context, wf *schema.Workflow) error {
	def, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, version, tenant_id, name, status, definition)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET status=excluded.status, definition=excluded.definition`,
		wf.ID, wf.Version, nullStr(wf.TenantID), nullStr(wf.Name), string(wf.Status), string(def),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string, version int) (*schema.Workflow, error) {
	var defJSON string
	var err error
	if version > 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflows WHERE id = ? AND version = ?`, id, version,
		).Scan(&defJSON)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT definition FROM workflows WHERE id = ? ORDER BY version DESC LIMIT 1`, id,
		).Scan(&defJSON)
	}
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf := &schema.Workflow{}
	if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
		return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
	}
	return wf, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*schema.Workflow, error) {
	// Latest version per workflow id, then filter.
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "w.status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.TenantID != "" {
		where = append(where, "w.tenant_id = ?")
		args = append(args, filter.TenantID)
	}

	query := `SELECT w.definition FROM workflows w
		JOIN (SELECT id, MAX(version) AS version FROM workflows GROUP BY id) latest
		ON w.id = latest.id AND w.version = latest.version`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY w.id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*schema.Workflow
	for rows.Next() {
		var defJSON string
		if err := rows.Scan(&defJSON); err != nil {
			return nil, err
		}
		wf := &schema.Workflow{}
		if err := json.Unmarshal([]byte(defJSON), wf); err != nil {
			return nil, fmt.Errorf("unmarshal workflow definition: %w", err)
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Execution instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *ExecutionInstance) error {
	vars, err := marshalMapOrDefault(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (id, workflow_id, workflow_version, subject_id, current_node_id, status, variables, failure_reason, started_at, completed_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.WorkflowID, inst.WorkflowVersion, inst.SubjectID, inst.CurrentNodeID,
		string(inst.Status), string(vars), nullRaw(inst.FailureReason),
		timeOrNow(inst.StartedAt), nullTime(inst.CompletedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*ExecutionInstance, error) {
	inst := &ExecutionInstance{}
	var (
		status        string
		varsJSON      string
		failureReason sql.NullString
		completedAt   sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, workflow_version, subject_id, current_node_id, status, variables, failure_reason, started_at, completed_at, updated_at
		 FROM instances WHERE id = ?`, id,
	).Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.SubjectID, &inst.CurrentNodeID,
		&status, &varsJSON, &failureReason, &inst.StartedAt, &completedAt, &inst.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	if err != nil {
		return nil, err
	}
	inst.Status = schema.InstanceStatus(status)
	if varsJSON != "" {
		if err := json.Unmarshal([]byte(varsJSON), &inst.Variables); err != nil {
			return nil, fmt.Errorf("unmarshal variables: %w", err)
		}
	}
	inst.FailureReason = rawOrNil(failureReason)
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, *update.CurrentNodeID)
	}
	if update.Variables != nil {
		vars, err := marshalMapOrDefault(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(vars))
	}
	if update.FailureReason != nil {
		sets = append(sets, "failure_reason = ?")
		args = append(args, string(update.FailureReason))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")

	args = append(args, id)
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE instances SET %s WHERE id = ?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "instance", id)
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*ExecutionInstance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, filter.SubjectID)
	}

	query := `SELECT id, workflow_id, workflow_version, subject_id, current_node_id, status, variables, failure_reason, started_at, completed_at, updated_at FROM instances`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*ExecutionInstance
	for rows.Next() {
		inst := &ExecutionInstance{}
		var (
			status        string
			varsJSON      string
			failureReason sql.NullString
			completedAt   sql.NullTime
		)
		if err := rows.Scan(&inst.ID, &inst.WorkflowID, &inst.WorkflowVersion, &inst.SubjectID,
			&inst.CurrentNodeID, &status, &varsJSON, &failureReason, &inst.StartedAt, &completedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		inst.Status = schema.InstanceStatus(status)
		if varsJSON != "" {
			if err := json.Unmarshal([]byte(varsJSON), &inst.Variables); err != nil {
				return nil, fmt.Errorf("unmarshal variables: %w", err)
			}
		}
		inst.FailureReason = rawOrNil(failureReason)
		if completedAt.Valid {
			inst.CompletedAt = &completedAt.Time
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- Waiting records ---

func (s *LibSQLStore) CreateWaiting(ctx context.Context, rec *WaitingRecord) error {
	expected, err := json.Marshal(rec.Expected)
	if err != nil {
		return fmt.Errorf("marshal expected schema: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO waiting_records (instance_id, node_id, subject_id, expected, deadline, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.InstanceID, rec.NodeID, rec.SubjectID, string(expected), nullTime(rec.Deadline), timeOrNow(rec.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWaiting(ctx context.Context, instanceID string) (*WaitingRecord, error) {
	return s.scanWaiting(s.db.QueryRowContext(ctx,
		`SELECT instance_id, node_id, subject_id, expected, deadline, created_at
		 FROM waiting_records WHERE instance_id = ?`, instanceID), instanceID)
}

func (s *LibSQLStore) FindWaitingBySubject(ctx context.Context, subjectID, nodeID string) (*WaitingRecord, error) {
	return s.scanWaiting(s.db.QueryRowContext(ctx,
		`SELECT instance_id, node_id, subject_id, expected, deadline, created_at
		 FROM waiting_records WHERE subject_id = ? AND node_id = ?
		 ORDER BY created_at LIMIT 1`, subjectID, nodeID), subjectID+"/"+nodeID)
}

func (s *LibSQLStore) scanWaiting(row *sql.Row, key string) (*WaitingRecord, error) {
	rec := &WaitingRecord{}
	var expectedJSON string
	var deadline sql.NullTime
	err := row.Scan(&rec.InstanceID, &rec.NodeID, &rec.SubjectID, &expectedJSON, &deadline, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("waiting record", key)
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(expectedJSON), &rec.Expected); err != nil {
		return nil, fmt.Errorf("unmarshal expected schema: %w", err)
	}
	if deadline.Valid {
		rec.Deadline = &deadline.Time
	}
	return rec, nil
}

func (s *LibSQLStore) ListDueWaiting(ctx context.Context, before time.Time) ([]*WaitingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id, node_id, subject_id, expected, deadline, created_at
		 FROM waiting_records WHERE deadline IS NOT NULL AND deadline <= ?
		 ORDER BY deadline`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*WaitingRecord
	for rows.Next() {
		rec := &WaitingRecord{}
		var expectedJSON string
		var deadline sql.NullTime
		if err := rows.Scan(&rec.InstanceID, &rec.NodeID, &rec.SubjectID, &expectedJSON, &deadline, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(expectedJSON), &rec.Expected); err != nil {
			return nil, fmt.Errorf("unmarshal expected schema: %w", err)
		}
		if deadline.Valid {
			rec.Deadline = &deadline.Time
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *LibSQLStore) DeleteWaiting(ctx context.Context, instanceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM waiting_records WHERE instance_id = ?`, instanceID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// --- Execution log ---

// AppendEvent assigns the next per-instance sequence and inserts the entry in
// a single transaction. Callers leave Sequence zero; the event is updated in
// place with the number the store assigned.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode BeginTx may start a deferred transaction; force lock
	// acquisition with a write before reading the sequence, otherwise two
	// appenders could read the same MAX and collide on the unique index.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE instance_id = ?`, event.InstanceID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (instance_id, node_id, event_type, payload, timestamp, sequence)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.InstanceID, nullStr(event.NodeID), event.Type, nullRaw(event.Payload), event.Timestamp, seq,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetEvents(ctx context.Context, instanceID string, since int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, instance_id, node_id, event_type, payload, timestamp, sequence
		 FROM events WHERE instance_id = ? AND sequence > ? ORDER BY sequence`, instanceID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func (s *LibSQLStore) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	where := []string{"event_type = ?"}
	args := []any{eventType}

	if filter.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.NodeID != "" {
		where = append(where, "node_id = ?")
		args = append(args, filter.NodeID)
	}
	if filter.Since != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, instance_id, node_id, event_type, payload, timestamp, sequence FROM events WHERE ` +
		strings.Join(where, " AND ") + " ORDER BY id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var events []*Event
	for rows.Next() {
		e := &Event{}
		var nodeID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.InstanceID, &nodeID, &e.Type, &payload, &e.Timestamp, &e.Sequence); err != nil {
			return nil, err
		}
		e.NodeID = nodeID.String
		e.Payload = rawOrNil(payload)
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Secrets ---

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, created_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, rotated_at=CURRENT_TIMESTAMP`,
		key, value,
	)
	return err
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	return value, err
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "secret", key)
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.JourneyError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}
