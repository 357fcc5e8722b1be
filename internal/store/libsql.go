package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/relay/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/relay.db".
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

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflow runs ---

// CreateRun inserts the run, its relations and the ProcessStart outbox row in
// one transaction. The prior-existence check is the caller's business rule;
// the primary key still backstops races between concurrent starts.
func (s *LibSQLStore) CreateRun(ctx context.Context, run *WorkflowRun, relations []*WorkflowRelation, msg *OutboxMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO workflow_runs (operation_id, name, status, external_run_id, created_by, created_at, changed_by, changed_at, end_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.OperationID, run.Name, string(run.Status), nullStr(run.ExternalRunID),
		nullStr(run.CreatedBy), timeOrNow(run.CreatedAt),
		nullStr(run.ChangedBy), timeOrNow(run.ChangedAt), nullTime(run.EndAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storeConflict("workflow_run", run.OperationID)
		}
		return fmt.Errorf("insert workflow_run: %w", err)
	}

	for _, rel := range relations {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO workflow_relations (operation_id, entity_id, entity_type, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			run.OperationID, rel.EntityID, rel.EntityType, nullStr(rel.CreatedBy), timeOrNow(rel.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("insert workflow_relation: %w", err)
		}
	}

	if msg != nil {
		if err := insertOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetRun(ctx context.Context, operationID string) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	var (
		externalRunID, createdBy, changedBy sql.NullString
		endAt                               sql.NullTime
		status                              string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT operation_id, name, status, external_run_id, created_by, created_at, changed_by, changed_at, end_at
		 FROM workflow_runs WHERE operation_id = ?`, operationID,
	).Scan(&run.OperationID, &run.Name, &status, &externalRunID, &createdBy, &run.CreatedAt, &changedBy, &run.ChangedAt, &endAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow_run", operationID)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.ExternalRunID = externalRunID.String
	run.CreatedBy = createdBy.String
	run.ChangedBy = changedBy.String
	if endAt.Valid {
		run.EndAt = &endAt.Time
	}
	return run, nil
}

func (s *LibSQLStore) RunExists(ctx context.Context, operationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM workflow_runs WHERE operation_id = ?`, operationID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateRun mutates the run and, when msg is non-nil, inserts the outbox row
// in the same transaction.
func (s *LibSQLStore) UpdateRun(ctx context.Context, operationID string, update RunUpdate, msg *OutboxMessage) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.ExternalRunID != nil {
		sets = append(sets, "external_run_id = ?")
		args = append(args, *update.ExternalRunID)
	}
	if update.ChangedBy != "" {
		sets = append(sets, "changed_by = ?")
		args = append(args, update.ChangedBy)
	}
	if update.EndAt != nil {
		sets = append(sets, "end_at = ?")
		args = append(args, *update.EndAt)
	}
	if len(sets) == 0 && msg == nil {
		return nil
	}
	sets = append(sets, "changed_at = CURRENT_TIMESTAMP")
	args = append(args, operationID)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("UPDATE workflow_runs SET %s WHERE operation_id = ?", strings.Join(sets, ", "))
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow_run", operationID); err != nil {
		return err
	}

	if msg != nil {
		if err := insertOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update run: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT operation_id, name, status, external_run_id, created_by, created_at, changed_by, changed_at, end_at FROM workflow_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*WorkflowRun
	for rows.Next() {
		run := &WorkflowRun{}
		var (
			externalRunID, createdBy, changedBy sql.NullString
			endAt                               sql.NullTime
			status                              string
		)
		if err := rows.Scan(&run.OperationID, &run.Name, &status, &externalRunID, &createdBy, &run.CreatedAt, &changedBy, &run.ChangedAt, &endAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.ExternalRunID = externalRunID.String
		run.CreatedBy = createdBy.String
		run.ChangedBy = changedBy.String
		if endAt.Valid {
			run.EndAt = &endAt.Time
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *LibSQLStore) ListRelations(ctx context.Context, operationID string) ([]*WorkflowRelation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT operation_id, entity_id, entity_type, created_by, created_at
		 FROM workflow_relations WHERE operation_id = ?`, operationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var relations []*WorkflowRelation
	for rows.Next() {
		rel := &WorkflowRelation{}
		var createdBy sql.NullString
		if err := rows.Scan(&rel.OperationID, &rel.EntityID, &rel.EntityType, &createdBy, &rel.CreatedAt); err != nil {
			return nil, err
		}
		rel.CreatedBy = createdBy.String
		relations = append(relations, rel)
	}
	return relations, rows.Err()
}

// --- Activities ---

func (s *LibSQLStore) CreateActivity(ctx context.Context, act *Activity, msg *OutboxMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO activities (activity_id, operation_id, name, status, uri, start_at, end_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		act.ActivityID, act.OperationID, act.Name, string(act.Status),
		nullStr(act.URI), timeOrNow(act.StartAt), nullTime(act.EndAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storeConflict("activity", act.ActivityID)
		}
		return fmt.Errorf("insert activity: %w", err)
	}

	if msg != nil {
		if err := insertOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create activity: %w", err)
	}
	return nil
}

func (s *LibSQLStore) GetActivity(ctx context.Context, activityID string) (*Activity, error) {
	act := &Activity{}
	var (
		uri    sql.NullString
		endAt  sql.NullTime
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT activity_id, operation_id, name, status, uri, start_at, end_at
		 FROM activities WHERE activity_id = ?`, activityID,
	).Scan(&act.ActivityID, &act.OperationID, &act.Name, &status, &uri, &act.StartAt, &endAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("activity", activityID)
	}
	if err != nil {
		return nil, err
	}
	act.Status = schema.ActivityStatus(status)
	act.URI = uri.String
	if endAt.Valid {
		act.EndAt = &endAt.Time
	}
	return act, nil
}

func (s *LibSQLStore) UpdateActivity(ctx context.Context, activityID string, update ActivityUpdate, msg *OutboxMessage) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.URI != nil {
		sets = append(sets, "uri = ?")
		args = append(args, *update.URI)
	}
	if update.EndAt != nil {
		sets = append(sets, "end_at = ?")
		args = append(args, *update.EndAt)
	}
	if len(sets) == 0 && msg == nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if len(sets) > 0 {
		args = append(args, activityID)
		query := fmt.Sprintf("UPDATE activities SET %s WHERE activity_id = ?", strings.Join(sets, ", "))
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if err := checkRowsAffected(res, "activity", activityID); err != nil {
			return err
		}
	}

	if msg != nil {
		if err := insertOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update activity: %w", err)
	}
	return nil
}

func (s *LibSQLStore) ListActivities(ctx context.Context, operationID string) ([]*Activity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT activity_id, operation_id, name, status, uri, start_at, end_at
		 FROM activities WHERE operation_id = ? ORDER BY start_at ASC`, operationID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []*Activity
	for rows.Next() {
		act := &Activity{}
		var (
			uri    sql.NullString
			endAt  sql.NullTime
			status string
		)
		if err := rows.Scan(&act.ActivityID, &act.OperationID, &act.Name, &status, &uri, &act.StartAt, &endAt); err != nil {
			return nil, err
		}
		act.Status = schema.ActivityStatus(status)
		act.URI = uri.String
		if endAt.Valid {
			act.EndAt = &endAt.Time
		}
		activities = append(activities, act)
	}
	return activities, rows.Err()
}

// --- Outbox ---

// InsertOutbox inserts one or more outbox rows in a single transaction, so
// coordinated failure events (specific + generic) commit together.
func (s *LibSQLStore) InsertOutbox(ctx context.Context, msgs ...*OutboxMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, msg := range msgs {
		if err := insertOutboxTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert outbox: %w", err)
	}
	return nil
}

func insertOutboxTx(ctx context.Context, tx *sql.Tx, msg *OutboxMessage) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO outbox_messages (id, message_id, kind, payload, created_at, processed_at, retry_attempt, next_retry_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.MessageID, string(msg.Kind), string(msg.Payload),
		timeOrNow(msg.CreatedAt), nullTime(msg.ProcessedAt), nullInt(msg.RetryAttempt), nullTime(msg.NextRetryAt),
	)
	if err != nil {
		return fmt.Errorf("insert outbox_message: %w", err)
	}
	return nil
}

func (s *LibSQLStore) HasOutboxMessage(ctx context.Context, kind MessageKind, messageID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM outbox_messages WHERE kind = ? AND message_id = ? LIMIT 1`,
		string(kind), messageID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListPendingOutbox selects unprocessed rows of the given kind, oldest first.
// When filter.Due is set, rows with a next_retry_at in the future are skipped.
func (s *LibSQLStore) ListPendingOutbox(ctx context.Context, filter OutboxFilter) ([]*OutboxMessage, error) {
	query := `SELECT id, message_id, kind, payload, created_at, processed_at, retry_attempt, next_retry_at
	 FROM outbox_messages WHERE kind = ? AND processed_at IS NULL`
	args := []any{string(filter.Kind)}

	if filter.Due != nil {
		query += ` AND (next_retry_at IS NULL OR next_retry_at <= ?)`
		args = append(args, *filter.Due)
	}
	query += ` ORDER BY created_at ASC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOutboxMessages(rows)
}

func (s *LibSQLStore) MarkOutboxProcessed(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET processed_at = CURRENT_TIMESTAMP WHERE id = ? AND processed_at IS NULL`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbox_message", id)
}

func (s *LibSQLStore) ScheduleOutboxRetry(ctx context.Context, id string, attempt int, nextRetryAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbox_messages SET retry_attempt = ?, next_retry_at = ? WHERE id = ? AND processed_at IS NULL`,
		attempt, nextRetryAt, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "outbox_message", id)
}

// CompleteProcessStart marks the ProcessStart row processed and inserts the
// success event row in one transaction.
func (s *LibSQLStore) CompleteProcessStart(ctx context.Context, id string, successMsg *OutboxMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE outbox_messages SET processed_at = CURRENT_TIMESTAMP WHERE id = ? AND processed_at IS NULL`, id,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "outbox_message", id); err != nil {
		return err
	}

	if successMsg != nil {
		if err := insertOutboxTx(ctx, tx, successMsg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete process start: %w", err)
	}
	return nil
}

// AbandonProcessStart ends the retry cycle for a ProcessStart row: marks it
// processed, moves the owning run to Failed, and inserts the ProcessFailed
// event row. One transaction for all three.
func (s *LibSQLStore) AbandonProcessStart(ctx context.Context, id string, operationID string, failureMsg *OutboxMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE outbox_messages SET processed_at = CURRENT_TIMESTAMP WHERE id = ? AND processed_at IS NULL`, id,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "outbox_message", id); err != nil {
		return err
	}

	res, err = tx.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, end_at = CURRENT_TIMESTAMP, changed_at = CURRENT_TIMESTAMP WHERE operation_id = ?`,
		string(schema.RunStatusFailed), operationID,
	)
	if err != nil {
		return err
	}
	if err := checkRowsAffected(res, "workflow_run", operationID); err != nil {
		return err
	}

	if failureMsg != nil {
		if err := insertOutboxTx(ctx, tx, failureMsg); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit abandon process start: %w", err)
	}
	return nil
}

func (s *LibSQLStore) DeleteProcessedOutbox(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM outbox_messages WHERE processed_at IS NOT NULL AND processed_at < ?`, olderThan,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanOutboxMessages(rows *sql.Rows) ([]*OutboxMessage, error) {
	var msgs []*OutboxMessage
	for rows.Next() {
		m := &OutboxMessage{}
		var (
			kind        string
			payload     string
			processedAt sql.NullTime
			attempt     sql.NullInt64
			nextRetryAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.MessageID, &kind, &payload, &m.CreatedAt, &processedAt, &attempt, &nextRetryAt); err != nil {
			return nil, err
		}
		m.Kind = MessageKind(kind)
		m.Payload = []byte(payload)
		if processedAt.Valid {
			m.ProcessedAt = &processedAt.Time
		}
		if attempt.Valid {
			n := int(attempt.Int64)
			m.RetryAttempt = &n
		}
		if nextRetryAt.Valid {
			m.NextRetryAt = &nextRetryAt.Time
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// --- Dead letters ---

func (s *LibSQLStore) InsertDeadLetter(ctx context.Context, dl *DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (message_id, kind, reason, envelope, created_at) VALUES (?, ?, ?, ?, ?)`,
		dl.MessageID, dl.Kind, dl.Reason, nullStr(string(dl.Envelope)), timeOrNow(dl.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error) {
	query := `SELECT id, message_id, kind, reason, envelope, created_at FROM dead_letters ORDER BY created_at DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []*DeadLetter
	for rows.Next() {
		dl := &DeadLetter{}
		var envelope sql.NullString
		if err := rows.Scan(&dl.ID, &dl.MessageID, &dl.Kind, &dl.Reason, &envelope, &dl.CreatedAt); err != nil {
			return nil, err
		}
		if envelope.Valid {
			dl.Envelope = []byte(envelope.String)
		}
		letters = append(letters, dl)
	}
	return letters, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RelayError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func storeConflict(resource, id string) *schema.RelayError {
	return schema.NewErrorf(schema.ErrCodeConflict, "%s %q already exists", resource, id)
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed")
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

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}
