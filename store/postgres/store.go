package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/xiaonanln/fanverse/store"
)

// querier abstracts *sql.DB and *sql.Tx so every query works both standalone
// and inside WithTx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store is the PostgreSQL-backed implementation of store.Store.
type Store struct {
	db *DB
	q  querier
	tx *sql.Tx
}

// NewStore creates a store over an open database connection.
func NewStore(db *DB) *Store {
	return &Store{db: db, q: db.conn}
}

func (s *Store) Broadcasts() store.BroadcastStore           { return broadcasts{s.q} }
func (s *Store) Registrations() store.RegistrationStore     { return registrations{s.q} }
func (s *Store) PendingMessages() store.PendingMessageStore { return pendings{s.q} }
func (s *Store) Cleanups() store.CleanupStore               { return cleanups{s.q} }

// WithTx runs fn inside a database transaction. A nested call joins the
// enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.tx != nil {
		return fn(s)
	}

	tx, err := s.db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	txStore := &Store{db: s.db, q: tx, tx: tx}
	if err := fn(txStore); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

var _ store.Store = (*Store)(nil)

// ----- broadcasts -----

type broadcasts struct{ q querier }

const broadcastColumns = `broadcast_id, message, target_user_ids, priority, status, total, delivered,
	       COALESCE(error_message, ''), retry_count, created_at, started_at, completed_at,
	       last_delivery_at, expires_at`

func scanBroadcast(row interface{ Scan(...interface{}) error }) (*store.Broadcast, error) {
	var b store.Broadcast
	var targets pq.StringArray
	var startedAt, completedAt, lastDelivery, expiresAt sql.NullTime

	err := row.Scan(
		&b.Id,
		&b.Message,
		&targets,
		&b.Priority,
		&b.Status,
		&b.Total,
		&b.Delivered,
		&b.Error,
		&b.RetryCount,
		&b.CreatedAt,
		&startedAt,
		&completedAt,
		&lastDelivery,
		&expiresAt,
	)
	if err != nil {
		return nil, err
	}

	if targets != nil {
		b.TargetUserIds = []string(targets)
	}
	if startedAt.Valid {
		b.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if lastDelivery.Valid {
		b.LastDelivery = &lastDelivery.Time
	}
	if expiresAt.Valid {
		b.ExpiresAt = &expiresAt.Time
	}
	return &b, nil
}

func (s broadcasts) Insert(ctx context.Context, b *store.Broadcast) error {
	if b.Id == "" {
		return fmt.Errorf("broadcast id cannot be empty")
	}
	message := b.Message
	if message == nil {
		message = []byte("{}")
	}

	var targets interface{}
	if b.TargetUserIds != nil {
		targets = pq.Array(b.TargetUserIds)
	}

	query := `
		INSERT INTO fanverse_broadcasts
			(broadcast_id, message, target_user_ids, priority, status, total, delivered,
			 retry_count, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.q.ExecContext(ctx, query,
		b.Id, []byte(message), targets, b.Priority, b.Status,
		b.Total, b.Delivered, b.RetryCount, b.CreatedAt, nullTime(b.ExpiresAt))
	if err != nil {
		return fmt.Errorf("failed to insert broadcast: %w", err)
	}
	return nil
}

func (s broadcasts) Get(ctx context.Context, id string) (*store.Broadcast, error) {
	if id == "" {
		return nil, fmt.Errorf("broadcast id cannot be empty")
	}

	query := `SELECT ` + broadcastColumns + ` FROM fanverse_broadcasts WHERE broadcast_id = $1`
	b, err := scanBroadcast(s.q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broadcast: %w", err)
	}
	return b, nil
}

func (s broadcasts) UpdateStatus(ctx context.Context, id string, status store.BroadcastStatus, errMsg string) error {
	if status == store.BroadcastPending {
		return fmt.Errorf("broadcast %s: cannot transition back to pending", id)
	}

	// Forward-only: terminal rows are never updated
	query := `
		UPDATE fanverse_broadcasts
		SET status = $2,
		    error_message = NULLIF($3, ''),
		    started_at = CASE WHEN $2 = 'processing' AND started_at IS NULL
		                      THEN CURRENT_TIMESTAMP ELSE started_at END
		WHERE broadcast_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	result, err := s.q.ExecContext(ctx, query, id, status, errMsg)
	if err != nil {
		return fmt.Errorf("failed to update broadcast status: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("broadcast %s: invalid status transition to %s", id, status)
	}
	return nil
}

func (s broadcasts) SetTotal(ctx context.Context, id string, total int64) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE fanverse_broadcasts SET total = $2 WHERE broadcast_id = $1`, id, total)
	if err != nil {
		return fmt.Errorf("failed to set broadcast total: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s broadcasts) AddDelivered(ctx context.Context, id string, delta int64, at time.Time) (*store.Broadcast, error) {
	query := `
		UPDATE fanverse_broadcasts
		SET delivered = delivered + $2, last_delivery_at = $3
		WHERE broadcast_id = $1
		RETURNING ` + broadcastColumns
	b, err := scanBroadcast(s.q.QueryRowContext(ctx, query, id, delta, at))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("broadcast %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add delivered count: %w", err)
	}
	return b, nil
}

func (s broadcasts) MarkCompleted(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE fanverse_broadcasts
		SET status = 'completed', completed_at = $2
		WHERE broadcast_id = $1
		  AND status NOT IN ('completed', 'failed', 'cancelled')
	`
	if _, err := s.q.ExecContext(ctx, query, id, at); err != nil {
		return fmt.Errorf("failed to mark broadcast completed: %w", err)
	}
	return nil
}

// ----- registrations -----

type registrations struct{ q querier }

func (s registrations) Upsert(ctx context.Context, r *store.Registration) error {
	if r.UserId == "" {
		return fmt.Errorf("user id cannot be empty")
	}

	query := `
		INSERT INTO fanverse_registrations (user_id, shard_id, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id) DO UPDATE
		SET shard_id = $2, active = $3, updated_at = $5
	`
	_, err := s.q.ExecContext(ctx, query, r.UserId, r.ShardId, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert registration: %w", err)
	}
	return nil
}

func (s registrations) Get(ctx context.Context, userId string) (*store.Registration, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	query := `
		SELECT user_id, shard_id, active, created_at, updated_at
		FROM fanverse_registrations
		WHERE user_id = $1
	`
	var r store.Registration
	err := s.q.QueryRowContext(ctx, query, userId).Scan(
		&r.UserId, &r.ShardId, &r.Active, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("registration %s: %w", userId, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get registration: %w", err)
	}
	return &r, nil
}

func (s registrations) SetActive(ctx context.Context, userId string, active bool, at time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE fanverse_registrations SET active = $2, updated_at = $3 WHERE user_id = $1`,
		userId, active, at)
	if err != nil {
		return fmt.Errorf("failed to set registration active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("registration %s: %w", userId, store.ErrNotFound)
	}
	return nil
}

func (s registrations) Delete(ctx context.Context, userId string) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM fanverse_registrations WHERE user_id = $1`, userId)
	if err != nil {
		return fmt.Errorf("failed to delete registration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("registration %s: %w", userId, store.ErrNotFound)
	}
	return nil
}

func (s registrations) CountActive(ctx context.Context) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fanverse_registrations WHERE active`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count active registrations: %w", err)
	}
	return n, nil
}

// ----- pending messages -----

type pendings struct{ q querier }

func (s pendings) Insert(ctx context.Context, m *store.PendingMessage) (int64, error) {
	if m.UserId == "" {
		return 0, fmt.Errorf("user id cannot be empty")
	}
	payload := m.Payload
	if payload == nil {
		payload = []byte{}
	}

	query := `
		INSERT INTO fanverse_pending_messages
			(user_id, session_id, msg_type, broadcast_id, payload, priority, priority_rank,
			 attempts, max_attempts, scheduled_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	var id int64
	err := s.q.QueryRowContext(ctx, query,
		m.UserId, m.SessionId, m.Type, m.BroadcastId, payload, m.Priority,
		m.Priority.Rank(), m.Attempts, m.MaxAttempts, m.ScheduledAt, m.CreatedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert pending message: %w", err)
	}
	return id, nil
}

func (s pendings) ListForUser(ctx context.Context, userId string, now time.Time, limit int) ([]*store.PendingMessage, error) {
	if userId == "" {
		return nil, fmt.Errorf("user id cannot be empty")
	}

	query := `
		SELECT id, user_id, session_id, msg_type, broadcast_id, payload, priority,
		       attempts, max_attempts, scheduled_at, created_at
		FROM fanverse_pending_messages
		WHERE user_id = $1 AND scheduled_at <= $2 AND attempts < max_attempts
		ORDER BY priority_rank DESC, scheduled_at ASC, id ASC
	`
	args := []interface{}{userId, now}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending messages: %w", err)
	}
	defer rows.Close()

	var messages []*store.PendingMessage
	for rows.Next() {
		var m store.PendingMessage
		err := rows.Scan(
			&m.Id, &m.UserId, &m.SessionId, &m.Type, &m.BroadcastId, &m.Payload,
			&m.Priority, &m.Attempts, &m.MaxAttempts, &m.ScheduledAt, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pending message: %w", err)
		}
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating pending messages: %w", err)
	}
	return messages, nil
}

func (s pendings) Delete(ctx context.Context, id int64) error {
	result, err := s.q.ExecContext(ctx,
		`DELETE FROM fanverse_pending_messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete pending message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending message %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s pendings) IncrementAttempts(ctx context.Context, id int64, scheduledAt time.Time) error {
	result, err := s.q.ExecContext(ctx,
		`UPDATE fanverse_pending_messages SET attempts = attempts + 1, scheduled_at = $2 WHERE id = $1`,
		id, scheduledAt)
	if err != nil {
		return fmt.Errorf("failed to increment attempts: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("pending message %d: %w", id, store.ErrNotFound)
	}
	return nil
}

func (s pendings) CountForUser(ctx context.Context, userId string) (int64, error) {
	var n int64
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fanverse_pending_messages WHERE user_id = $1`, userId).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending messages: %w", err)
	}
	return n, nil
}

// ----- cleanup operations -----

type cleanups struct{ q querier }

func (s cleanups) Insert(ctx context.Context, op *store.CleanupOperation) error {
	if op.Id == "" {
		return fmt.Errorf("cleanup operation id cannot be empty")
	}

	query := `
		INSERT INTO fanverse_cleanup_operations
			(cleanup_id, shard_id, removed, skipped, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.q.ExecContext(ctx, query,
		op.Id, op.ShardId, op.Removed, op.Skipped, op.Status, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert cleanup operation: %w", err)
	}
	return nil
}

func (s cleanups) Update(ctx context.Context, op *store.CleanupOperation) error {
	result, err := s.q.ExecContext(ctx, `
		UPDATE fanverse_cleanup_operations
		SET removed = $2, skipped = $3, status = $4, updated_at = $5
		WHERE cleanup_id = $1
	`, op.Id, op.Removed, op.Skipped, op.Status, op.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update cleanup operation: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("cleanup operation %s: %w", op.Id, store.ErrNotFound)
	}
	return nil
}

func (s cleanups) Get(ctx context.Context, id string) (*store.CleanupOperation, error) {
	query := `
		SELECT cleanup_id, shard_id, removed, skipped, status, created_at, updated_at
		FROM fanverse_cleanup_operations
		WHERE cleanup_id = $1
	`
	var op store.CleanupOperation
	err := s.q.QueryRowContext(ctx, query, id).Scan(
		&op.Id, &op.ShardId, &op.Removed, &op.Skipped, &op.Status, &op.CreatedAt, &op.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cleanup operation %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cleanup operation: %w", err)
	}
	return &op, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
