package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

const maxSQLIdentifierLength = 63

var (
	ErrConnectionRequired      = errors.New("postgres connection is required")
	ErrLimitMustBePositive     = errors.New("limit must be greater than zero")
	ErrIDRequired              = errors.New("id is required")
	ErrStateTransitionConflict = errors.New("outbox event state transition conflict")
	ErrInvalidIdentifier       = errors.New("invalid sql identifier")

	identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)
)

const outboxColumns = "id, tenant_id, kind, payload, dedupe_key, status, attempts, next_attempt_at, last_error, created_at, updated_at"

// Option mutates repository configuration at construction.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger *zap.Logger) Option {
	return func(repo *Repository) {
		if logger != nil {
			repo.logger = logger
		}
	}
}

// WithTableName overrides the default outbox_events table name.
func WithTableName(tableName string) Option {
	return func(repo *Repository) {
		repo.tableName = tableName
	}
}

// Repository persists outbox events in PostgreSQL.
type Repository struct {
	db        *sql.DB
	logger    *zap.Logger
	tableName string
}

var _ outbox.Store = (*Repository)(nil)

// NewRepository creates a PostgreSQL outbox repository.
func NewRepository(db *sql.DB, opts ...Option) (*Repository, error) {
	if db == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{
		db:        db,
		logger:    zap.NewNop(),
		tableName: "outbox_events",
	}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	repo.tableName = strings.TrimSpace(repo.tableName)
	if repo.tableName == "" {
		repo.tableName = "outbox_events"
	}

	if err := validateIdentifier(repo.tableName); err != nil {
		return nil, fmt.Errorf("table name: %w", err)
	}

	return repo, nil
}

// Create inserts the event, or returns the stored event when the (tenant,
// dedupe key) pair already exists. The conflict arm is a no-op update so the
// existing row comes back through RETURNING.
func (repo *Repository) Create(ctx context.Context, event *outbox.Event) (*outbox.Event, error) {
	return repo.create(ctx, repo.db, event)
}

// CreateWithTx inserts the event inside the caller's transaction.
func (repo *Repository) CreateWithTx(ctx context.Context, tx *sql.Tx, event *outbox.Event) (*outbox.Event, error) {
	if tx == nil {
		return nil, fmt.Errorf("create outbox event: transaction is required")
	}

	return repo.create(ctx, tx, event)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (repo *Repository) create(ctx context.Context, runner querier, event *outbox.Event) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if event == nil {
		return nil, outbox.ErrPayloadRequired
	}

	query := "INSERT INTO " + repo.table() + " (" + outboxColumns + ")" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)" +
		" ON CONFLICT (tenant_id, dedupe_key) DO UPDATE SET dedupe_key = EXCLUDED.dedupe_key" +
		" RETURNING " + outboxColumns

	row := runner.QueryRowContext(ctx, query,
		event.ID,
		event.TenantID,
		event.Kind,
		[]byte(event.Payload),
		event.DedupeKey,
		event.Status,
		event.Attempts,
		event.NextAttemptAt,
		nullString(event.LastError),
		event.CreatedAt,
		event.UpdatedAt,
	)

	stored, err := scanEvent(row)
	if err != nil {
		repo.logError("failed to create outbox event", err)

		return nil, fmt.Errorf("creating outbox event: %w", err)
	}

	return stored, nil
}

// ClaimDue selects due pending events oldest first with FOR UPDATE SKIP
// LOCKED and pushes their next_attempt_at forward by lease in the same
// transaction. A processor that crashes mid-delivery implicitly releases its
// claims when the lease expires.
func (repo *Repository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	tx, err := repo.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim transaction: %w", err)
	}

	defer func() {
		_ = tx.Rollback()
	}()

	query := "SELECT " + outboxColumns + " FROM " + repo.table() +
		" WHERE status = $1 AND next_attempt_at <= $2" +
		" ORDER BY created_at ASC LIMIT $3 FOR UPDATE SKIP LOCKED"

	rows, err := tx.QueryContext(ctx, query, outbox.StatusPending, now, limit)
	if err != nil {
		repo.logError("failed to claim due events", err)

		return nil, fmt.Errorf("querying due events: %w", err)
	}

	events, err := collectEvents(rows, limit)
	if err != nil {
		return nil, err
	}

	if len(events) == 0 {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit claim transaction: %w", err)
		}

		return nil, nil
	}

	leaseUntil := now.Add(lease)

	update := "UPDATE " + repo.table() + " SET next_attempt_at = $1, updated_at = $2 WHERE id IN ("
	args := []any{leaseUntil, now}

	for i, event := range events {
		if i > 0 {
			update += ", "
		}

		update += fmt.Sprintf("$%d", len(args)+1)

		args = append(args, event.ID)
		event.NextAttemptAt = leaseUntil
		event.UpdatedAt = now
	}

	update += ")"

	result, err := tx.ExecContext(ctx, update, args...)
	if err != nil {
		repo.logError("failed to lease claimed events", err)

		return nil, fmt.Errorf("leasing claimed events: %w", err)
	}

	if err := ensureRowsAffectedExact(result, int64(len(events))); err != nil {
		return nil, fmt.Errorf("leasing claimed events: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim transaction: %w", err)
	}

	return events, nil
}

// MarkSent finalizes a delivered event. The status guard keeps a stale
// processor from resurrecting an event an operator already touched.
func (repo *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, last_error = NULL, updated_at = $2 WHERE id = $3 AND status = $4"

	return repo.execTransition(ctx, "marking sent", query,
		outbox.StatusSent, time.Now().UTC(), id, outbox.StatusPending)
}

// MarkRetry records a failed attempt and its next due time.
func (repo *Repository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET attempts = $1, next_attempt_at = $2, last_error = $3, updated_at = $4 WHERE id = $5 AND status = $6"

	return repo.execTransition(ctx, "marking retry", query,
		attempts, nextAttemptAt, lastError, time.Now().UTC(), id, outbox.StatusPending)
}

// MarkDead moves an event out of rotation.
func (repo *Repository) MarkDead(ctx context.Context, id uuid.UUID, attempts int, lastError string) error {
	if id == uuid.Nil {
		return ErrIDRequired
	}

	query := "UPDATE " + repo.table() +
		" SET status = $1, attempts = $2, last_error = $3, updated_at = $4 WHERE id = $5 AND status = $6"

	return repo.execTransition(ctx, "marking dead", query,
		outbox.StatusDead, attempts, lastError, time.Now().UTC(), id, outbox.StatusPending)
}

// ResetForReplay returns a dead event to pending with a fresh attempt
// budget.
func (repo *Repository) ResetForReplay(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	now := time.Now().UTC()

	query := "UPDATE " + repo.table() +
		" SET status = $1, attempts = 0, next_attempt_at = $2, last_error = NULL, updated_at = $3" +
		" WHERE id = $4 AND status = $5 RETURNING " + outboxColumns

	row := repo.db.QueryRowContext(ctx, query, outbox.StatusPending, now, now, id, outbox.StatusDead)

	event, err := scanEvent(row)
	if err == nil {
		return event, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		repo.logError("failed to reset event for replay", err)

		return nil, fmt.Errorf("resetting event for replay: %w", err)
	}

	// Distinguish a missing event from a live one.
	if _, getErr := repo.GetByID(ctx, id); getErr != nil {
		return nil, getErr
	}

	return nil, outbox.ErrNotDead
}

// GetByID fetches one event.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.table() + " WHERE id = $1"

	event, err := scanEvent(repo.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, outbox.ErrEventNotFound
		}

		repo.logError("failed to get outbox event", err)

		return nil, fmt.Errorf("getting outbox event: %w", err)
	}

	return event, nil
}

// ListByStatus lists events in a status, newest first.
func (repo *Repository) ListByStatus(ctx context.Context, tenantID string, status outbox.Status, limit int) ([]*outbox.Event, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, ErrLimitMustBePositive
	}

	query := "SELECT " + outboxColumns + " FROM " + repo.table() + " WHERE status = $1"
	args := []any{status}

	if tenantID != "" {
		query += fmt.Sprintf(" AND tenant_id = $%d", len(args)+1)

		args = append(args, tenantID)
	}

	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := repo.db.QueryContext(ctx, query, args...)
	if err != nil {
		repo.logError("failed to list outbox events", err)

		return nil, fmt.Errorf("listing outbox events: %w", err)
	}

	return collectEvents(rows, limit)
}

// CountByStatus returns event counts keyed by status.
func (repo *Repository) CountByStatus(ctx context.Context, tenantID string) (map[outbox.Status]int64, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	query := "SELECT status, COUNT(*) FROM " + repo.table()

	var args []any

	if tenantID != "" {
		query += " WHERE tenant_id = $1"

		args = append(args, tenantID)
	}

	query += " GROUP BY status"

	rows, err := repo.db.QueryContext(ctx, query, args...)
	if err != nil {
		repo.logError("failed to count outbox events", err)

		return nil, fmt.Errorf("counting outbox events: %w", err)
	}

	defer rows.Close()

	counts := make(map[outbox.Status]int64)

	for rows.Next() {
		var (
			status outbox.Status
			count  int64
		)

		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}

		counts[status] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("counting outbox events: %w", err)
	}

	return counts, nil
}

func (repo *Repository) execTransition(ctx context.Context, operation, query string, args ...any) error {
	if ctx == nil {
		ctx = context.Background()
	}

	result, err := repo.db.ExecContext(ctx, query, args...)
	if err != nil {
		repo.logError("failed "+operation, err)

		return fmt.Errorf("%s: %w", operation, err)
	}

	if err := ensureRowsAffected(result); err != nil {
		return fmt.Errorf("%s: %w", operation, err)
	}

	return nil
}

func (repo *Repository) table() string {
	return quoteIdentifier(repo.tableName)
}

func (repo *Repository) logError(message string, err error) {
	repo.logger.Error(message, zap.String("error", outbox.SanitizeErrorMessage(err.Error())))
}

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*outbox.Event, error) {
	var (
		event     outbox.Event
		payload   []byte
		lastError sql.NullString
	)

	if err := scanner.Scan(
		&event.ID,
		&event.TenantID,
		&event.Kind,
		&payload,
		&event.DedupeKey,
		&event.Status,
		&event.Attempts,
		&event.NextAttemptAt,
		&lastError,
		&event.CreatedAt,
		&event.UpdatedAt,
	); err != nil {
		return nil, err
	}

	event.Payload = payload

	if lastError.Valid {
		event.LastError = &lastError.String
	}

	return &event, nil
}

func collectEvents(rows *sql.Rows, capacity int) ([]*outbox.Event, error) {
	defer rows.Close()

	events := make([]*outbox.Event, 0, capacity)

	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox events: %w", err)
	}

	return events, nil
}

func nullString(value *string) sql.NullString {
	if value == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: *value, Valid: true}
}

func ensureRowsAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 0 {
		return ErrStateTransitionConflict
	}

	return nil
}

func ensureRowsAffectedExact(result sql.Result, expected int64) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows != expected {
		return ErrStateTransitionConflict
	}

	return nil
}

func validateIdentifier(identifier string) error {
	if len(identifier) > maxSQLIdentifierLength {
		return ErrInvalidIdentifier
	}

	if !identifierPattern.MatchString(identifier) {
		return ErrInvalidIdentifier
	}

	return nil
}

func quoteIdentifier(identifier string) string {
	identifier = strings.ReplaceAll(identifier, "\x00", "")

	return "\"" + strings.ReplaceAll(identifier, "\"", "\"\"") + "\""
}
