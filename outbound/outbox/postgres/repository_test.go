//go:build unit

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fieldwork-io/lib-outbound/outbound/outbox"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)

	t.Cleanup(func() { db.Close() })

	repo, err := NewRepository(db)
	require.NoError(t, err)

	return repo, mock
}

func eventRows(event *outbox.Event) *sqlmock.Rows {
	lastError := sql.NullString{}
	if event.LastError != nil {
		lastError = sql.NullString{String: *event.LastError, Valid: true}
	}

	return sqlmock.NewRows([]string{
		"id", "tenant_id", "kind", "payload", "dedupe_key", "status",
		"attempts", "next_attempt_at", "last_error", "created_at", "updated_at",
	}).AddRow(
		event.ID, event.TenantID, string(event.Kind), []byte(event.Payload),
		event.DedupeKey, string(event.Status), event.Attempts,
		event.NextAttemptAt, lastError, event.CreatedAt, event.UpdatedAt,
	)
}

func testEvent(t *testing.T) *outbox.Event {
	t.Helper()

	event, err := outbox.NewEvent("tenant-1", outbox.KindWebhook, []byte(`{"booking_id":"b-1"}`), "booking.confirmed:b-1")
	require.NoError(t, err)

	return event
}

func TestNewRepository_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewRepository(nil)
	require.ErrorIs(t, err, ErrConnectionRequired)

	db, _, err := sqlmock.New()
	require.NoError(t, err)

	defer db.Close()

	_, err = NewRepository(db, WithTableName(`outbox"; DROP TABLE users; --`))
	require.ErrorIs(t, err, ErrInvalidIdentifier)
}

func TestRepository_Create(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	event := testEvent(t)

	mock.ExpectQuery(`INSERT INTO "outbox_events" .+ ON CONFLICT \(tenant_id, dedupe_key\) DO UPDATE SET dedupe_key = EXCLUDED\.dedupe_key RETURNING`).
		WithArgs(
			event.ID, event.TenantID, event.Kind, []byte(event.Payload),
			event.DedupeKey, event.Status, event.Attempts, event.NextAttemptAt,
			sql.NullString{}, event.CreatedAt, event.UpdatedAt,
		).
		WillReturnRows(eventRows(event))

	stored, err := repo.Create(context.Background(), event)
	require.NoError(t, err)
	require.Equal(t, event.ID, stored.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreateReturnsExistingOnConflict(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)

	existing := testEvent(t)
	duplicate := testEvent(t)

	mock.ExpectQuery(`INSERT INTO "outbox_events"`).
		WillReturnRows(eventRows(existing))

	stored, err := repo.Create(context.Background(), duplicate)
	require.NoError(t, err)
	require.Equal(t, existing.ID, stored.ID)
	require.NotEqual(t, duplicate.ID, stored.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreateWithTx(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	event := testEvent(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO "outbox_events"`).
		WillReturnRows(eventRows(event))
	mock.ExpectCommit()

	tx, err := repo.db.Begin()
	require.NoError(t, err)

	stored, err := repo.CreateWithTx(context.Background(), tx, event)
	require.NoError(t, err)
	require.Equal(t, event.ID, stored.ID)
	require.NoError(t, tx.Commit())
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = repo.CreateWithTx(context.Background(), nil, event)
	require.Error(t, err)
}

func TestRepository_ClaimDue(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	event := testEvent(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FROM "outbox_events" WHERE status = \$1 AND next_attempt_at <= \$2 ORDER BY created_at ASC LIMIT \$3 FOR UPDATE SKIP LOCKED`).
		WithArgs(outbox.StatusPending, now, 10).
		WillReturnRows(eventRows(event))
	mock.ExpectExec(`UPDATE "outbox_events" SET next_attempt_at = \$1, updated_at = \$2 WHERE id IN \(\$3\)`).
		WithArgs(now.Add(time.Minute), now, event.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	claimed, err := repo.ClaimDue(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, now.Add(time.Minute), claimed[0].NextAttemptAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ClaimDueEmpty(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .+ FOR UPDATE SKIP LOCKED`).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "kind", "payload", "dedupe_key", "status",
			"attempts", "next_attempt_at", "last_error", "created_at", "updated_at",
		}))
	mock.ExpectCommit()

	claimed, err := repo.ClaimDue(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, claimed)
	require.NoError(t, mock.ExpectationsWereMet())

	_, err = repo.ClaimDue(context.Background(), now, 0, time.Minute)
	require.ErrorIs(t, err, ErrLimitMustBePositive)
}

func TestRepository_MarkSent(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE "outbox_events" SET status = \$1, last_error = NULL, updated_at = \$2 WHERE id = \$3 AND status = \$4`).
		WithArgs(outbox.StatusSent, sqlmock.AnyArg(), id, outbox.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkSent(context.Background(), id))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkSentConflict(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE "outbox_events" SET status = \$1`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkSent(context.Background(), uuid.New())
	require.ErrorIs(t, err, ErrStateTransitionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkRetry(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	id := uuid.New()
	nextAttemptAt := time.Now().UTC().Add(time.Minute)

	mock.ExpectExec(`UPDATE "outbox_events" SET attempts = \$1, next_attempt_at = \$2, last_error = \$3, updated_at = \$4 WHERE id = \$5 AND status = \$6`).
		WithArgs(2, nextAttemptAt, "connection refused", sqlmock.AnyArg(), id, outbox.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkRetry(context.Background(), id, 2, nextAttemptAt, "connection refused"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_MarkDead(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE "outbox_events" SET status = \$1, attempts = \$2, last_error = \$3, updated_at = \$4 WHERE id = \$5 AND status = \$6`).
		WithArgs(outbox.StatusDead, 5, "endpoint gone", sqlmock.AnyArg(), id, outbox.StatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.MarkDead(context.Background(), id, 5, "endpoint gone"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResetForReplay(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)

	event := testEvent(t)

	mock.ExpectQuery(`UPDATE "outbox_events" SET status = \$1, attempts = 0, next_attempt_at = \$2, last_error = NULL, updated_at = \$3 WHERE id = \$4 AND status = \$5 RETURNING`).
		WithArgs(outbox.StatusPending, sqlmock.AnyArg(), sqlmock.AnyArg(), event.ID, outbox.StatusDead).
		WillReturnRows(eventRows(event))

	replayed, err := repo.ResetForReplay(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, event.ID, replayed.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResetForReplayNotDead(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	event := testEvent(t)

	mock.ExpectQuery(`UPDATE "outbox_events" SET status = \$1, attempts = 0`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .+ FROM "outbox_events" WHERE id = \$1`).
		WithArgs(event.ID).
		WillReturnRows(eventRows(event))

	_, err := repo.ResetForReplay(context.Background(), event.ID)
	require.ErrorIs(t, err, outbox.ErrNotDead)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ResetForReplayMissing(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE "outbox_events" SET status = \$1, attempts = 0`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT .+ FROM "outbox_events" WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.ResetForReplay(context.Background(), id)
	require.ErrorIs(t, err, outbox.ErrEventNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByID(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	event := testEvent(t)

	mock.ExpectQuery(`SELECT .+ FROM "outbox_events" WHERE id = \$1`).
		WithArgs(event.ID).
		WillReturnRows(eventRows(event))

	stored, err := repo.GetByID(context.Background(), event.ID)
	require.NoError(t, err)
	require.Equal(t, event.DedupeKey, stored.DedupeKey)

	mock.ExpectQuery(`SELECT .+ FROM "outbox_events" WHERE id = \$1`).
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetByID(context.Background(), uuid.New())
	require.ErrorIs(t, err, outbox.ErrEventNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_ListByStatus(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)
	event := testEvent(t)

	mock.ExpectQuery(`SELECT .+ FROM "outbox_events" WHERE status = \$1 AND tenant_id = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs(outbox.StatusDead, "tenant-1", 10).
		WillReturnRows(eventRows(event))

	events, err := repo.ListByStatus(context.Background(), "tenant-1", outbox.StatusDead, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CountByStatus(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`SELECT status, COUNT\(\*\) FROM "outbox_events" GROUP BY status`).
		WillReturnRows(sqlmock.NewRows([]string{"status", "count"}).
			AddRow("pending", 3).
			AddRow("dead", 1))

	counts, err := repo.CountByStatus(context.Background(), "")
	require.NoError(t, err)
	require.EqualValues(t, 3, counts[outbox.StatusPending])
	require.EqualValues(t, 1, counts[outbox.StatusDead])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_QueryError(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepository(t)

	mock.ExpectExec(`UPDATE "outbox_events" SET status = \$1`).
		WillReturnError(errors.New("connection reset"))

	err := repo.MarkSent(context.Background(), uuid.New())
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrStateTransitionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
