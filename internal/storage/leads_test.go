package storage

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLeadMock(t *testing.T) (pgxmock.PgxPoolIface, *LeadRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewLeadRepository(mock)
}

func leadRow() *pgxmock.Rows {
	return pgxmock.NewRows([]string{
		"id", "first_name", "last_name", "phone", "email", "address",
		"status", "answer_type", "call_attempts", "last_call_at",
		"last_called_from", "created_at",
	})
}

func TestGetByID(t *testing.T) {
	mock, repo := newLeadMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `)).
		WithArgs("lead-1").
		WillReturnRows(leadRow().AddRow(
			"lead-1", "Terry", "Hodges", "+15307748286", "", "",
			"pending", nil, 0, nil, nil, time.Now(),
		))

	lead, err := repo.GetByID(context.Background(), "lead-1")
	require.NoError(t, err)
	assert.Equal(t, "Terry", lead.FirstName)
	assert.Equal(t, "pending", lead.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByIDNotFound(t *testing.T) {
	mock, repo := newLeadMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `)).
		WithArgs("missing").
		WillReturnRows(leadRow())

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrLeadNotFound)
}

func TestMarkCalled(t *testing.T) {
	mock, repo := newLeadMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users`)).
		WithArgs("lead-1", "+16592389182").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkCalled(context.Background(), "lead-1", "+16592389182"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkCalledNotFound(t *testing.T) {
	mock, repo := newLeadMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users`)).
		WithArgs("ghost", "+16592389182").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	assert.ErrorIs(t, repo.MarkCalled(context.Background(), "ghost", "+16592389182"), ErrLeadNotFound)
}

func TestUpdateOutcome(t *testing.T) {
	mock, repo := newLeadMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users`)).
		WithArgs("lead-1", "qualified", "answered").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.UpdateOutcome(context.Background(), "lead-1", "qualified", "answered"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPhoneKnownMatchesDigits(t *testing.T) {
	mock, repo := newLeadMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("15307748286").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	known, err := repo.PhoneKnown(context.Background(), "+1 (530) 774-8286")
	require.NoError(t, err)
	assert.True(t, known)
}

func TestSearchPaginates(t *testing.T) {
	mock, repo := newLeadMock(t)

	rows := pgxmock.NewRows([]string{
		"id", "first_name", "last_name", "phone", "email", "address",
		"status", "answer_type", "call_attempts", "last_call_at",
		"last_called_from", "created_at", "total",
	}).AddRow(
		"lead-1", "Terry", "Hodges", "+15307748286", "", "",
		"called", nil, 1, nil, nil, time.Now(), 41,
	)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT `)).
		WithArgs("terry", "%terry%", "%%", 50, 0).
		WillReturnRows(rows)

	leads, total, err := repo.Search(context.Background(), "terry", 1, 50)
	require.NoError(t, err)
	assert.Len(t, leads, 1)
	assert.Equal(t, 41, total)
}
