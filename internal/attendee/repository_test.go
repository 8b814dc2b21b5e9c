package attendee

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db), mock
}

func attendeeRows(a Attendee) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "email", "document_type", "document_number", "phone_number",
		"address", "date_of_birth", "gender", "created_at", "updated_at",
	}).AddRow(a.ID, a.Name, a.Email, a.DocumentType, a.DocumentNumber,
		a.PhoneNumber, a.Address, nil, a.Gender, a.CreatedAt, a.UpdatedAt)
}

// The create path must not bind an id placeholder at all: an empty string
// against the uuid column fails the cast and every insert would error out.
func TestRepository_CreateChecksDuplicateWithoutIDExclusion(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(`)).
		WithArgs("DNI", "12345678").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO attendees`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	a, err := repo.Create(context.Background(), validInput())
	require.NoError(t, err)
	assert.NotEmpty(t, a.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_CreateDuplicateDocument(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(`)).
		WithArgs("DNI", "12345678").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.Create(context.Background(), validInput())
	require.ErrorIs(t, err, ErrDuplicateDocument)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateExcludesOwnRow(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	id := "0190b2ae-6f2d-7cce-8e8d-111111111111"
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(`)).
		WithArgs("DNI", "12345678", id).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(regexp.QuoteMeta(`UPDATE attendees`)).
		WillReturnRows(attendeeRows(Attendee{
			ID: id, Name: "María López", Email: "maria@example.com",
			DocumentType: "DNI", DocumentNumber: "12345678",
			PhoneNumber: "+51 999 888 777", CreatedAt: now, UpdatedAt: now,
		}))

	a, err := repo.Update(context.Background(), id, validInput())
	require.NoError(t, err)
	assert.Equal(t, id, a.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// A path value that cannot be a uuid is a miss, not a database error.
func TestRepository_MalformedIDIsNotFound(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	ctx := context.Background()

	_, err := repo.Get(ctx, "not-a-uuid")
	require.ErrorIs(t, err, sql.ErrNoRows)

	_, err = repo.Update(ctx, "not-a-uuid", validInput())
	require.ErrorIs(t, err, sql.ErrNoRows)

	_, err = repo.Delete(ctx, "not-a-uuid")
	require.ErrorIs(t, err, sql.ErrNoRows)

	// No query must have reached the database.
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByEmail(t *testing.T) {
	t.Parallel()

	repo, mock := newMockRepo(t)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE email = $1`)).
		WithArgs("maria@example.com").
		WillReturnRows(attendeeRows(Attendee{
			ID: "0190b2ae-6f2d-7cce-8e8d-222222222222", Name: "María López",
			Email: "maria@example.com", DocumentType: "DNI", DocumentNumber: "12345678",
			PhoneNumber: "+51 999 888 777", CreatedAt: now, UpdatedAt: now,
		}))

	a, err := repo.GetByEmail(context.Background(), "maria@example.com")
	require.NoError(t, err)
	assert.Equal(t, "maria@example.com", a.Email)

	mock.ExpectQuery(regexp.QuoteMeta(`WHERE email = $1`)).
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err = repo.GetByEmail(context.Background(), "ghost@example.com")
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}
