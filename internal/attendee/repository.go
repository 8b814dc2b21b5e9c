package attendee

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDuplicateDocument signals that another attendee already holds the same
// document type and number.
var ErrDuplicateDocument = errors.New("attendee with this document already exists")

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// validID rejects path values that cannot be a uuid before they reach the
// database; a malformed id would fail the uuid cast and surface as a query
// error instead of a miss.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

const attendeeColumns = `
	id, name, email, document_type, document_number, phone_number,
	COALESCE(address, ''), date_of_birth, COALESCE(gender, ''), created_at, updated_at
`

func scanAttendee(row interface{ Scan(...any) error }) (Attendee, error) {
	var a Attendee
	var dateOfBirth sql.NullTime
	err := row.Scan(
		&a.ID, &a.Name, &a.Email, &a.DocumentType, &a.DocumentNumber,
		&a.PhoneNumber, &a.Address, &dateOfBirth, &a.Gender,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return Attendee{}, err
	}
	if dateOfBirth.Valid {
		value := dateOfBirth.Time.UTC()
		a.DateOfBirth = &value
	}
	return a, nil
}

func (r *Repository) List(ctx context.Context, offset, limit int) ([]Attendee, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees ORDER BY created_at DESC OFFSET $1 LIMIT $2`,
		offset, limit)
	if err != nil {
		return nil, fmt.Errorf("query attendees: %w", err)
	}
	defer rows.Close()

	attendees := make([]Attendee, 0)
	for rows.Next() {
		a, err := scanAttendee(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		attendees = append(attendees, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attendees: %w", err)
	}

	return attendees, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Attendee, error) {
	if !validID(id) {
		return Attendee{}, sql.ErrNoRows
	}

	a, err := scanAttendee(r.db.QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendee{}, err
		}
		return Attendee{}, fmt.Errorf("query attendee: %w", err)
	}
	return a, nil
}

func (r *Repository) GetByDocument(ctx context.Context, documentType, documentNumber string) (Attendee, error) {
	a, err := scanAttendee(r.db.QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE document_type = $1 AND document_number = $2`,
		documentType, documentNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendee{}, err
		}
		return Attendee{}, fmt.Errorf("query attendee by document: %w", err)
	}
	return a, nil
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (Attendee, error) {
	a, err := scanAttendee(r.db.QueryRowContext(ctx,
		`SELECT `+attendeeColumns+` FROM attendees WHERE email = $1`, email))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendee{}, err
		}
		return Attendee{}, fmt.Errorf("query attendee by email: %w", err)
	}
	return a, nil
}

func (r *Repository) Create(ctx context.Context, input Input) (Attendee, error) {
	if taken, err := r.documentTaken(ctx, input.DocumentType, input.DocumentNumber, ""); err != nil {
		return Attendee{}, err
	} else if taken {
		return Attendee{}, ErrDuplicateDocument
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Attendee{}, fmt.Errorf("generate attendee id: %w", err)
	}

	now := time.Now().UTC()
	a := Attendee{
		ID:             id.String(),
		Name:           input.Name,
		Email:          input.Email,
		DocumentType:   input.DocumentType,
		DocumentNumber: input.DocumentNumber,
		PhoneNumber:    input.PhoneNumber,
		Address:        input.Address,
		DateOfBirth:    input.DateOfBirth,
		Gender:         input.Gender,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO attendees (id, name, email, document_type, document_number, phone_number,
		                       address, date_of_birth, gender, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, NULLIF($9, ''), $10, $10)
	`, a.ID, a.Name, a.Email, a.DocumentType, a.DocumentNumber, a.PhoneNumber,
		a.Address, a.DateOfBirth, a.Gender, now)
	if err != nil {
		return Attendee{}, fmt.Errorf("insert attendee: %w", err)
	}

	return a, nil
}

func (r *Repository) Update(ctx context.Context, id string, input Input) (Attendee, error) {
	if !validID(id) {
		return Attendee{}, sql.ErrNoRows
	}

	if taken, err := r.documentTaken(ctx, input.DocumentType, input.DocumentNumber, id); err != nil {
		return Attendee{}, err
	} else if taken {
		return Attendee{}, ErrDuplicateDocument
	}

	a, err := scanAttendee(r.db.QueryRowContext(ctx, `
		UPDATE attendees
		SET name = $2, email = $3, document_type = $4, document_number = $5,
		    phone_number = $6, address = NULLIF($7, ''), date_of_birth = $8,
		    gender = NULLIF($9, ''), updated_at = $10
		WHERE id = $1
		RETURNING `+attendeeColumns+`
	`, id, input.Name, input.Email, input.DocumentType, input.DocumentNumber,
		input.PhoneNumber, input.Address, input.DateOfBirth, input.Gender, time.Now().UTC()))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendee{}, err
		}
		return Attendee{}, fmt.Errorf("update attendee: %w", err)
	}

	return a, nil
}

func (r *Repository) Delete(ctx context.Context, id string) (Attendee, error) {
	if !validID(id) {
		return Attendee{}, sql.ErrNoRows
	}

	a, err := scanAttendee(r.db.QueryRowContext(ctx,
		`DELETE FROM attendees WHERE id = $1 RETURNING `+attendeeColumns, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Attendee{}, err
		}
		return Attendee{}, fmt.Errorf("delete attendee: %w", err)
	}

	return a, nil
}

// documentTaken reports whether another attendee already holds the document.
// The create path has no id to exclude; binding an empty string against the
// uuid column would fail the cast, so the exclusion clause only appears when
// an id is given.
func (r *Repository) documentTaken(ctx context.Context, documentType, documentNumber, excludeID string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM attendees
			WHERE document_type = $1 AND document_number = $2
		)
	`
	args := []any{documentType, documentNumber}
	if excludeID != "" {
		query = `
			SELECT EXISTS(
				SELECT 1 FROM attendees
				WHERE document_type = $1 AND document_number = $2 AND id <> $3
			)
		`
		args = append(args, excludeID)
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("check duplicate document: %w", err)
	}
	return exists, nil
}
