package history

import (
	"context"
	"database/sql"

	"github.com/sendguard/sendguard/internal/pagination"
)

// PostgresStore persists activity entries in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed activity store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const entryColumns = `id, principal, kind, workflow_id, recipient, amount_sats, tx_id, detail, created_at`

func (p *PostgresStore) Append(ctx context.Context, e *Entry) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO activity_entries (
			id, principal, kind, workflow_id, recipient,
			amount_sats, tx_id, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.ID, e.Principal, string(e.Kind), nullString(e.WorkflowID), nullString(e.Recipient),
		e.AmountSats, nullString(e.TxID), nullString(e.Detail), e.CreatedAt,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Entry, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM activity_entries WHERE id = $1`, id)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (p *PostgresStore) ListByPrincipal(ctx context.Context, principal string, limit int, cursor *pagination.Cursor) ([]*Entry, error) {
	var rows *sql.Rows
	var err error
	if cursor != nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM activity_entries
			WHERE principal = $1 AND (created_at, id) < ($2, $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4`, principal, cursor.CreatedAt, cursor.ID, limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+entryColumns+`
			FROM activity_entries
			WHERE principal = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2`, principal, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var e Entry
	var kind string
	var workflowID, recipient, txID, detail sql.NullString
	err := s.Scan(
		&e.ID, &e.Principal, &kind, &workflowID, &recipient,
		&e.AmountSats, &txID, &detail, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.WorkflowID = workflowID.String
	e.Recipient = recipient.String
	e.TxID = txID.String
	e.Detail = detail.String
	return &e, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
