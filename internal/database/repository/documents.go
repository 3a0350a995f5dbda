package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNoDocument is returned when a collection/id pair has no row.
var ErrNoDocument = errors.New("document not found")

// Querier is satisfied by *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DocumentRepo handles documents. Every method takes the Querier to run on so
// the same statements serve plain calls and transactions.
type DocumentRepo struct{}

func NewDocumentRepo() *DocumentRepo { return &DocumentRepo{} }

func (r *DocumentRepo) Insert(ctx context.Context, q Querier, d Document) error {
	_, err := q.ExecContext(ctx, `
	INSERT INTO documents(collection, id, data, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	`, d.Collection, d.ID, string(d.Data), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r *DocumentRepo) Get(ctx context.Context, q Querier, collection, id string) (*Document, error) {
	row := q.QueryRowContext(ctx, `
	SELECT collection, id, data, created_at, updated_at
	FROM documents WHERE collection = ? AND id = ?
	`, collection, id)
	d, err := scanDocument(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoDocument
		}
		return nil, err
	}
	return &d, nil
}

func (r *DocumentRepo) List(ctx context.Context, q Querier, collection string) ([]Document, error) {
	rows, err := q.QueryContext(ctx, `
	SELECT collection, id, data, created_at, updated_at
	FROM documents WHERE collection = ?
	ORDER BY created_at, rowid
	`, collection)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// UpdateData replaces the stored JSON of an existing document.
func (r *DocumentRepo) UpdateData(ctx context.Context, q Querier, collection, id string, data []byte, at time.Time) error {
	res, err := q.ExecContext(ctx, `
	UPDATE documents SET data = ?, updated_at = ? WHERE collection = ? AND id = ?
	`, string(data), at, collection, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (r *DocumentRepo) Delete(ctx context.Context, q Querier, collection, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// DeleteAll removes every document and returns the collections that had rows.
func (r *DocumentRepo) DeleteAll(ctx context.Context, q Querier) ([]string, error) {
	rows, err := q.QueryContext(ctx, `SELECT DISTINCT collection FROM documents ORDER BY collection`)
	if err != nil {
		return nil, err
	}
	var collections []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			rows.Close()
			return nil, err
		}
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if _, err := q.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return nil, err
	}
	return collections, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(s scanner) (Document, error) {
	var (
		d    Document
		data string
	)
	if err := s.Scan(&d.Collection, &d.ID, &data, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Document{}, err
	}
	d.Data = []byte(data)
	return d, nil
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoDocument
	}
	return nil
}
