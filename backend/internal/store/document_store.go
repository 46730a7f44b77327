package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-sql-driver/mysql"

	"campaign-collab/backend/internal/collab"
)

type DocumentStore struct{ db *sql.DB }

func NewDocumentStore(db *sql.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func (s *DocumentStore) CreateDocument(ctx context.Context, docID string, fields map[string]any) error {
	if fields == nil {
		fields = map[string]any{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (id, fields, version, created_at, updated_at) VALUES (?, ?, 0, ?, ?)`,
		docID, fieldsJSON, now, now,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return collab.ErrDocumentExists
		}
		return err
	}
	return nil
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (map[string]any, uint64, error) {
	var fieldsJSON []byte
	var version uint64
	err := s.db.QueryRowContext(ctx,
		`SELECT fields, version FROM documents WHERE id = ?`,
		docID,
	).Scan(&fieldsJSON, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, collab.ErrUnknownDocument
	}
	if err != nil {
		return nil, 0, err
	}
	fields := make(map[string]any)
	if len(fieldsJSON) > 0 {
		if err := json.Unmarshal(fieldsJSON, &fields); err != nil {
			return nil, 0, err
		}
	}
	return fields, version, nil
}
