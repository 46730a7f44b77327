package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-collab/backend/internal/collab"
)

// ChangeLogStore is the durable append-only log of accepted edits, one row
// per change, sequence assigned inside the append transaction.
type ChangeLogStore struct{ db *sql.DB }

func NewChangeLogStore(db *sql.DB) *ChangeLogStore {
	return &ChangeLogStore{db: db}
}

// Append assigns sequence = version+1 under a row lock on the document,
// inserts the change row and advances the document row in one transaction.
// Either everything commits or the edit was never accepted.
func (s *ChangeLogStore) Append(ctx context.Context, rec collab.ChangeRecord, updatedFields map[string]any) (collab.ChangeRecord, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collab.ChangeRecord{}, err
	}
	defer tx.Rollback()

	var version uint64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM documents WHERE id = ? FOR UPDATE`,
		rec.DocumentID,
	).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.ChangeRecord{}, collab.ErrUnknownDocument
	}
	if err != nil {
		return collab.ChangeRecord{}, err
	}

	rec.Sequence = version + 1

	oldJSON, err := json.Marshal(rec.OldValue)
	if err != nil {
		return collab.ChangeRecord{}, err
	}
	newJSON, err := json.Marshal(rec.NewValue)
	if err != nil {
		return collab.ChangeRecord{}, err
	}
	fieldsJSON, err := json.Marshal(updatedFields)
	if err != nil {
		return collab.ChangeRecord{}, err
	}

	var clientTS sql.NullTime
	if !rec.ClientTimestamp.IsZero() {
		clientTS = sql.NullTime{Time: rec.ClientTimestamp, Valid: true}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO doc_changes (document_id, sequence, field, old_value, new_value, author_id, client_ts, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.DocumentID, rec.Sequence, rec.Field, oldJSON, newJSON, rec.AuthorID, clientTS, rec.AppliedAt,
	)
	if err != nil {
		return collab.ChangeRecord{}, fmt.Errorf("insert change: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE documents SET fields = ?, version = ? WHERE id = ?`,
		fieldsJSON, rec.Sequence, rec.DocumentID,
	)
	if err != nil {
		return collab.ChangeRecord{}, fmt.Errorf("advance document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return collab.ChangeRecord{}, err
	}
	return rec, nil
}

// History returns accepted changes with sequence > sinceSequence in order.
func (s *ChangeLogStore) History(ctx context.Context, docID string, sinceSequence uint64) ([]collab.ChangeRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, field, old_value, new_value, author_id, client_ts, applied_at
		FROM doc_changes WHERE document_id = ? AND sequence > ? ORDER BY sequence ASC`,
		docID, sinceSequence,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []collab.ChangeRecord
	for rows.Next() {
		rec := collab.ChangeRecord{DocumentID: docID}
		var oldJSON, newJSON []byte
		var clientTS sql.NullTime
		var appliedAt time.Time
		if err := rows.Scan(&rec.Sequence, &rec.Field, &oldJSON, &newJSON, &rec.AuthorID, &clientTS, &appliedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(oldJSON, &rec.OldValue); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(newJSON, &rec.NewValue); err != nil {
			return nil, err
		}
		if clientTS.Valid {
			rec.ClientTimestamp = clientTS.Time
		}
		rec.AppliedAt = appliedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountEdits and CountEditors back the interaction-counter cache.
func (s *ChangeLogStore) CountEdits(ctx context.Context, docID string) (uint64, bool, error) {
	exists, err := s.documentExists(ctx, docID)
	if err != nil || !exists {
		return 0, false, err
	}
	var n uint64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM doc_changes WHERE document_id = ?`, docID,
	).Scan(&n)
	return n, true, err
}

func (s *ChangeLogStore) CountEditors(ctx context.Context, docID string) (uint64, bool, error) {
	exists, err := s.documentExists(ctx, docID)
	if err != nil || !exists {
		return 0, false, err
	}
	var n uint64
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT author_id) FROM doc_changes WHERE document_id = ?`, docID,
	).Scan(&n)
	return n, true, err
}

func (s *ChangeLogStore) documentExists(ctx context.Context, docID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, docID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}
