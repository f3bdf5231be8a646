package obstree

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type documentRepoPG struct{ db queryable }

// NewDocumentRepoPG stores obstree documents in the obstree_document table.
func NewDocumentRepoPG(pool *pgxpool.Pool) DocumentRepository {
	return &documentRepoPG{db: pool}
}

func (r *documentRepoPG) FetchTree(ctx context.Context, patientID uuid.UUID, conceptUUID string) (*RawNode, error) {
	var doc []byte
	err := r.db.QueryRow(ctx, `
		SELECT document FROM obstree_document
		WHERE patient_id = $1 AND concept_uuid = $2`,
		patientID, conceptUUID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTreeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select obstree document: %w", err)
	}
	var tree RawNode
	if err := json.Unmarshal(doc, &tree); err != nil {
		return nil, fmt.Errorf("decode obstree document: %w", err)
	}
	return &tree, nil
}

func (r *documentRepoPG) SaveTree(ctx context.Context, patientID uuid.UUID, conceptUUID string, tree *RawNode) error {
	doc, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("encode obstree document: %w", err)
	}
	_, err = r.db.Exec(ctx, `
		INSERT INTO obstree_document (patient_id, concept_uuid, display, document)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (patient_id, concept_uuid) DO UPDATE
		SET display = EXCLUDED.display, document = EXCLUDED.document, updated_at = NOW()`,
		patientID, conceptUUID, tree.Display, doc)
	if err != nil {
		return fmt.Errorf("upsert obstree document: %w", err)
	}
	return nil
}

func (r *documentRepoPG) ListConcepts(ctx context.Context, patientID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx, `
		SELECT concept_uuid FROM obstree_document
		WHERE patient_id = $1 ORDER BY concept_uuid`, patientID)
	if err != nil {
		return nil, fmt.Errorf("list obstree concepts: %w", err)
	}
	defer rows.Close()
	var concepts []string
	for rows.Next() {
		var c string
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

func (r *documentRepoPG) DeleteTree(ctx context.Context, patientID uuid.UUID, conceptUUID string) error {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM obstree_document WHERE patient_id = $1 AND concept_uuid = $2`,
		patientID, conceptUUID)
	if err != nil {
		return fmt.Errorf("delete obstree document: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTreeNotFound
	}
	return nil
}
