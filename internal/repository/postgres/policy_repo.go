package postgres

/*
Файл policy_repo.go отвечает за хранение документов политик.
Слой отделяет долговременное хранение правил в PostgreSQL от их проверки в памяти (policy.Registry).
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/policy"
)

var ErrPolicyNotFound = errors.New("postgres: policy not found")

type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// GetAllPolicies выполняет "холодную загрузку" всего набора документов
func (r *PolicyRepo) GetAllPolicies(ctx context.Context) ([]policy.Document, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT document FROM policy_documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load policies: %w", err)
	}
	defer rows.Close()

	var results []policy.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan policy: %w", err)
		}
		var doc policy.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("postgres: decode policy: %w", err)
		}
		results = append(results, doc)
	}
	return results, rows.Err()
}

// GetPolicyByID возвращает nil, nil если документа нет (для 404 в хендлере)
func (r *PolicyRepo) GetPolicyByID(ctx context.Context, id string) (*policy.Document, error) {
	var raw []byte
	err := r.db.QueryRowContext(ctx, `SELECT document FROM policy_documents WHERE id = $1`, id).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("postgres: get policy: %w", err)
	}

	var doc policy.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("postgres: decode policy: %w", err)
	}
	return &doc, nil
}

// UpsertPolicy создает или заменяет документ по id
func (r *PolicyRepo) UpsertPolicy(ctx context.Context, doc policy.Document) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("postgres: encode policy: %w", err)
	}

	query := `
		INSERT INTO policy_documents (id, policy_type, document, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (id) DO UPDATE
		SET policy_type = EXCLUDED.policy_type, document = EXCLUDED.document, updated_at = NOW()`

	if _, err := r.db.ExecContext(ctx, query, doc.ID, doc.Type, raw); err != nil {
		return fmt.Errorf("postgres: failed to upsert policy: %w", err)
	}
	return nil
}

// DeletePolicy удаляет документ по id
func (r *PolicyRepo) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policy_documents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return ErrPolicyNotFound
	}
	return nil
}
