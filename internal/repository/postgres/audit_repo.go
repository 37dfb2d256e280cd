package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/audit"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

// Колонки verdict_audit в порядке аргументов INSERT
var auditColumns = []string{
	"id", "trace_id", "actor_id", "tenant", "domain", "resource", "action",
	"verdict", "reason_code", "verdict_id", "details",
	"event_hash", "signature", "key_id", "status", "error", "duration_us", "created_at",
}

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// WriteBatch вставляет пачку записей одним multi-row INSERT
func (r *AuditRepo) WriteBatch(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}

	numFields := len(auditColumns)
	var sb strings.Builder
	vals := make([]interface{}, 0, len(records)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, rec := range records {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteByte('(')
		for j := 0; j < numFields; j++ {
			if j > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", i*numFields+j+1)
		}
		sb.WriteByte(')')

		details, err := json.Marshal(rec.Details)
		if err != nil {
			return fmt.Errorf("postgres: marshal details %s: %w", rec.ID, err)
		}

		vals = append(vals,
			rec.ID, rec.TraceID, rec.ActorID, rec.Tenant, rec.Domain, rec.Resource, rec.Action,
			string(rec.Verdict), nullable(rec.ReasonCode), nullable(rec.VerdictID), details,
			nullable(rec.EventHash), nullable(rec.Signature), nullable(rec.KeyID),
			string(rec.Status), nullable(rec.Error), rec.DurationUs, rec.Timestamp,
		)
	}

	query := fmt.Sprintf("INSERT INTO verdict_audit (%s) VALUES %s",
		strings.Join(auditColumns, ", "), sb.String())

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// FindByVerdictID возвращает записи по verdict_id (для повторной проверки подписи)
func (r *AuditRepo) FindByVerdictID(ctx context.Context, verdictID string) ([]audit.Record, error) {
	query := fmt.Sprintf("SELECT %s FROM verdict_audit WHERE verdict_id = $1 ORDER BY created_at",
		strings.Join(auditColumns, ", "))

	rows, err := r.db.QueryContext(ctx, query, verdictID)
	if err != nil {
		return nil, fmt.Errorf("postgres: find audit: %w", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			rec                                    audit.Record
			verdict, status                        string
			reason, vid, hash, sig, keyID, errText sql.NullString
			details                                []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.TraceID, &rec.ActorID, &rec.Tenant, &rec.Domain, &rec.Resource, &rec.Action,
			&verdict, &reason, &vid, &details,
			&hash, &sig, &keyID, &status, &errText, &rec.DurationUs, &rec.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan audit: %w", err)
		}
		rec.Verdict = domain.VerdictKind(verdict)
		rec.Status = audit.Status(status)
		rec.ReasonCode, rec.VerdictID = reason.String, vid.String
		rec.EventHash, rec.Signature, rec.KeyID, rec.Error = hash.String, sig.String, keyID.String, errText.String
		if len(details) > 0 && string(details) != "null" {
			if err := json.Unmarshal(details, &rec.Details); err != nil {
				return nil, fmt.Errorf("postgres: decode details %s: %w", rec.ID, err)
			}
		}
		rec.Timestamp = rec.Timestamp.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
