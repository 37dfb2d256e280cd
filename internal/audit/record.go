package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

// Status — судьба записи в журнале
type Status string

const (
	StatusSigned   Status = "SIGNED"   // allow, подпись приложена
	StatusUnsigned Status = "UNSIGNED" // allow, но подписать не удалось: считать неподписанным
	StatusDenied   Status = "DENIED"   // deny не подписывается
)

// Record — запись о решении для журнала аудита
type Record struct {
	ID       string `json:"id"`       // UUID записи
	TraceID  string `json:"trace_id"` // Сквозной ID запроса
	ActorID  string `json:"actor_id"`
	Tenant   string `json:"tenant"`
	Domain   string `json:"domain"`
	Resource string `json:"resource"`
	Action   string `json:"action"`

	// Решение
	Verdict    domain.VerdictKind `json:"verdict"`
	ReasonCode string             `json:"reason_code,omitempty"`
	VerdictID  string             `json:"verdict_id,omitempty"`
	Details    map[string]any     `json:"details,omitempty"` // meta или limits вердикта

	// Подпись
	EventHash string `json:"event_hash,omitempty"` // hex SHA-256 канонического события
	Signature string `json:"signature,omitempty"`
	KeyID     string `json:"key_id,omitempty"`

	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	DurationUs int64     `json:"duration_us"`
}

// NewRecord собирает запись из вердикта. Значения контекста в запись не попадают.
func NewRecord(traceID string, actor domain.Actor, action domain.ActionDescriptor, v domain.Verdict, took time.Duration) Record {
	rec := Record{
		ID:         uuid.NewString(),
		TraceID:    traceID,
		ActorID:    actor.ID,
		Tenant:     actor.Tenant,
		Domain:     action.Domain,
		Resource:   action.Resource,
		Action:     action.Action,
		Verdict:    v.Kind,
		ReasonCode: v.ReasonCode(),
		VerdictID:  v.VerdictID(),
		Timestamp:  Now(),
		DurationUs: took.Microseconds(),
	}
	switch v.Kind {
	case domain.VerdictAllow:
		rec.Details = v.Meta
	case domain.VerdictAllowWith:
		rec.Details = v.Limits
	}
	return rec
}

// Now — момент записи с точностью до микросекунд (точность timestamptz), чтобы хэш события
// совпадал после чтения записи из БД.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
