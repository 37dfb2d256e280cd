package domain

import "encoding/json"

// VerdictKind определяет исход авторизации
type VerdictKind string

const (
	VerdictAllow     VerdictKind = "allow"      // Разрешить
	VerdictDeny      VerdictKind = "deny"       // Запретить
	VerdictAllowWith VerdictKind = "allow_with" // Разрешить с ограничениями (limits)
)

// Машиночитаемые коды отказа. Попадают в аудит, поэтому не содержат значений контекста.
const (
	ReasonRuleFailed          = "rule_failed"
	ReasonNoRulesPassed       = "no_rules_passed"
	ReasonNoMatch             = "no_match"
	ReasonScoreBelowThreshold = "score_below_threshold"
	ReasonInsufficientScope   = "insufficient_scope"
	ReasonNoScopeSpecified    = "no_scope_specified"
	ReasonUnknownStrategy     = "unknown_strategy"
	ReasonInternal            = "internal_error"
	ReasonPredicateFailed     = "predicate_failed"
)

// MetaVerdictID — ключ, под которым в Meta/Limits лежит hex-идентификатор вердикта.
const MetaVerdictID = "verdict_id"

// Reason — причина отказа. Заполняются только поля, относящиеся к коду.
type Reason struct {
	Code      string  `json:"code"`
	Rule      string  `json:"rule,omitempty"`
	PolicyID  string  `json:"policy_id,omitempty"`
	Score     float64 `json:"score,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// MarshalJSON для score_below_threshold всегда пишет пару score/threshold, даже нулевую
func (r Reason) MarshalJSON() ([]byte, error) {
	type plain Reason
	if r.Code != ReasonScoreBelowThreshold {
		return json.Marshal(plain(r))
	}
	return json.Marshal(struct {
		plain
		Score     float64 `json:"score"`
		Threshold float64 `json:"threshold"`
	}{plain(r), r.Score, r.Threshold})
}

// Verdict — результат оценки. Ровно один из Meta/Reason/Limits имеет смысл для данного Kind.
type Verdict struct {
	Kind   VerdictKind    `json:"kind"`
	Meta   map[string]any `json:"meta,omitempty"`
	Reason *Reason        `json:"reason,omitempty"`
	Limits map[string]any `json:"limits,omitempty"`
}

func Allow(meta map[string]any) Verdict {
	if meta == nil {
		meta = map[string]any{}
	}
	return Verdict{Kind: VerdictAllow, Meta: meta}
}

func Deny(reason Reason) Verdict {
	return Verdict{Kind: VerdictDeny, Reason: &reason}
}

func AllowWith(limits map[string]any) Verdict {
	if limits == nil {
		limits = map[string]any{}
	}
	return Verdict{Kind: VerdictAllowWith, Limits: limits}
}

// Allowed — allow и allow_with пропускают запрос дальше
func (v Verdict) Allowed() bool {
	return v.Kind == VerdictAllow || v.Kind == VerdictAllowWith
}

// VerdictID достает идентификатор вердикта. Для deny всегда пустая строка.
func (v Verdict) VerdictID() string {
	var src map[string]any
	switch v.Kind {
	case VerdictAllow:
		src = v.Meta
	case VerdictAllowWith:
		src = v.Limits
	default:
		return ""
	}
	id, _ := src[MetaVerdictID].(string)
	return id
}

// WithVerdictID возвращает копию вердикта с проставленным verdict_id.
// Deny не подписывается, поэтому возвращается без изменений.
func (v Verdict) WithVerdictID(id string) Verdict {
	switch v.Kind {
	case VerdictAllow:
		v.Meta = cloneMap(v.Meta)
		v.Meta[MetaVerdictID] = id
	case VerdictAllowWith:
		v.Limits = cloneMap(v.Limits)
		v.Limits[MetaVerdictID] = id
	}
	return v
}

// ReasonCode — код причины для логов и метрик
func (v Verdict) ReasonCode() string {
	if v.Reason == nil {
		return ""
	}
	return v.Reason.Code
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+1)
	for k, val := range m {
		out[k] = val
	}
	return out
}
