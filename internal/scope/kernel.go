// Package scope реализует быстрый путь авторизации: сверка требуемых прав действия с выданными правами актора.
package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gowebpki/jcs"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/telemetry"
)

// RuleScopeMatch — идентификатор правила, попадающий в allow-метаданные и в verdict_id
const RuleScopeMatch = "scope_match"

const MetaRule = "rule"

// Kernel выносит вердикт только по scope. Политики не используются.
type Kernel struct {
	observer telemetry.Observer
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Kernel)

// WithClock подменяет часы, от которых берется timestamp_ms в verdict_id
func WithClock(now func() time.Time) Option {
	return func(k *Kernel) { k.now = now }
}

func NewKernel(observer telemetry.Observer, logger *zap.Logger, opts ...Option) *Kernel {
	if logger == nil {
		logger = zap.NewNop()
	}
	k := &Kernel{
		observer: telemetry.OrNop(observer),
		logger:   logger.Named("scope_kernel"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Decide разрешает действие, если хотя бы одно выданное право покрывает хотя бы одно требуемое.
// Действие без требуемых прав всегда запрещено.
func (k *Kernel) Decide(actor domain.Actor, action domain.ActionDescriptor) domain.Verdict {
	start := time.Now()

	var v domain.Verdict
	switch {
	case len(action.Scopes) == 0:
		v = domain.Deny(domain.Reason{Code: domain.ReasonNoScopeSpecified})
	case anyCovered(actor.Scopes, action.Scopes):
		v = domain.Allow(map[string]any{MetaRule: RuleScopeMatch})
		id, err := VerdictID(actor, RuleScopeMatch, action, k.now())
		if err != nil {
			// verdict_id нужен для подписи; без него allow не выдаем
			k.logger.Error("verdict id failed", zap.Error(err))
			v = domain.Deny(domain.Reason{Code: domain.ReasonInternal})
			break
		}
		v = v.WithVerdictID(id)
	default:
		v = domain.Deny(domain.Reason{Code: domain.ReasonInsufficientScope})
	}

	k.observer.ScopeDecided(telemetry.ScopeDecision{
		Duration:     time.Since(start),
		Actor:        actor.ID,
		Tenant:       actor.Tenant,
		DecisionKind: v.Kind,
		Domain:       action.Domain,
		Resource:     action.Resource,
		Action:       action.Action,
		VerdictID:    v.VerdictID(),
	})
	return v
}

func anyCovered(have, need []string) bool {
	for _, h := range have {
		for _, n := range need {
			if Covers(h, n) {
				return true
			}
		}
	}
	return false
}

// Covers — prefix-wildcard: "d:r:*" покрывает любое право, начинающееся с "d:r:",
// остальные выданные права покрывают только идентичную строку.
// Не путать с constraint.MatchScopeSegments (has_scope): алгоритмы дают разные ответы
// (например, "*:b:read"), и объединять их нельзя без аудита всех вызовов.
func Covers(have, need string) bool {
	parts := strings.Split(have, ":")
	if len(parts) == 3 && parts[2] == "*" {
		return strings.HasPrefix(need, parts[0]+":"+parts[1]+":")
	}
	return have == need
}

// VerdictID — lowercase hex SHA-256 от канонического (RFC 8785) JSON-массива
// [actor_id, tenant, rule_id, domain, resource, action, timestamp_ms].
func VerdictID(actor domain.Actor, ruleID string, action domain.ActionDescriptor, at time.Time) (string, error) {
	tuple := []any{actor.ID, actor.Tenant, ruleID, action.Domain, action.Resource, action.Action, at.UnixMilli()}

	raw, err := json.Marshal(tuple)
	if err != nil {
		return "", fmt.Errorf("marshal verdict tuple: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize verdict tuple: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
