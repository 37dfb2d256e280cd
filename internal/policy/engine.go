package policy

import (
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/constraint"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/telemetry"
)

// Ключи метаданных вердикта
const (
	MetaRulesPassed       = "rules_passed"
	MetaPolicyID          = "policy_id"
	MetaMatchedRule       = "matched_rule"
	MetaScore             = "score"
	MetaWarning           = "warning"
	MetaAudit             = "audit"
	MetaPoliciesEvaluated = "policies_evaluated"
)

// Engine выносит вердикт по политикам. Состояния нет, безопасен для конкурентного вызова.
type Engine struct {
	observer telemetry.Observer
	logger   *zap.Logger
}

func NewEngine(observer telemetry.Observer, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		observer: telemetry.OrNop(observer),
		logger:   logger.Named("policy_engine"),
	}
}

type ruleResult struct {
	rule   Rule
	passed bool
}

// Evaluate оценивает одну политику. Дескриптор действия подмешивается в контекст под зарезервированными ключами.
func (e *Engine) Evaluate(p Policy, dc domain.DecisionContext, action domain.ActionDescriptor) domain.Verdict {
	start := time.Now()

	if !isZeroAction(action) {
		dc = dc.WithAction(action)
	}

	// 1. Сначала считаем все правила, потом агрегируем
	results := make([]ruleResult, 0, len(p.Rules))
	var failed *Rule
	for _, r := range p.Rules {
		passed, err := constraint.TryEvaluate(r.Constraint, dc)
		if err != nil {
			// Упавший предикат запрещает всю политику: ни on_fail, ни стратегия не могут дать allow
			e.logger.Error("rule evaluation failed",
				zap.String("policy_id", p.ID), zap.String("rule", r.Name), zap.Error(err))
			failed = &r
			break
		}
		results = append(results, ruleResult{rule: r, passed: passed})
	}

	// 2. Агрегация по стратегии
	var v domain.Verdict
	if failed != nil {
		v = domain.Deny(domain.Reason{Code: domain.ReasonPredicateFailed, Rule: failed.Name, PolicyID: p.ID})
	} else {
		v = e.aggregate(p, results)
	}

	// 3. Телеметрия на каждый вызов
	e.observer.PolicyEvaluated(telemetry.PolicyDecision{
		Duration:       time.Since(start),
		PolicyID:       p.ID,
		PolicyName:     p.Name,
		VerdictKind:    v.Kind,
		RulesEvaluated: len(results),
		Strategy:       string(p.Strategy),
	})
	return v
}

func (e *Engine) aggregate(p Policy, results []ruleResult) domain.Verdict {
	switch p.Strategy {
	case StrategyAllOf:
		return e.allOf(p, results)
	case StrategyAnyOf:
		return anyOf(p, results)
	case StrategyFirstMatch:
		return firstMatch(p, results)
	case StrategyWeighted:
		return weighted(p, results)
	default:
		// Неизвестная стратегия: запрет, а не молчаливый allow
		return domain.Deny(domain.Reason{Code: domain.ReasonUnknownStrategy, PolicyID: p.ID})
	}
}

// EvaluateAll оценивает политики независимо и сводит результат по приоритету deny > allow_with > allow.
func (e *Engine) EvaluateAll(policies []Policy, dc domain.DecisionContext, action domain.ActionDescriptor) domain.Verdict {
	var limits map[string]any

	for _, p := range policies {
		v := e.Evaluate(p, dc, action)
		switch v.Kind {
		case domain.VerdictDeny:
			// Первый отказ по порядку входного списка
			return v
		case domain.VerdictAllowWith:
			if limits == nil {
				limits = make(map[string]any, len(v.Limits))
			}
			// При коллизии ключей побеждает последняя политика
			for k, val := range v.Limits {
				limits[k] = val
			}
		}
	}

	if limits != nil {
		return domain.AllowWith(limits)
	}
	return domain.Allow(map[string]any{MetaPoliciesEvaluated: len(policies)})
}

func (e *Engine) allOf(p Policy, results []ruleResult) domain.Verdict {
	for _, res := range results {
		if res.passed {
			continue
		}

		// Решает первое проваленное правило
		switch res.rule.OnFail {
		case FailWarn:
			e.logger.Warn("rule failed, allowing with warning",
				zap.String("policy_id", p.ID), zap.String("rule", res.rule.Name))
			return domain.AllowWith(map[string]any{MetaWarning: res.rule.Name})
		case FailAudit:
			e.logger.Info("rule failed, allowing for audit",
				zap.String("policy_id", p.ID), zap.String("rule", res.rule.Name))
			return domain.Allow(map[string]any{MetaAudit: res.rule.Name})
		default:
			return domain.Deny(domain.Reason{Code: domain.ReasonRuleFailed, Rule: res.rule.Name, PolicyID: p.ID})
		}
	}
	return domain.Allow(map[string]any{MetaRulesPassed: len(results)})
}

func anyOf(p Policy, results []ruleResult) domain.Verdict {
	for _, res := range results {
		if res.passed {
			return domain.Allow(map[string]any{MetaPolicyID: p.ID, MetaMatchedRule: res.rule.Name})
		}
	}
	return domain.Deny(domain.Reason{Code: domain.ReasonNoRulesPassed, PolicyID: p.ID})
}

func firstMatch(p Policy, results []ruleResult) domain.Verdict {
	for _, res := range results {
		if res.passed {
			return domain.Allow(map[string]any{MetaPolicyID: p.ID, MetaMatchedRule: res.rule.Name})
		}
	}
	return domain.Deny(domain.Reason{Code: domain.ReasonNoMatch, PolicyID: p.ID})
}

func weighted(p Policy, results []ruleResult) domain.Verdict {
	var total, passed float64
	for _, res := range results {
		total += res.rule.Weight
		if res.passed {
			passed += res.rule.Weight
		}
	}

	var score float64
	if total > 0 {
		score = passed / total
	}

	if score >= p.Threshold {
		return domain.Allow(map[string]any{MetaPolicyID: p.ID, MetaScore: score})
	}
	return domain.Deny(domain.Reason{
		Code:      domain.ReasonScoreBelowThreshold,
		PolicyID:  p.ID,
		Score:     score,
		Threshold: p.Threshold,
	})
}

func isZeroAction(a domain.ActionDescriptor) bool {
	return a.Domain == "" && a.Resource == "" && a.Action == "" && a.Scopes == nil && a.Context == nil
}
