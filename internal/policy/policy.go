// Package policy собирает ограничения в именованные взвешенные правила и выносит по ним вердикт.
package policy

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/constraint"
)

// Strategy — алгоритм агрегации результатов правил
type Strategy string

const (
	StrategyAllOf      Strategy = "all_of"
	StrategyAnyOf      Strategy = "any_of"
	StrategyFirstMatch Strategy = "first_match"
	StrategyWeighted   Strategy = "weighted"
)

// Valid — известна ли стратегия движку
func (s Strategy) Valid() bool {
	switch s {
	case StrategyAllOf, StrategyAnyOf, StrategyFirstMatch, StrategyWeighted:
		return true
	}
	return false
}

// FailAction — реакция на проваленное правило. Учитывается только стратегией all_of.
type FailAction string

const (
	FailDeny  FailAction = "deny"
	FailWarn  FailAction = "warn"
	FailAudit FailAction = "audit"
)

func (a FailAction) Valid() bool {
	return a == FailDeny || a == FailWarn || a == FailAudit
}

// Rule — именованная обертка над ограничением
type Rule struct {
	Name       string
	Constraint constraint.Constraint
	Weight     float64    // Учитывается только стратегией weighted
	OnFail     FailAction // Учитывается только стратегией all_of
}

// Policy — неизменяемый набор правил. Все "модификаторы" возвращают копию.
type Policy struct {
	ID          string
	Name        string
	Description string
	Rules       []Rule
	Strategy    Strategy
	Threshold   float64
	Metadata    map[string]any
}

type Option func(*Policy)

func WithID(id string) Option {
	return func(p *Policy) { p.ID = id }
}

func WithDescription(d string) Option {
	return func(p *Policy) { p.Description = d }
}

func WithStrategy(s Strategy) Option {
	return func(p *Policy) { p.Strategy = s }
}

func WithThreshold(t float64) Option {
	return func(p *Policy) { p.Threshold = clampThreshold(t) }
}

func WithMetadata(md map[string]any) Option {
	return func(p *Policy) { p.Metadata = md }
}

// NewPolicy создает политику: стратегия all_of, порог 1.0, id = slug(name) + случайный суффикс.
func NewPolicy(name string, opts ...Option) Policy {
	p := Policy{
		Name:      name,
		Strategy:  StrategyAllOf,
		Threshold: 1.0,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.ID == "" {
		p.ID = generateID(name)
	}
	return p
}

type RuleOption func(*Rule)

// Weight задает вес правила; отрицательный вес приводится к нулю
func Weight(w float64) RuleOption {
	return func(r *Rule) {
		if w < 0 {
			w = 0
		}
		r.Weight = w
	}
}

func OnFail(a FailAction) RuleOption {
	return func(r *Rule) { r.OnFail = a }
}

// AddRule возвращает новую политику с правилом в конце списка. Получатель не меняется.
func (p Policy) AddRule(name string, c constraint.Constraint, opts ...RuleOption) Policy {
	r := Rule{Name: name, Constraint: c, Weight: 1.0, OnFail: FailDeny}
	for _, opt := range opts {
		opt(&r)
	}

	rules := make([]Rule, len(p.Rules), len(p.Rules)+1)
	copy(rules, p.Rules)
	p.Rules = append(rules, r)
	return p
}

func (p Policy) WithStrategy(s Strategy) Policy {
	p.Strategy = s
	return p
}

func (p Policy) WithThreshold(t float64) Policy {
	p.Threshold = clampThreshold(t)
	return p
}

func clampThreshold(t float64) float64 {
	switch {
	case t < 0:
		return 0
	case t > 1:
		return 1
	}
	return t
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

func generateID(name string) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if slug == "" {
		slug = "policy"
	}
	return slug + "-" + uuid.NewString()[:8]
}
