package policy

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/constraint"
)

var ErrInvalidPolicy = errors.New("invalid policy document")

// RuleDocument — сериализуемая форма правила
type RuleDocument struct {
	Name       string              `json:"name" yaml:"name"`
	Weight     *float64            `json:"weight,omitempty" yaml:"weight,omitempty"`
	OnFail     FailAction          `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	Constraint constraint.Document `json:"constraint" yaml:"constraint"`
}

// Document — сериализуемая форма политики. Хранится в БД и в YAML-бандлах.
type Document struct {
	ID string `json:"id" yaml:"id"`
	// Type — тип запроса или право ("billing:invoice:create"), на которое отвечает политика
	Type        string         `json:"type" yaml:"type"`
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Strategy    Strategy       `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	Threshold   *float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Rules       []RuleDocument `json:"rules" yaml:"rules"`
}

// Bundle — файл с набором политик, загружается при старте
type Bundle struct {
	Policies []Document `yaml:"policies"`
}

// Compile превращает документ в Policy. Любая ошибка в дереве ограничений: ошибка всей политики.
func (d Document) Compile(preds constraint.Predicates) (Policy, error) {
	if d.Type == "" {
		return Policy{}, fmt.Errorf("%w: %q: empty type", ErrInvalidPolicy, d.Name)
	}

	opts := []Option{WithDescription(d.Description), WithMetadata(d.Metadata)}
	if d.ID != "" {
		opts = append(opts, WithID(d.ID))
	}
	if d.Strategy != "" {
		if !d.Strategy.Valid() {
			return Policy{}, fmt.Errorf("%w: %q: unknown strategy %q", ErrInvalidPolicy, d.Name, d.Strategy)
		}
		opts = append(opts, WithStrategy(d.Strategy))
	}
	if d.Threshold != nil {
		opts = append(opts, WithThreshold(*d.Threshold))
	}

	p := NewPolicy(d.Name, opts...)
	for _, rd := range d.Rules {
		c, err := constraint.FromDocument(rd.Constraint, preds)
		if err != nil {
			return Policy{}, fmt.Errorf("%w: %q rule %q: %w", ErrInvalidPolicy, d.Name, rd.Name, err)
		}

		var ruleOpts []RuleOption
		if rd.Weight != nil {
			ruleOpts = append(ruleOpts, Weight(*rd.Weight))
		}
		if rd.OnFail != "" {
			if !rd.OnFail.Valid() {
				return Policy{}, fmt.Errorf("%w: %q rule %q: unknown on_fail %q", ErrInvalidPolicy, d.Name, rd.Name, rd.OnFail)
			}
			ruleOpts = append(ruleOpts, OnFail(rd.OnFail))
		}
		p = p.AddRule(rd.Name, c, ruleOpts...)
	}
	return p, nil
}

// ToDocument — обратное преобразование, нужно для выгрузки политик из памяти
func ToDocument(policyType string, p Policy) (Document, error) {
	threshold := p.Threshold
	doc := Document{
		ID:          p.ID,
		Type:        policyType,
		Name:        p.Name,
		Description: p.Description,
		Strategy:    p.Strategy,
		Threshold:   &threshold,
		Metadata:    p.Metadata,
		Rules:       make([]RuleDocument, 0, len(p.Rules)),
	}
	for _, r := range p.Rules {
		cd, err := constraint.ToDocument(r.Constraint)
		if err != nil {
			return Document{}, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		w := r.Weight
		doc.Rules = append(doc.Rules, RuleDocument{Name: r.Name, Weight: &w, OnFail: r.OnFail, Constraint: cd})
	}
	return doc, nil
}

// ParseBundle разбирает YAML-бандл
func ParseBundle(data []byte) (Bundle, error) {
	var b Bundle
	if err := yaml.Unmarshal(data, &b); err != nil {
		return Bundle{}, fmt.Errorf("parse bundle: %w", err)
	}
	return b, nil
}

// ReadBundle читает бандл с диска
func ReadBundle(path string) (Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Bundle{}, fmt.Errorf("read bundle %s: %w", path, err)
	}
	return ParseBundle(data)
}
