package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/constraint"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

const bundleYAML = `
policies:
  - id: invoice-guard
    type: billing:invoice:create
    name: Invoice guard
    strategy: weighted
    threshold: 0.6
    rules:
      - name: finance role
        weight: 2
        constraint: {kind: has_role, params: {role: finance}}
      - name: under limit
        constraint: {kind: resource_limit, params: {resource: amount, limit: 10000}}
      - name: business hours
        on_fail: warn
        constraint: {kind: weekday_only}
`

func TestParseBundleCompiles(t *testing.T) {
	b, err := ParseBundle([]byte(bundleYAML))
	require.NoError(t, err)
	require.Len(t, b.Policies, 1)

	p, err := b.Policies[0].Compile(nil)
	require.NoError(t, err)
	assert.Equal(t, "invoice-guard", p.ID)
	assert.Equal(t, StrategyWeighted, p.Strategy)
	assert.Equal(t, 0.6, p.Threshold)
	require.Len(t, p.Rules, 3)
	assert.Equal(t, 2.0, p.Rules[0].Weight)
	assert.Equal(t, 1.0, p.Rules[1].Weight)
	assert.Equal(t, FailWarn, p.Rules[2].OnFail)

	engine, _ := newTestEngine()
	dc := domain.NewDecisionContext(domain.Actor{ID: "u1", Role: "finance"}, domain.ActionDescriptor{},
		map[string]any{"amount": 50000})

	// Суббота: роль (2) из 4 = 0.5 < 0.6
	dc.Now = time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	v := engine.Evaluate(p, dc, domain.ActionDescriptor{})
	require.Equal(t, domain.VerdictDeny, v.Kind)
	assert.Equal(t, 0.5, v.Reason.Score)

	// Понедельник: роль + будний день = 0.75
	dc.Now = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	assert.True(t, engine.Evaluate(p, dc, domain.ActionDescriptor{}).Allowed())
}

func TestCompileRejectsInvalid(t *testing.T) {
	valid := Document{Type: "t", Name: "n", Rules: []RuleDocument{{Name: "r", Constraint: constraint.Document{Kind: constraint.KindAlways}}}}

	tests := []struct {
		name   string
		mutate func(d *Document)
	}{
		{"empty type", func(d *Document) { d.Type = "" }},
		{"unknown strategy", func(d *Document) { d.Strategy = "majority" }},
		{"unknown on_fail", func(d *Document) { d.Rules[0].OnFail = "shrug" }},
		{"bad constraint", func(d *Document) { d.Rules[0].Constraint = constraint.Document{Kind: constraint.KindNot} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := valid
			d.Rules = append([]RuleDocument(nil), valid.Rules...)
			tt.mutate(&d)
			_, err := d.Compile(nil)
			require.ErrorIs(t, err, ErrInvalidPolicy)
		})
	}
}

func TestToDocumentRoundTrip(t *testing.T) {
	p := NewPolicy("scopes", WithID("scopes-1"), WithStrategy(StrategyFirstMatch)).
		AddRule("reader", constraint.HasScope("docs:*"), Weight(3)).
		AddRule("fallback", constraint.Never(), OnFail(FailAudit))

	doc, err := ToDocument("docs:read", p)
	require.NoError(t, err)

	restored, err := doc.Compile(nil)
	require.NoError(t, err)
	assert.Equal(t, p.ID, restored.ID)
	assert.Equal(t, p.Strategy, restored.Strategy)
	require.Len(t, restored.Rules, 2)
	assert.Equal(t, 3.0, restored.Rules[0].Weight)
	assert.Equal(t, FailAudit, restored.Rules[1].OnFail)
}
