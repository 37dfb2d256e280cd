package constraint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

func ctxAt(now time.Time, attrs map[string]any) domain.DecisionContext {
	return domain.DecisionContext{Attrs: attrs, Now: now}
}

func TestResourceLimit(t *testing.T) {
	tests := []struct {
		name  string
		attrs map[string]any
		want  bool
	}{
		{"absent is zero", map[string]any{}, true},
		{"below", map[string]any{"cpu": 3}, true},
		{"equal is not below", map[string]any{"cpu": 5}, false},
		{"above", map[string]any{"cpu": 7.5}, false},
		{"json float", map[string]any{"cpu": float64(4.99)}, true},
		{"non numeric degrades to false", map[string]any{"cpu": "lots"}, false},
	}
	c := ResourceLimit("cpu", 5)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(c, ctxAt(time.Time{}, tt.attrs)))
		})
	}

	assert.False(t, Evaluate(ResourceLimit("cpu", 0), ctxAt(time.Time{}, nil)), "zero limit never admits absent usage")
}

func TestTimeWindowWrapsPastMidnight(t *testing.T) {
	c := TimeWindow(22, 4)
	want := map[int]bool{22: true, 23: true, 0: true, 1: true, 2: true, 3: true, 4: true}

	base := time.Date(2026, 3, 2, 0, 30, 0, 0, time.UTC)
	for h := 0; h < 24; h++ {
		now := base.Add(time.Duration(h) * time.Hour)
		assert.Equal(t, want[h], Evaluate(c, ctxAt(now, nil)), "hour %d", h)
	}
}

func TestTimeWindowPlain(t *testing.T) {
	c := TimeWindow(9, 17)
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	assert.False(t, Evaluate(c, ctxAt(day.Add(8*time.Hour+59*time.Minute), nil)))
	assert.True(t, Evaluate(c, ctxAt(day.Add(9*time.Hour), nil)))
	assert.True(t, Evaluate(c, ctxAt(day.Add(17*time.Hour+59*time.Minute), nil)), "end hour is inclusive")
	assert.False(t, Evaluate(c, ctxAt(day.Add(18*time.Hour), nil)))
}

func TestTimeWindowUsesUTC(t *testing.T) {
	moscow := time.FixedZone("MSK", 3*60*60)
	// 01:00 MSK == 22:00 UTC
	now := time.Date(2026, 3, 3, 1, 0, 0, 0, moscow)
	assert.True(t, Evaluate(TimeWindow(22, 22), ctxAt(now, nil)))
	assert.False(t, Evaluate(TimeWindow(1, 1), ctxAt(now, nil)))
}

func TestWeekdayOnly(t *testing.T) {
	// 2026-03-02: понедельник
	monday := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 7; i++ {
		day := monday.AddDate(0, 0, i)
		want := i < 5
		assert.Equal(t, want, Evaluate(WeekdayOnly(), ctxAt(day, nil)), day.Weekday().String())
	}
}

func TestHasRole(t *testing.T) {
	c := HasRole("admin")

	assert.True(t, Evaluate(c, domain.DecisionContext{Actor: domain.Actor{Role: "admin"}}))
	assert.False(t, Evaluate(c, domain.DecisionContext{Actor: domain.Actor{Role: "viewer"}}))
	assert.True(t, Evaluate(c, ctxAt(time.Time{}, map[string]any{"role": "admin"})), "top-level fallback")
	assert.False(t, Evaluate(c, ctxAt(time.Time{}, map[string]any{"role": 42})))
	assert.False(t, Evaluate(c, domain.DecisionContext{}))
}

func TestHasScopeSegmentWildcard(t *testing.T) {
	actor := func(scopes ...string) domain.DecisionContext {
		return domain.DecisionContext{Actor: domain.Actor{Scopes: scopes}}
	}

	assert.True(t, Evaluate(HasScope("a:b:read"), actor("a:b:read")))
	assert.True(t, Evaluate(HasScope("a:b:*"), actor("a:b:write")))
	assert.True(t, Evaluate(HasScope("a:b:read"), actor("*:b:read")), "wildcard on the granted side")
	assert.True(t, Evaluate(HasScope("a:b:read"), actor("x:y:z", "a:*")))
	assert.False(t, Evaluate(HasScope("a:c:read"), actor("a:b:*")))
	assert.False(t, Evaluate(HasScope("a:b:read"), actor()))

	fallback := ctxAt(time.Time{}, map[string]any{"scopes": []any{"a:b:read", 7}})
	assert.True(t, Evaluate(HasScope("a:b:read"), fallback))
}

func TestMatchScopeSegments(t *testing.T) {
	tests := []struct {
		pattern, scope string
		want           bool
	}{
		{"a:b:read", "a:b:read", true},
		{"a:b:*", "a:b:read", true},
		{"*", "anything:at:all", true},
		{"*:b:read", "a:b:read", true},
		{"a:b:read", "*:b:read", true},
		{"a:b", "a:b:read", false},
		{"a:b:read", "a:b", false},
		{"a:c:read", "a:b:read", false},
		{"", "", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchScopeSegments(tt.pattern, tt.scope), "%q vs %q", tt.pattern, tt.scope)
	}
}

func TestHasKeyAcceptsNil(t *testing.T) {
	dc := ctxAt(time.Time{}, map[string]any{"flag": nil})
	assert.True(t, Evaluate(HasKey("flag"), dc))
	assert.False(t, Evaluate(HasKey("other"), dc))

	dc.Action = domain.ActionDescriptor{Domain: "billing"}
	assert.True(t, Evaluate(HasKey(domain.KeyActionDomain), dc), "reserved action keys are visible")
}

func TestMatches(t *testing.T) {
	c := MustMatch("email", `@example\.com$`)

	assert.True(t, Evaluate(c, ctxAt(time.Time{}, map[string]any{"email": "ops@example.com"})))
	assert.False(t, Evaluate(c, ctxAt(time.Time{}, map[string]any{"email": "ops@example.org"})))
	assert.False(t, Evaluate(c, ctxAt(time.Time{}, map[string]any{"email": 12})), "non-string degrades to false")
	assert.False(t, Evaluate(c, ctxAt(time.Time{}, nil)))

	_, err := Matches("email", "(")
	require.Error(t, err)
}

func TestEqualsStructural(t *testing.T) {
	attrs := map[string]any{
		"count":  float64(3),
		"labels": []any{"a", "b"},
		"meta":   map[string]any{"env": "prod", "replicas": 2},
	}
	dc := ctxAt(time.Time{}, attrs)

	assert.True(t, Evaluate(Equals("count", 3), dc), "int vs json float")
	assert.True(t, Evaluate(Equals("labels", []any{"a", "b"}), dc))
	assert.False(t, Evaluate(Equals("labels", []any{"b", "a"}), dc))
	assert.True(t, Evaluate(Equals("meta", map[string]any{"env": "prod", "replicas": float64(2)}), dc))
	assert.False(t, Evaluate(Equals("count", "3"), dc))
	assert.False(t, Evaluate(Equals("missing", nil), dc))

	dc.Action = domain.ActionDescriptor{Action: "delete"}
	assert.True(t, Evaluate(Equals(domain.KeyActionName, "delete"), dc))
}

func TestCustomSeesOnlyExtensionMap(t *testing.T) {
	var seen map[string]any
	c := Custom("budget", PredicateFunc(func(attrs map[string]any) bool {
		seen = attrs
		amount, _ := attrs["amount"].(float64)
		return amount <= 100
	}))

	dc := domain.NewDecisionContext(
		domain.Actor{ID: "agent-1", Tenant: "t1"},
		domain.ActionDescriptor{Domain: "billing", Context: map[string]any{"amount": float64(50)}},
		nil,
	)
	assert.True(t, Evaluate(c, dc))
	assert.NotContains(t, seen, domain.KeyActorID)
	assert.Equal(t, float64(50), seen["amount"])

	panicky := Custom("boom", PredicateFunc(func(map[string]any) bool { panic("bad predicate") }))
	assert.False(t, Evaluate(panicky, dc))
	assert.False(t, Evaluate(Custom("nil", nil), dc))
}

func TestPanickingPredicateFailsWholeTree(t *testing.T) {
	dc := domain.DecisionContext{}
	boom := Custom("boom", PredicateFunc(func(map[string]any) bool { panic("bad predicate") }))

	cases := map[string]Constraint{
		"leaf":           boom,
		"not":            Not(boom),
		"double not":     Not(Not(boom)),
		"any_of":         AnyOf(Never(), Not(boom)),
		"all_of":         AllOf(Always(), Not(boom)),
		"not inside any": Not(AnyOf(boom, Never())),
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.False(t, Evaluate(c, dc))
			ok, err := TryEvaluate(c, dc)
			assert.False(t, ok)
			assert.ErrorIs(t, err, ErrPredicateFailed)
		})
	}

	ok, err := TryEvaluate(Not(Never()), dc)
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestCombinators(t *testing.T) {
	dc := domain.DecisionContext{}

	assert.True(t, Evaluate(Always(), dc))
	assert.False(t, Evaluate(Never(), dc))
	assert.True(t, Evaluate(AllOf(), dc), "empty all_of is vacuously true")
	assert.False(t, Evaluate(AnyOf(), dc))
	assert.False(t, Evaluate(AllOf(Always(), Never()), dc))
	assert.True(t, Evaluate(AnyOf(Never(), Always()), dc))
	assert.True(t, Evaluate(Not(Never()), dc))

	nested := AllOf(AnyOf(Never(), Not(Never())), Not(AllOf(Always(), Never())))
	assert.True(t, Evaluate(nested, dc))

	assert.False(t, Evaluate(nil, dc))
	assert.False(t, Evaluate(Not(nil), dc), "not over a missing child never grants")
}

func TestKinds(t *testing.T) {
	assert.Equal(t, KindAllOf, AllOf().Kind())
	assert.Equal(t, KindNot, Not(Always()).Kind())
	assert.Equal(t, KindCustom, Custom("x", nil).Kind())
	assert.Equal(t, KindResourceLimit, ResourceLimit("r", 1).Kind())
}
