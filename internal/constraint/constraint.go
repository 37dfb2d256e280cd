// Package constraint содержит атомарные предикаты над DecisionContext и комбинаторы AllOf/AnyOf/Not.
// Оценка является чистой функцией без побочных эффектов. Некорректные значения контекста дают false.
package constraint

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"time"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

// Kind — тег вида ограничения (используется в документах и логах)
type Kind string

const (
	KindResourceLimit Kind = "resource_limit"
	KindTimeWindow    Kind = "time_window"
	KindWeekdayOnly   Kind = "weekday_only"
	KindHasRole       Kind = "has_role"
	KindHasScope      Kind = "has_scope"
	KindHasKey        Kind = "has_key"
	KindMatches       Kind = "matches"
	KindEquals        Kind = "equals"
	KindCustom        Kind = "custom"
	KindAlways        Kind = "always"
	KindNever         Kind = "never"
	KindAllOf         Kind = "all_of"
	KindAnyOf         Kind = "any_of"
	KindNot           Kind = "not"
)

// Constraint — закрытый набор видов: реализовать его вне пакета нельзя (sealed-метод).
type Constraint interface {
	Kind() Kind
	eval(dc domain.DecisionContext) bool
}

// ErrPredicateFailed — custom-предикат упал во время оценки
var ErrPredicateFailed = errors.New("custom predicate failed")

// Evaluate вычисляет ограничение над контекстом. nil-ограничение никогда ничего не разрешает.
// Паника в custom-предикате дает false для всего дерева, включая внешние not.
func Evaluate(c Constraint, dc domain.DecisionContext) bool {
	ok, err := TryEvaluate(c, dc)
	return err == nil && ok
}

// TryEvaluate — то же, что Evaluate, но падение предиката возвращается как ErrPredicateFailed.
// Восстановление только здесь, на вершине дерева: узлы ниже панику не глотают.
func TryEvaluate(c Constraint, dc domain.DecisionContext) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok, err = false, fmt.Errorf("%w: %v", ErrPredicateFailed, r)
		}
	}()
	return evaluate(c, dc), nil
}

func evaluate(c Constraint, dc domain.DecisionContext) bool {
	if c == nil {
		return false
	}
	return c.eval(dc)
}

// Predicate — пользовательская проверка для custom-ограничений.
// Видит только карту расширений, чтобы не ломать типизированный контракт контекста.
type Predicate interface {
	Evaluate(attrs map[string]any) bool
}

// PredicateFunc адаптирует функцию к Predicate
type PredicateFunc func(attrs map[string]any) bool

func (f PredicateFunc) Evaluate(attrs map[string]any) bool { return f(attrs) }

// --- Листья ---

type ResourceLimitConstraint struct {
	Resource string
	Limit    float64
}

type TimeWindowConstraint struct {
	StartHour int
	EndHour   int
}

type WeekdayOnlyConstraint struct{}

type HasRoleConstraint struct {
	Role string
}

type HasScopeConstraint struct {
	Pattern string
}

type HasKeyConstraint struct {
	Key string
}

type MatchesConstraint struct {
	Key     string
	Pattern *regexp.Regexp
}

type EqualsConstraint struct {
	Key   string
	Value any
}

type CustomConstraint struct {
	Name      string // Имя для документов/логов; по нему же ищется предикат при декодировании
	Predicate Predicate
}

type AlwaysConstraint struct{}

type NeverConstraint struct{}

// --- Комбинаторы ---

type AllOfConstraint struct {
	Children []Constraint
}

type AnyOfConstraint struct {
	Children []Constraint
}

type NotConstraint struct {
	Child Constraint
}

// ResourceLimit: true, если context[resource] (0 при отсутствии) строго меньше limit
func ResourceLimit(resource string, limit float64) Constraint {
	return ResourceLimitConstraint{Resource: resource, Limit: limit}
}

// TimeWindow: текущий час UTC в [start, end]; при start > end окно переходит через полночь
func TimeWindow(startHour, endHour int) Constraint {
	return TimeWindowConstraint{StartHour: startHour, EndHour: endHour}
}

func WeekdayOnly() Constraint { return WeekdayOnlyConstraint{} }

func HasRole(role string) Constraint { return HasRoleConstraint{Role: role} }

// HasScope проверяет права актора сегментным wildcard-алгоритмом (см. MatchScopeSegments)
func HasScope(pattern string) Constraint { return HasScopeConstraint{Pattern: pattern} }

func HasKey(key string) Constraint { return HasKeyConstraint{Key: key} }

// Matches компилирует выражение заранее, ошибка компиляции возвращается вызывающему
func Matches(key, expr string) (Constraint, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	return MatchesConstraint{Key: key, Pattern: re}, nil
}

// MustMatch — вариант Matches для статически известных выражений
func MustMatch(key, expr string) Constraint {
	return MatchesConstraint{Key: key, Pattern: regexp.MustCompile(expr)}
}

func Equals(key string, value any) Constraint { return EqualsConstraint{Key: key, Value: value} }

func Custom(name string, p Predicate) Constraint { return CustomConstraint{Name: name, Predicate: p} }

func Always() Constraint { return AlwaysConstraint{} }

func Never() Constraint { return NeverConstraint{} }

func AllOf(children ...Constraint) Constraint { return AllOfConstraint{Children: children} }

func AnyOf(children ...Constraint) Constraint { return AnyOfConstraint{Children: children} }

func Not(child Constraint) Constraint { return NotConstraint{Child: child} }

func (ResourceLimitConstraint) Kind() Kind { return KindResourceLimit }
func (TimeWindowConstraint) Kind() Kind    { return KindTimeWindow }
func (WeekdayOnlyConstraint) Kind() Kind   { return KindWeekdayOnly }
func (HasRoleConstraint) Kind() Kind       { return KindHasRole }
func (HasScopeConstraint) Kind() Kind      { return KindHasScope }
func (HasKeyConstraint) Kind() Kind        { return KindHasKey }
func (MatchesConstraint) Kind() Kind       { return KindMatches }
func (EqualsConstraint) Kind() Kind        { return KindEquals }
func (CustomConstraint) Kind() Kind        { return KindCustom }
func (AlwaysConstraint) Kind() Kind        { return KindAlways }
func (NeverConstraint) Kind() Kind         { return KindNever }
func (AllOfConstraint) Kind() Kind         { return KindAllOf }
func (AnyOfConstraint) Kind() Kind         { return KindAnyOf }
func (NotConstraint) Kind() Kind           { return KindNot }

func (c ResourceLimitConstraint) eval(dc domain.DecisionContext) bool {
	raw, ok := dc.Lookup(c.Resource)
	if !ok || raw == nil {
		return 0 < c.Limit
	}
	v, ok := toFloat(raw)
	if !ok {
		return false
	}
	return v < c.Limit
}

func (c TimeWindowConstraint) eval(dc domain.DecisionContext) bool {
	return hourInWindow(dc.Clock().Hour(), c.StartHour, c.EndHour)
}

func hourInWindow(hour, start, end int) bool {
	if start <= end {
		return hour >= start && hour <= end
	}
	// Окно через полночь: 22 -> 4 это 22,23,0,1,2,3,4
	return hour >= start || hour <= end
}

func (WeekdayOnlyConstraint) eval(dc domain.DecisionContext) bool {
	switch dc.Clock().Weekday() {
	case time.Saturday, time.Sunday:
		return false
	default:
		return true
	}
}

func (c HasRoleConstraint) eval(dc domain.DecisionContext) bool {
	if dc.Actor.Role != "" {
		return dc.Actor.Role == c.Role
	}
	role, ok := dc.Attrs["role"].(string)
	return ok && role == c.Role
}

func (c HasScopeConstraint) eval(dc domain.DecisionContext) bool {
	scopes := dc.Actor.Scopes
	if scopes == nil {
		scopes = toStrings(dc.Attrs["scopes"])
	}
	for _, s := range scopes {
		// Сегментный алгоритм. scope.Covers в scope-ядре устроен иначе (префиксный): не унифицировать.
		if MatchScopeSegments(c.Pattern, s) {
			return true
		}
	}
	return false
}

func (c HasKeyConstraint) eval(dc domain.DecisionContext) bool {
	_, ok := dc.Lookup(c.Key)
	return ok
}

func (c MatchesConstraint) eval(dc domain.DecisionContext) bool {
	if c.Pattern == nil {
		return false
	}
	raw, ok := dc.Lookup(c.Key)
	if !ok {
		return false
	}
	s, ok := raw.(string)
	return ok && c.Pattern.MatchString(s)
}

func (c EqualsConstraint) eval(dc domain.DecisionContext) bool {
	raw, ok := dc.Lookup(c.Key)
	if !ok {
		return false
	}
	return deepEqual(raw, c.Value)
}

func (c CustomConstraint) eval(dc domain.DecisionContext) bool {
	if c.Predicate == nil {
		return false
	}
	attrs := dc.Attrs
	if attrs == nil {
		attrs = map[string]any{}
	}
	return c.Predicate.Evaluate(attrs)
}

func (AlwaysConstraint) eval(domain.DecisionContext) bool { return true }

func (NeverConstraint) eval(domain.DecisionContext) bool { return false }

func (c AllOfConstraint) eval(dc domain.DecisionContext) bool {
	for _, child := range c.Children {
		if !evaluate(child, dc) {
			return false
		}
	}
	return true
}

func (c AnyOfConstraint) eval(dc domain.DecisionContext) bool {
	for _, child := range c.Children {
		if evaluate(child, dc) {
			return true
		}
	}
	return false
}

func (c NotConstraint) eval(dc domain.DecisionContext) bool {
	if c.Child == nil {
		return false
	}
	return !evaluate(c.Child, dc)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// deepEqual — структурное сравнение; числа сравниваются по значению (JSON отдает float64, Go-код — int)
func deepEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !deepEqual(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, exists := bv[k]
			if !exists || !deepEqual(v, other) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}
