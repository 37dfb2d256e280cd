package constraint

import (
	"errors"
	"fmt"
	"math"
	"regexp"
)

// Document — сериализуемая форма графа ограничений (JSON/YAML).
// Листья несут Params, комбинаторы: Children.
type Document struct {
	Kind     Kind           `json:"kind" yaml:"kind"`
	Params   map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	Children []Document     `json:"children,omitempty" yaml:"children,omitempty"`
}

// Predicates — реестр пользовательских предикатов, по имени которых декодируется custom
type Predicates map[string]Predicate

var ErrInvalidDocument = errors.New("constraint: invalid document")

// ToDocument переводит ограничение в документ. Custom без имени сериализовать нельзя.
func ToDocument(c Constraint) (Document, error) {
	switch v := c.(type) {
	case ResourceLimitConstraint:
		return leaf(KindResourceLimit, "resource", v.Resource, "limit", v.Limit), nil
	case TimeWindowConstraint:
		return leaf(KindTimeWindow, "start_hour", v.StartHour, "end_hour", v.EndHour), nil
	case WeekdayOnlyConstraint:
		return Document{Kind: KindWeekdayOnly}, nil
	case HasRoleConstraint:
		return leaf(KindHasRole, "role", v.Role), nil
	case HasScopeConstraint:
		return leaf(KindHasScope, "pattern", v.Pattern), nil
	case HasKeyConstraint:
		return leaf(KindHasKey, "key", v.Key), nil
	case MatchesConstraint:
		expr := ""
		if v.Pattern != nil {
			expr = v.Pattern.String()
		}
		return leaf(KindMatches, "key", v.Key, "regex", expr), nil
	case EqualsConstraint:
		return leaf(KindEquals, "key", v.Key, "value", v.Value), nil
	case CustomConstraint:
		if v.Name == "" {
			return Document{}, fmt.Errorf("%w: custom constraint without name", ErrInvalidDocument)
		}
		return leaf(KindCustom, "name", v.Name), nil
	case AlwaysConstraint:
		return Document{Kind: KindAlways}, nil
	case NeverConstraint:
		return Document{Kind: KindNever}, nil
	case AllOfConstraint:
		return combinatorDoc(KindAllOf, v.Children)
	case AnyOfConstraint:
		return combinatorDoc(KindAnyOf, v.Children)
	case NotConstraint:
		return combinatorDoc(KindNot, []Constraint{v.Child})
	case nil:
		return Document{}, fmt.Errorf("%w: nil constraint", ErrInvalidDocument)
	}
	return Document{}, fmt.Errorf("%w: unsupported constraint %T", ErrInvalidDocument, c)
}

// FromDocument строит ограничение из документа. Любая неоднозначность: ошибка, а не молчаливый allow.
func FromDocument(doc Document, preds Predicates) (Constraint, error) {
	if err := noChildren(doc); err != nil {
		return nil, err
	}
	switch doc.Kind {
	case KindResourceLimit:
		resource, err := stringParam(doc, "resource")
		if err != nil {
			return nil, err
		}
		limit, err := numberParam(doc, "limit")
		if err != nil {
			return nil, err
		}
		return ResourceLimit(resource, limit), nil
	case KindTimeWindow:
		start, err := hourParam(doc, "start_hour")
		if err != nil {
			return nil, err
		}
		end, err := hourParam(doc, "end_hour")
		if err != nil {
			return nil, err
		}
		return TimeWindow(start, end), nil
	case KindWeekdayOnly:
		return WeekdayOnly(), nil
	case KindHasRole:
		role, err := stringParam(doc, "role")
		if err != nil {
			return nil, err
		}
		return HasRole(role), nil
	case KindHasScope:
		pattern, err := stringParam(doc, "pattern")
		if err != nil {
			return nil, err
		}
		return HasScope(pattern), nil
	case KindHasKey:
		key, err := stringParam(doc, "key")
		if err != nil {
			return nil, err
		}
		return HasKey(key), nil
	case KindMatches:
		key, err := stringParam(doc, "key")
		if err != nil {
			return nil, err
		}
		expr, err := stringParam(doc, "regex")
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: matches regex: %v", ErrInvalidDocument, err)
		}
		return MatchesConstraint{Key: key, Pattern: re}, nil
	case KindEquals:
		key, err := stringParam(doc, "key")
		if err != nil {
			return nil, err
		}
		value, ok := doc.Params["value"]
		if !ok {
			return nil, fmt.Errorf("%w: equals requires param %q", ErrInvalidDocument, "value")
		}
		return Equals(key, value), nil
	case KindCustom:
		name, err := stringParam(doc, "name")
		if err != nil {
			return nil, err
		}
		p, ok := preds[name]
		if !ok || p == nil {
			return nil, fmt.Errorf("%w: unknown custom predicate %q", ErrInvalidDocument, name)
		}
		return Custom(name, p), nil
	case KindAlways:
		return Always(), nil
	case KindNever:
		return Never(), nil
	case KindAllOf, KindAnyOf:
		if len(doc.Children) == 0 {
			return nil, fmt.Errorf("%w: %s requires at least one child", ErrInvalidDocument, doc.Kind)
		}
		children, err := decodeChildren(doc.Children, preds)
		if err != nil {
			return nil, err
		}
		if doc.Kind == KindAllOf {
			return AllOf(children...), nil
		}
		return AnyOf(children...), nil
	case KindNot:
		if len(doc.Children) != 1 {
			return nil, fmt.Errorf("%w: not requires exactly one child, got %d", ErrInvalidDocument, len(doc.Children))
		}
		child, err := FromDocument(doc.Children[0], preds)
		if err != nil {
			return nil, err
		}
		return Not(child), nil
	}
	return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidDocument, doc.Kind)
}

func leaf(kind Kind, kv ...any) Document {
	params := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i].(string)] = kv[i+1]
	}
	return Document{Kind: kind, Params: params}
}

func combinatorDoc(kind Kind, children []Constraint) (Document, error) {
	doc := Document{Kind: kind, Children: make([]Document, 0, len(children))}
	for _, c := range children {
		child, err := ToDocument(c)
		if err != nil {
			return Document{}, err
		}
		doc.Children = append(doc.Children, child)
	}
	return doc, nil
}

func decodeChildren(docs []Document, preds Predicates) ([]Constraint, error) {
	out := make([]Constraint, 0, len(docs))
	for _, d := range docs {
		c, err := FromDocument(d, preds)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func noChildren(doc Document) error {
	switch doc.Kind {
	case KindAllOf, KindAnyOf, KindNot:
		return nil
	}
	if len(doc.Children) > 0 {
		return fmt.Errorf("%w: leaf %s must not have children", ErrInvalidDocument, doc.Kind)
	}
	return nil
}

func stringParam(doc Document, name string) (string, error) {
	v, ok := doc.Params[name].(string)
	if !ok {
		return "", fmt.Errorf("%w: %s requires string param %q", ErrInvalidDocument, doc.Kind, name)
	}
	return v, nil
}

func numberParam(doc Document, name string) (float64, error) {
	v, ok := toFloat(doc.Params[name])
	if !ok {
		return 0, fmt.Errorf("%w: %s requires numeric param %q", ErrInvalidDocument, doc.Kind, name)
	}
	return v, nil
}

func hourParam(doc Document, name string) (int, error) {
	v, err := numberParam(doc, name)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || v < 0 || v > 23 {
		return 0, fmt.Errorf("%w: %s param %q must be an hour 0..23", ErrInvalidDocument, doc.Kind, name)
	}
	return int(v), nil
}
