package domain

import "time"

// Actor — уже аутентифицированный субъект запроса. Ядро не проверяет учетные данные.
type Actor struct {
	ID     string   `json:"id"`
	Tenant string   `json:"tenant"`
	Role   string   `json:"role,omitempty"`
	Scopes []string `json:"scopes,omitempty"` // Выданные права, e.g. "billing:invoice:*"
}

// ActionDescriptor описывает действие, по которому выносится решение
type ActionDescriptor struct {
	Domain   string   `json:"domain"`
	Resource string   `json:"resource"`
	Action   string   `json:"action"`
	Scopes   []string `json:"scopes,omitempty"` // Требуемые права; пустой список: default deny в scope-ядре

	// Произвольные поля для custom-ограничений
	Context map[string]any `json:"context,omitempty"`
}

// Зарезервированные ключи контекста. Разрешаются раньше карты расширений.
const (
	KeyActionDomain   = "action.domain"
	KeyActionResource = "action.resource"
	KeyActionName     = "action.action"
	KeyActionScopes   = "action.scopes"
	KeyActorID        = "actor.id"
	KeyActorRole      = "actor.role"
	KeyActorScopes    = "actor.scopes"
	KeyTenant         = "tenant"
)

// DecisionContext — типизированный контекст оценки: ядро (актор, действие) плюс открытая карта расширений.
type DecisionContext struct {
	Actor  Actor
	Action ActionDescriptor
	Attrs  map[string]any

	// Now фиксирует "текущее" время для time_window/weekday_only. Нулевое значение: time.Now().
	Now time.Time
}

// NewDecisionContext собирает контекст; поля action.context подмешиваются в Attrs без перезаписи.
func NewDecisionContext(actor Actor, action ActionDescriptor, attrs map[string]any) DecisionContext {
	merged := make(map[string]any, len(attrs)+len(action.Context))
	for k, v := range action.Context {
		merged[k] = v
	}
	for k, v := range attrs {
		merged[k] = v
	}
	return DecisionContext{Actor: actor, Action: action, Attrs: merged}
}

// WithAction возвращает копию контекста с подставленным дескриптором действия
func (dc DecisionContext) WithAction(action ActionDescriptor) DecisionContext {
	dc.Action = action
	if len(action.Context) > 0 {
		merged := make(map[string]any, len(dc.Attrs)+len(action.Context))
		for k, v := range action.Context {
			merged[k] = v
		}
		for k, v := range dc.Attrs {
			merged[k] = v
		}
		dc.Attrs = merged
	}
	return dc
}

// Lookup возвращает значение по ключу. Сначала зарезервированные ключи, потом Attrs.
func (dc DecisionContext) Lookup(key string) (any, bool) {
	switch key {
	case KeyActionDomain:
		return dc.Action.Domain, dc.Action.Domain != ""
	case KeyActionResource:
		return dc.Action.Resource, dc.Action.Resource != ""
	case KeyActionName:
		return dc.Action.Action, dc.Action.Action != ""
	case KeyActionScopes:
		return dc.Action.Scopes, dc.Action.Scopes != nil
	case KeyActorID:
		return dc.Actor.ID, dc.Actor.ID != ""
	case KeyActorRole:
		return dc.Actor.Role, dc.Actor.Role != ""
	case KeyActorScopes:
		return dc.Actor.Scopes, dc.Actor.Scopes != nil
	case KeyTenant:
		return dc.Actor.Tenant, dc.Actor.Tenant != ""
	}
	v, ok := dc.Attrs[key]
	return v, ok
}

// Clock возвращает момент оценки в UTC
func (dc DecisionContext) Clock() time.Time {
	if dc.Now.IsZero() {
		return time.Now().UTC()
	}
	return dc.Now.UTC()
}
