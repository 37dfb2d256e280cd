package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/constraint"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/infra"
)

// ReasonDefaultPolicy — причина в Result, когда для типа не зарегистрировано ни одной политики
const ReasonDefaultPolicy = "default_policy"

type PolicyRepository interface {
	GetAllPolicies(ctx context.Context) ([]Document, error)
}

// Request — упрощенный запрос для вызывающих, которым не нужен граф правил
type Request struct {
	PolicyType string         `json:"policy_type"`
	Subject    domain.Actor   `json:"subject"`
	Context    map[string]any `json:"context,omitempty"`
}

// Result — упрощенный ответ: решение и машиночитаемая причина
type Result struct {
	Decision domain.VerdictKind `json:"decision"`
	Reason   string             `json:"reason,omitempty"`
	Verdict  domain.Verdict     `json:"verdict"`
}

// Registry — in-memory кэш именованных политик. В рантайме решения принимаются только по памяти,
// БД читается в Refresh (при старте и по сигналу из Redis).
type Registry struct {
	mu sync.RWMutex
	// Кэш: тип запроса / право -> политики. static из бандла, dynamic из БД.
	static  map[string][]Policy
	dynamic map[string][]Policy

	engine *Engine
	preds  constraint.Predicates
	repo   PolicyRepository // Используется только для Refresh()
	rdb    *redis.Client
	logger *zap.Logger
}

func NewRegistry(engine *Engine, repo PolicyRepository, rdb *redis.Client, preds constraint.Predicates, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		static:  make(map[string][]Policy),
		dynamic: make(map[string][]Policy),
		engine:  engine,
		preds:   preds,
		repo:    repo,
		rdb:     rdb,
		logger:  logger.Named("policy_registry"),
	}
}

// Register добавляет политику в статический набор (не перетирается при Refresh)
func (r *Registry) Register(policyType string, p Policy) {
	r.mu.Lock()
	r.static[policyType] = append(r.static[policyType], p)
	r.mu.Unlock()
}

// LoadBundle компилирует YAML-бандл и регистрирует все его политики. Ошибка в любой политике: ошибка бандла.
func (r *Registry) LoadBundle(path string) error {
	b, err := ReadBundle(path)
	if err != nil {
		return err
	}

	compiled, err := compileAll(b.Policies, r.preds)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for t, ps := range compiled {
		r.static[t] = append(r.static[t], ps...)
	}
	r.mu.Unlock()

	r.logger.Info("policy bundle loaded", zap.String("path", path), zap.Int("count", len(b.Policies)))
	return nil
}

// Lookup возвращает политики для типа: сначала статические, затем из БД
func (r *Registry) Lookup(policyType string) []Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	static, dynamic := r.static[policyType], r.dynamic[policyType]
	if len(static)+len(dynamic) == 0 {
		return nil
	}
	out := make([]Policy, 0, len(static)+len(dynamic))
	out = append(out, static...)
	return append(out, dynamic...)
}

// Refresh выполняет «холодную загрузку» политик из БД в память.
// Если хоть один документ не компилируется, старый кэш остается: потерянная запрещающая политика
// превратила бы тип в default-allow.
func (r *Registry) Refresh(ctx context.Context) error {
	if r.repo == nil {
		return nil
	}

	docs, err := r.repo.GetAllPolicies(ctx)
	if err != nil {
		return fmt.Errorf("load policies: %w", err)
	}

	compiled, err := compileAll(docs, r.preds)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.dynamic = compiled
	r.mu.Unlock()

	r.logger.Info("policy cache refreshed", zap.Int("count", len(docs)))
	return nil
}

// StartListener подписывается на сигнал обновления политик. Блокирует до отмены ctx.
func (r *Registry) StartListener(ctx context.Context) {
	if r.rdb == nil {
		return
	}
	refresh := func() error { return r.Refresh(ctx) }

	infra.ListenResilient(ctx, r.rdb, r.logger, infra.RedisChanPolicyRefresh, refresh,
		func(payload string) {
			// Payload не важен: перечитываем всю таблицу
			if err := refresh(); err != nil {
				r.logger.Error("policy refresh failed", zap.String("signal", payload), zap.Error(err))
			}
		})
}

// EvaluateRequest — упрощенная точка входа. Если для PolicyType ничего не зарегистрировано,
// строится разрешающая политика по умолчанию.
// Это временный шов под поиск именованных политик, а не замена явной сборки Policy.
func (r *Registry) EvaluateRequest(ctx context.Context, req Request) Result {
	dc := domain.NewDecisionContext(req.Subject, domain.ActionDescriptor{}, req.Context)
	return r.decide(req.PolicyType, dc, domain.ActionDescriptor{})
}

// Check — то же, что EvaluateRequest, но по праву вида "domain:resource:action".
// Право раскладывается в дескриптор действия, чтобы ограничения видели action.*.
func (r *Registry) Check(ctx context.Context, permission string, dc domain.DecisionContext) Result {
	return r.decide(permission, dc, actionFromPermission(permission))
}

func (r *Registry) decide(policyType string, dc domain.DecisionContext, action domain.ActionDescriptor) Result {
	policies := r.Lookup(policyType)
	reason := ""
	if len(policies) == 0 {
		policies = []Policy{defaultPolicy(policyType)}
		reason = ReasonDefaultPolicy
	}

	v := r.engine.EvaluateAll(policies, dc, action)
	if v.Kind == domain.VerdictDeny {
		reason = v.ReasonCode()
	}
	return Result{Decision: v.Kind, Reason: reason, Verdict: v}
}

// defaultPolicy — разрешающая политика-заглушка, помеченная типом запроса
func defaultPolicy(policyType string) Policy {
	return NewPolicy("default:"+policyType,
		WithID("default:"+policyType),
		WithMetadata(map[string]any{"policy_type": policyType, "default": true}),
	).AddRule("default_allow", constraint.Always())
}

func actionFromPermission(permission string) domain.ActionDescriptor {
	parts := strings.SplitN(permission, ":", 3)
	var a domain.ActionDescriptor
	switch len(parts) {
	case 3:
		a.Action = parts[2]
		fallthrough
	case 2:
		a.Resource = parts[1]
		fallthrough
	default:
		a.Domain = parts[0]
	}
	a.Scopes = []string{permission}
	return a
}

func compileAll(docs []Document, preds constraint.Predicates) (map[string][]Policy, error) {
	out := make(map[string][]Policy, len(docs))
	for _, d := range docs {
		p, err := d.Compile(preds)
		if err != nil {
			return nil, err
		}
		out[d.Type] = append(out[d.Type], p)
	}
	return out, nil
}
