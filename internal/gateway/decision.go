package gateway

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/audit"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/policy"
)

var ErrAttestUnavailable = errors.New("attestation is not configured")

type ScopeDecider interface {
	Decide(actor domain.Actor, action domain.ActionDescriptor) domain.Verdict
}

type PolicyChecker interface {
	EvaluateRequest(ctx context.Context, req policy.Request) policy.Result
	Check(ctx context.Context, permission string, dc domain.DecisionContext) policy.Result
}

type Attestor interface {
	Attest(ctx context.Context, rec audit.Record) (audit.Record, error)
}

type DecideRequest struct {
	Actor  domain.Actor            `json:"actor"`
	Action domain.ActionDescriptor `json:"action"`
	// Attest — подписать разрешение и записать решение в журнал
	Attest bool `json:"attest,omitempty"`
}

type DecideResponse struct {
	TraceID string         `json:"trace_id"`
	Verdict domain.Verdict `json:"verdict"`
	Record  *audit.Record  `json:"record,omitempty"`
}

type CheckRequest struct {
	Permission string         `json:"permission"`
	Actor      domain.Actor   `json:"actor"`
	Context    map[string]any `json:"context,omitempty"`
}

// Core — единый пайплайн решений. Его используют и HTTP, и gRPC.
type Core struct {
	kernel   ScopeDecider
	policies PolicyChecker
	notary   Attestor
	logger   *zap.Logger
	now      func() time.Time
}

type Option func(*Core)

// WithClock подменяет часы, по которым оцениваются time_window и weekday_only.
// Время задает только сервер, клиент на него не влияет.
func WithClock(now func() time.Time) Option {
	return func(c *Core) { c.now = now }
}

// NewCore собирает пайплайн. notary может быть nil: тогда attest=true отвечает ErrAttestUnavailable.
func NewCore(kernel ScopeDecider, policies PolicyChecker, notary Attestor, logger *zap.Logger, opts ...Option) *Core {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Core{
		kernel:   kernel,
		policies: policies,
		notary:   notary,
		logger:   logger.Named("core"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Decide выносит решение scope-ядром и при необходимости заверяет его.
// Ошибка подписи не отменяет решение: запись возвращается со статусом UNSIGNED.
func (c *Core) Decide(ctx context.Context, req DecideRequest) (DecideResponse, error) {
	if req.Attest && c.notary == nil {
		return DecideResponse{}, ErrAttestUnavailable
	}

	start := time.Now()
	traceID := TraceID(ctx)
	v := c.kernel.Decide(req.Actor, req.Action)
	resp := DecideResponse{TraceID: traceID, Verdict: v}
	if !req.Attest {
		return resp, nil
	}

	rec := audit.NewRecord(traceID, req.Actor, req.Action, v, time.Since(start))
	rec, err := c.notary.Attest(ctx, rec)
	if err != nil {
		c.logger.Warn("decision left unsigned",
			zap.String("trace_id", traceID),
			zap.String("verdict_id", rec.VerdictID),
			zap.Error(err),
		)
	}
	resp.Record = &rec
	return resp, nil
}

func (c *Core) Evaluate(ctx context.Context, req policy.Request) policy.Result {
	return c.policies.EvaluateRequest(ctx, req)
}

func (c *Core) Check(ctx context.Context, req CheckRequest) policy.Result {
	dc := domain.NewDecisionContext(req.Actor, domain.ActionDescriptor{}, req.Context)
	dc.Now = c.now().UTC()
	return c.policies.Check(ctx, req.Permission, dc)
}
