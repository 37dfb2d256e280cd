// Package telemetry описывает контракт телеметрии ядра и его реализации (zap, Prometheus).
// Ядро получает Observer явно через конструкторы: глобального эмиттера нет.
package telemetry

import (
	"time"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
	"go.uber.org/zap"
)

// PolicyDecision — запись о каждом вызове policy.Engine.Evaluate
type PolicyDecision struct {
	Duration       time.Duration
	PolicyID       string
	PolicyName     string
	VerdictKind    domain.VerdictKind
	RulesEvaluated int
	Strategy       string
}

// ScopeDecision — запись о каждом решении scope-ядра
type ScopeDecision struct {
	Duration     time.Duration
	Actor        string
	Tenant       string
	DecisionKind domain.VerdictKind
	Domain       string
	Resource     string
	Action       string
	VerdictID    string
}

// Результаты операций подписи
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Observer — инжектируемый приемник телеметрии
type Observer interface {
	PolicyEvaluated(d PolicyDecision)
	ScopeDecided(d ScopeDecision)
	// SigningCompleted: op = sign|verify|rotate, result = ok или код ошибки
	SigningCompleted(op, result string)
	KeyringChanged(currentKeyID string, retained int)
}

// DurationMicros — длительность в микросекундах, как в контракте duration_us
func DurationMicros(d time.Duration) int64 {
	return d.Microseconds()
}

// Nop — Null Object: телеметрия отключена
type Nop struct{}

func (Nop) PolicyEvaluated(PolicyDecision)  {}
func (Nop) ScopeDecided(ScopeDecision)      {}
func (Nop) SigningCompleted(string, string) {}
func (Nop) KeyringChanged(string, int)      {}

// Multi рассылает события всем наблюдателям по порядку
type Multi []Observer

func (m Multi) PolicyEvaluated(d PolicyDecision) {
	for _, o := range m {
		o.PolicyEvaluated(d)
	}
}

func (m Multi) ScopeDecided(d ScopeDecision) {
	for _, o := range m {
		o.ScopeDecided(d)
	}
}

func (m Multi) SigningCompleted(op, result string) {
	for _, o := range m {
		o.SigningCompleted(op, result)
	}
}

func (m Multi) KeyringChanged(currentKeyID string, retained int) {
	for _, o := range m {
		o.KeyringChanged(currentKeyID, retained)
	}
}

// OrNop подставляет Nop вместо nil, чтобы не проверять наблюдателя в горячем пути
func OrNop(o Observer) Observer {
	if o == nil {
		return Nop{}
	}
	return o
}

// LogObserver пишет события телеметрии в zap на уровне debug
type LogObserver struct {
	logger *zap.Logger
}

func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger.Named("telemetry")}
}

func (l *LogObserver) PolicyEvaluated(d PolicyDecision) {
	l.logger.Debug("policy evaluated",
		zap.Int64("duration_us", DurationMicros(d.Duration)),
		zap.String("policy_id", d.PolicyID),
		zap.String("policy_name", d.PolicyName),
		zap.String("verdict_kind", string(d.VerdictKind)),
		zap.Int("rules_evaluated", d.RulesEvaluated),
		zap.String("strategy", d.Strategy),
	)
}

func (l *LogObserver) ScopeDecided(d ScopeDecision) {
	l.logger.Debug("scope decided",
		zap.Int64("duration_us", DurationMicros(d.Duration)),
		zap.String("actor", d.Actor),
		zap.String("tenant", d.Tenant),
		zap.String("decision_kind", string(d.DecisionKind)),
		zap.String("domain", d.Domain),
		zap.String("resource", d.Resource),
		zap.String("action", d.Action),
		zap.String("verdict_id", d.VerdictID),
	)
}

func (l *LogObserver) SigningCompleted(op, result string) {
	l.logger.Debug("signing operation", zap.String("op", op), zap.String("result", result))
}

func (l *LogObserver) KeyringChanged(currentKeyID string, retained int) {
	l.logger.Info("keyring changed", zap.String("current_key_id", currentKeyID), zap.Int("retained", retained))
}
