package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/domain"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.PolicyEvaluated(PolicyDecision{Duration: 40 * time.Microsecond, Strategy: "all_of", VerdictKind: domain.VerdictDeny})
	m.PolicyEvaluated(PolicyDecision{Duration: 10 * time.Microsecond, Strategy: "all_of", VerdictKind: domain.VerdictAllow})
	m.ScopeDecided(ScopeDecision{DecisionKind: domain.VerdictAllow})
	m.SigningCompleted("sign", ResultOK)
	m.SigningCompleted("verify", "unknown_key_id")
	m.KeyringChanged("key_1", 3)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("policy", "deny")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DecisionsTotal.WithLabelValues("scope", "allow")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SigningOps.WithLabelValues("verify", "unknown_key_id")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.RetainedKeys))
	assert.Equal(t, 2, testutil.CollectAndCount(m.PolicyEvalDuration))
}

func TestNewMetricsWithoutRegistry(t *testing.T) {
	assert.NotPanics(t, func() {
		NewMetrics(nil).SigningCompleted("rotate", ResultOK)
	})
}

type countingObserver struct {
	Nop
	policies, scopes int
}

func (c *countingObserver) PolicyEvaluated(PolicyDecision) { c.policies++ }
func (c *countingObserver) ScopeDecided(ScopeDecision)     { c.scopes++ }

func TestMultiFansOut(t *testing.T) {
	a, b := &countingObserver{}, &countingObserver{}
	multi := Multi{a, b, NewLogObserver(zap.NewNop())}

	multi.PolicyEvaluated(PolicyDecision{})
	multi.ScopeDecided(ScopeDecision{})
	multi.ScopeDecided(ScopeDecision{})
	multi.SigningCompleted("sign", ResultOK)
	multi.KeyringChanged("k", 1)

	assert.Equal(t, 1, a.policies)
	assert.Equal(t, 2, b.scopes)
	assert.IsType(t, Nop{}, OrNop(nil))
	assert.Equal(t, int64(1500), DurationMicros(1500*time.Microsecond))
}
