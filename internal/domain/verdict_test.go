package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReasonJSON(t *testing.T) {
	tests := []struct {
		name   string
		reason Reason
		want   string
	}{
		{
			name:   "zero score keeps the triple",
			reason: Reason{Code: ReasonScoreBelowThreshold, PolicyID: "w-1", Threshold: 0.5},
			want:   `{"code":"score_below_threshold","policy_id":"w-1","score":0,"threshold":0.5}`,
		},
		{
			name:   "nonzero score",
			reason: Reason{Code: ReasonScoreBelowThreshold, PolicyID: "w-1", Score: 0.25, Threshold: 0.5},
			want:   `{"code":"score_below_threshold","policy_id":"w-1","score":0.25,"threshold":0.5}`,
		},
		{
			name:   "other codes omit score",
			reason: Reason{Code: ReasonRuleFailed, Rule: "limit", PolicyID: "p-1"},
			want:   `{"code":"rule_failed","rule":"limit","policy_id":"p-1"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(Deny(tt.reason))
			require.NoError(t, err)
			assert.JSONEq(t, `{"kind":"deny","reason":`+tt.want+`}`, string(raw))

			var back Verdict
			require.NoError(t, json.Unmarshal(raw, &back))
			assert.Equal(t, tt.reason, *back.Reason)
		})
	}
}
