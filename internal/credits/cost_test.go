package credits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTotalCostAddsModelAndCapability(t *testing.T) {
	assert.EqualValues(t, 0, TotalCost("gemini-2.0-flash-001", CapabilityChat))
	assert.EqualValues(t, 300, TotalCost("gpt-4o", CapabilityWebSearch))
	assert.EqualValues(t, 700, TotalCost("claude-4-sonnet-20250514", CapabilityAcademicSearch))
	assert.EqualValues(t, 220, TotalCost("gpt-4.1-nano", CapabilityWebReader))
	assert.EqualValues(t, 230, TotalCost("gpt-4o-mini", CapabilityXSearch))
	assert.EqualValues(t, 1300, TotalCost("gpt-4o", CapabilityImage))
}

func TestUnknownKeysPanicWithConfigurationError(t *testing.T) {
	defer func() {
		rec := recover()
		require.NotNil(t, rec)
		cfgErr, ok := rec.(ConfigurationError)
		require.True(t, ok, "unexpected panic value %#v", rec)
		assert.Equal(t, "model", cfgErr.Kind)
		assert.Equal(t, "no-such-model", cfgErr.Key)
	}()
	ModelCost("no-such-model")
}

func TestUnknownCapabilityPanics(t *testing.T) {
	assert.Panics(t, func() { CapabilityCost("video_generation") })
}

func TestModelsOrderedByTierThenCost(t *testing.T) {
	models := Models()
	require.Len(t, models, len(catalog))

	rank := map[Tier]int{TierFree: 0, TierStandard: 1, TierPremium: 2}
	for i := 1; i < len(models); i++ {
		prev, cur := models[i-1], models[i]
		require.LessOrEqual(t, rank[prev.Tier], rank[cur.Tier])
		if prev.Tier == cur.Tier {
			require.LessOrEqual(t, prev.Cost, cur.Cost)
		}
	}
}

func TestEveryCatalogModelHasRoute(t *testing.T) {
	for _, m := range catalog {
		assert.NotEmpty(t, m.Route, m.ID)
		assert.GreaterOrEqual(t, m.Cost, int64(0), m.ID)
	}
}

func TestPlanTierMatrix(t *testing.T) {
	cases := []struct {
		plan Plan
		tier Tier
		want bool
	}{
		{PlanTrial, TierFree, true},
		{PlanTrial, TierStandard, false},
		{PlanTrial, TierPremium, false},
		{PlanFree, TierStandard, true},
		{PlanFree, TierPremium, false},
		{PlanBasic, TierPremium, true},
		{PlanOwner, TierPremium, true},
		{Plan("unknown"), TierFree, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.plan.PermitsTier(tc.tier), "%s/%s", tc.plan, tc.tier)
	}
	assert.False(t, PlanFree.PermitsAttachments())
	assert.True(t, PlanPro.PermitsAttachments())
}
