package credits

type Plan string

// Monthly credit allowance granted when a paid subscription starts or renews.
var planAllowances = map[Plan]int64{
	PlanBasic: 100_000,
	PlanPro:   400_000,
}

const (
	PlanTrial Plan = "trial"
	PlanFree  Plan = "free"
	PlanBasic Plan = "basic"
	PlanPro   Plan = "pro"
	PlanOwner Plan = "owner"
)

// PermitsTier reports whether models of tier t may be used on plan p.
func (p Plan) PermitsTier(t Tier) bool {
	switch p {
	case PlanTrial:
		return t == TierFree
	case PlanFree:
		return t == TierFree || t == TierStandard
	case PlanBasic, PlanPro, PlanOwner:
		return true
	default:
		return false
	}
}

// PermitsAttachments reports whether user messages may carry non-text parts.
func (p Plan) PermitsAttachments() bool {
	return p != PlanTrial && p != PlanFree
}

// Allowance reports the free-credit grant of a paid plan.
func (p Plan) Allowance() (int64, bool) {
	n, ok := planAllowances[p]
	return n, ok
}
