package credits

// Balance is a user's spendable credit, split into the plan allowance (Free)
// and credit bought on top of it (Purchased). Free is always spent first.
type Balance struct {
	Free      int64 `json:"free"`
	Purchased int64 `json:"purchased"`
}

func (b Balance) Total() int64 {
	return b.Free + b.Purchased
}

func CanAfford(b Balance, cost int64) bool {
	return b.Total() >= cost
}

// ApplyDebit subtracts cost, draining Free before Purchased. Neither field
// goes below zero; a shortfall beyond the total is forgiven.
func ApplyDebit(b Balance, cost int64) Balance {
	if cost <= 0 {
		return b
	}
	overflow := cost - b.Free
	if overflow < 0 {
		overflow = 0
	}
	return Balance{
		Free:      max(0, b.Free-cost),
		Purchased: max(0, b.Purchased-overflow),
	}
}

// LimitEntry is the cached projection of a balance, stored per session key.
type LimitEntry struct {
	UserID  string  `json:"userId,omitempty"`
	Plan    Plan    `json:"plan"`
	Balance Balance `json:"balance"`
}
