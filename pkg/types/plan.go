package types

import "fmt"

type PlanID string

const (
	PlanBasic    PlanID = "basic"
	PlanStandard PlanID = "standard"
	PlanPro      PlanID = "pro"
)

// planAllotments is the monthly credit grant of each plan.
var planAllotments = map[PlanID]int64{
	PlanBasic:    10,
	PlanStandard: 50,
	PlanPro:      200,
}

func (p PlanID) Valid() bool {
	_, ok := planAllotments[p]
	return ok
}

// Allotment returns the credits granted per billing period, or 0 for an unknown plan.
func (p PlanID) Allotment() int64 {
	return planAllotments[p]
}

func ParsePlan(s string) (PlanID, error) {
	p := PlanID(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown plan: %q", s)
	}
	return p, nil
}

// Plan is the billing side of a plan tier, loaded from config.
type Plan struct {
	ID            PlanID `json:"id" mapstructure:"id"`
	Name          string `json:"name" mapstructure:"name"`
	PriceCents    int64  `json:"price_cents" mapstructure:"price_cents"`
	Currency      string `json:"currency" mapstructure:"currency"`
	StripePriceID string `json:"stripe_price_id" mapstructure:"stripe_price_id"`
}

func (p *Plan) Allotment() int64 {
	if p == nil {
		return 0
	}
	return p.ID.Allotment()
}

// DefaultPlans is the catalog used when the config file does not declare one.
func DefaultPlans() []*Plan {
	return []*Plan{
		{ID: PlanBasic, Name: "Basic", PriceCents: 999, Currency: "usd"},
		{ID: PlanStandard, Name: "Standard", PriceCents: 1999, Currency: "usd"},
		{ID: PlanPro, Name: "Pro", PriceCents: 4999, Currency: "usd"},
	}
}
