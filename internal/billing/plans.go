package billing

import (
	"fmt"

	"bono/internal/types"
)

// PlanKey identifies a purchasable plan: a plan type at a billing duration.
type PlanKey struct {
	PlanType types.PlanType
	// DurationMonths is 1 or 3.
	DurationMonths int
}

// String returns the canonical key form used in the price-listing response,
// e.g. "standard_1m".
func (k PlanKey) String() string {
	return fmt.Sprintf("%s_%dm", k.PlanType, k.DurationMonths)
}

// DefaultPlanKey is the documented fallback for unrecognized price IDs:
// (standard, 1 month). Falling back instead of failing keeps webhook
// processing alive when a new price is introduced before the mapping table
// is updated, at the cost of risking silent misclassification; call sites
// log a warning whenever the fallback is taken.
var DefaultPlanKey = PlanKey{PlanType: types.PlanStandard, DurationMonths: types.DurationMonthly}

// ParsePlanKey validates client-supplied plan and duration inputs into a
// purchasable PlanKey. Legacy plan types are readable stored values but are
// rejected here; they can no longer be purchased.
func ParsePlanKey(plan string, durationMonths int) (PlanKey, error) {
	pt := types.PlanType(plan)
	if pt != types.PlanStandard && pt != types.PlanFeedback {
		return PlanKey{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("plan %q is not purchasable", plan), nil,
			map[string]any{"allowed_plans": []string{string(types.PlanStandard), string(types.PlanFeedback)}})
	}
	if durationMonths != types.DurationMonthly && durationMonths != types.DurationQuarterly {
		return PlanKey{}, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidPlan,
			fmt.Sprintf("duration %d months is not offered", durationMonths), nil,
			map[string]any{"allowed_durations": []int{types.DurationMonthly, types.DurationQuarterly}})
	}
	return PlanKey{PlanType: pt, DurationMonths: durationMonths}, nil
}

// PriceCatalog is the single source of truth mapping provider price IDs to
// plan taxonomy, replacing amount-based heuristics. It is a pure lookup
// table built from configuration at startup; one catalog exists per
// environment and carries its tag so a test price can never resolve through
// a live catalog.
type PriceCatalog struct {
	env       types.Environment
	byPriceID map[string]PlanKey
	byPlan    map[PlanKey]string
}

// newCatalog builds a catalog from the configured (plan, duration) → price ID
// table. Every purchasable plan must have a configured price ID; a missing
// one is a fatal configuration error at startup, not a silent gap discovered
// on the first checkout.
func newCatalog(env types.Environment, prices map[PlanKey]string) (*PriceCatalog, error) {
	c := &PriceCatalog{
		env:       env,
		byPriceID: make(map[string]PlanKey, len(prices)),
		byPlan:    make(map[PlanKey]string, len(prices)),
	}
	for key, priceID := range prices {
		if priceID == "" {
			return nil, types.NewAppError(types.ErrCodeConfigMissingPrice,
				fmt.Sprintf("no %s price ID configured for plan %s", env, key), nil)
		}
		c.byPriceID[priceID] = key
		c.byPlan[key] = priceID
	}
	return c, nil
}

// Environment returns the environment tag this catalog belongs to.
func (c *PriceCatalog) Environment() types.Environment {
	return c.env
}

// Lookup maps a provider price ID to its plan key. Deterministic and
// side-effect-free. Unknown price IDs return (DefaultPlanKey, false) rather
// than an error; see DefaultPlanKey for the rationale.
func (c *PriceCatalog) Lookup(priceID string) (PlanKey, bool) {
	if key, ok := c.byPriceID[priceID]; ok {
		return key, true
	}
	return DefaultPlanKey, false
}

// PriceID returns the provider price ID for a purchasable plan key.
// Legacy plan types (community, growth) are not purchasable and return false.
func (c *PriceCatalog) PriceID(key PlanKey) (string, bool) {
	id, ok := c.byPlan[key]
	return id, ok
}

// Keys returns all purchasable plan keys in the catalog.
func (c *PriceCatalog) Keys() []PlanKey {
	keys := make([]PlanKey, 0, len(c.byPlan))
	for k := range c.byPlan {
		keys = append(keys, k)
	}
	return keys
}
