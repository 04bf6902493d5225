package billing

import (
	"time"

	"bono/internal/types"
)

// Capability membership is a fixed table per plan type, never derived from
// price data. Community was a member-only legacy tier; Growth carried
// learning access.
var (
	memberEligible = map[types.PlanType]bool{
		types.PlanStandard:  true,
		types.PlanFeedback:  true,
		types.PlanCommunity: true,
		types.PlanGrowth:    true,
	}

	learningEligible = map[types.PlanType]bool{
		types.PlanStandard: true,
		types.PlanFeedback: true,
		types.PlanGrowth:   true,
	}
)

// CalculateAccess derives the access-permission flags from a subscription
// snapshot. Pure function of its inputs; all four subscription fields must
// come from the same read so a fresh isActive is never paired with a stale
// period end.
//
// Rules:
//   - no plan type ⇒ no access, regardless of the other flags
//   - isActive ⇒ plan capabilities
//   - not active, but cancellation is scheduled and the paid period has not
//     elapsed ⇒ plan capabilities (grace period honored)
//   - otherwise ⇒ no access
func CalculateAccess(planType types.PlanType, isActive bool, cancelAtPeriodEnd bool, currentPeriodEnd *time.Time, now time.Time) types.Access {
	if planType == "" {
		return types.Access{}
	}

	inGrace := cancelAtPeriodEnd && currentPeriodEnd != nil && currentPeriodEnd.After(now)
	if !isActive && !inGrace {
		return types.Access{}
	}

	return types.Access{
		HasMemberAccess:   memberEligible[planType],
		HasLearningAccess: learningEligible[planType],
	}
}

// AccessForRecord is a convenience wrapper taking the snapshot directly from
// a stored record. A nil record grants nothing.
func AccessForRecord(rec *types.SubscriptionRecord, now time.Time) types.Access {
	if rec == nil {
		return types.Access{}
	}
	return CalculateAccess(rec.PlanType, rec.IsActive, rec.CancelAtPeriodEnd, rec.CurrentPeriodEnd, now)
}
