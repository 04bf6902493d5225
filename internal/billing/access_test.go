package billing

import (
	"testing"
	"time"

	"bono/internal/types"
)

func TestCalculateAccess(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(10 * 24 * time.Hour)
	past := now.Add(-10 * 24 * time.Hour)

	tests := []struct {
		name              string
		planType          types.PlanType
		isActive          bool
		cancelAtPeriodEnd bool
		currentPeriodEnd  *time.Time
		want              types.Access
	}{
		{
			name:     "active standard",
			planType: types.PlanStandard,
			isActive: true,
			want:     types.Access{HasMemberAccess: true, HasLearningAccess: true},
		},
		{
			name:     "active feedback",
			planType: types.PlanFeedback,
			isActive: true,
			want:     types.Access{HasMemberAccess: true, HasLearningAccess: true},
		},
		{
			name:     "legacy community is member only",
			planType: types.PlanCommunity,
			isActive: true,
			want:     types.Access{HasMemberAccess: true, HasLearningAccess: false},
		},
		{
			name:     "legacy growth keeps learning",
			planType: types.PlanGrowth,
			isActive: true,
			want:     types.Access{HasMemberAccess: true, HasLearningAccess: true},
		},
		{
			name:     "no plan type grants nothing even when active",
			planType: "",
			isActive: true,
			want:     types.Access{},
		},
		{
			name:     "inactive without cancellation",
			planType: types.PlanStandard,
			isActive: false,
			want:     types.Access{},
		},
		{
			name:              "grace period before period end",
			planType:          types.PlanStandard,
			isActive:          false,
			cancelAtPeriodEnd: true,
			currentPeriodEnd:  &future,
			want:              types.Access{HasMemberAccess: true, HasLearningAccess: true},
		},
		{
			name:              "grace period elapsed",
			planType:          types.PlanStandard,
			isActive:          false,
			cancelAtPeriodEnd: true,
			currentPeriodEnd:  &past,
			want:              types.Access{},
		},
		{
			name:              "cancellation scheduled but no period end known",
			planType:          types.PlanStandard,
			isActive:          false,
			cancelAtPeriodEnd: true,
			currentPeriodEnd:  nil,
			want:              types.Access{},
		},
		{
			name:              "active with scheduled cancellation keeps access",
			planType:          types.PlanFeedback,
			isActive:          true,
			cancelAtPeriodEnd: true,
			currentPeriodEnd:  &future,
			want:              types.Access{HasMemberAccess: true, HasLearningAccess: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CalculateAccess(tt.planType, tt.isActive, tt.cancelAtPeriodEnd, tt.currentPeriodEnd, now)
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestAccessForRecord_NilRecord(t *testing.T) {
	got := AccessForRecord(nil, time.Now().UTC())
	if got.HasMemberAccess || got.HasLearningAccess {
		t.Errorf("nil record must grant nothing, got %+v", got)
	}
}

func TestAccessExpiresAt_CancelAtPrecedence(t *testing.T) {
	cancelAt := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	periodEnd := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	rec := &types.SubscriptionRecord{
		CancelAtPeriodEnd: true,
		CancelAt:          &cancelAt,
		CurrentPeriodEnd:  &periodEnd,
	}
	if got := rec.AccessExpiresAt(); got == nil || !got.Equal(cancelAt) {
		t.Errorf("cancel_at should win when cancellation is scheduled, got %v", got)
	}

	rec.CancelAtPeriodEnd = false
	if got := rec.AccessExpiresAt(); got == nil || !got.Equal(periodEnd) {
		t.Errorf("period end should win without scheduled cancellation, got %v", got)
	}
}
