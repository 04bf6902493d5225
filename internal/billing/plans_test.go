package billing

import (
	"errors"
	"testing"

	"bono/internal/types"
)

func TestParsePlanKey(t *testing.T) {
	tests := []struct {
		name     string
		plan     string
		duration int
		want     PlanKey
		wantErr  bool
	}{
		{name: "standard monthly", plan: "standard", duration: 1, want: PlanKey{types.PlanStandard, 1}},
		{name: "feedback quarterly", plan: "feedback", duration: 3, want: PlanKey{types.PlanFeedback, 3}},
		{name: "legacy community rejected", plan: "community", duration: 1, wantErr: true},
		{name: "legacy growth rejected", plan: "growth", duration: 1, wantErr: true},
		{name: "unknown plan rejected", plan: "platinum", duration: 1, wantErr: true},
		{name: "unoffered duration rejected", plan: "standard", duration: 12, wantErr: true},
		{name: "zero duration rejected", plan: "standard", duration: 0, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePlanKey(tt.plan, tt.duration)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				var appErr *types.AppError
				if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeValidationInvalidPlan {
					t.Errorf("expected invalid-plan error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestPlanKey_String(t *testing.T) {
	if got := (PlanKey{types.PlanStandard, 1}).String(); got != "standard_1m" {
		t.Errorf("got %q", got)
	}
	if got := (PlanKey{types.PlanFeedback, 3}).String(); got != "feedback_3m" {
		t.Errorf("got %q", got)
	}
}

func TestPriceCatalog_Lookup(t *testing.T) {
	env := newTestEnv(t)

	key, known := env.Catalog.Lookup("price_fb_3m")
	if !known {
		t.Fatal("configured price should be known")
	}
	if key.PlanType != types.PlanFeedback || key.DurationMonths != 3 {
		t.Errorf("wrong mapping: %+v", key)
	}

	// Determinism: repeated lookups agree.
	again, _ := env.Catalog.Lookup("price_fb_3m")
	if again != key {
		t.Errorf("lookup not deterministic: %+v vs %+v", key, again)
	}
}

func TestPriceCatalog_LookupUnknownFallsBack(t *testing.T) {
	env := newTestEnv(t)

	key, known := env.Catalog.Lookup("price_unknown")
	if known {
		t.Fatal("unknown price must report !known")
	}
	if key != DefaultPlanKey {
		t.Errorf("expected default fallback, got %+v", key)
	}
}

func TestPriceCatalog_PriceID(t *testing.T) {
	env := newTestEnv(t)

	id, ok := env.Catalog.PriceID(PlanKey{types.PlanStandard, 3})
	if !ok || id != "price_std_3m" {
		t.Errorf("got (%q, %v)", id, ok)
	}

	if _, ok := env.Catalog.PriceID(PlanKey{types.PlanCommunity, 1}); ok {
		t.Error("legacy plans must not resolve to a price")
	}
}

func TestPriceCatalog_Keys(t *testing.T) {
	env := newTestEnv(t)
	if got := len(env.Catalog.Keys()); got != 4 {
		t.Errorf("expected 4 purchasable keys, got %d", got)
	}
}
