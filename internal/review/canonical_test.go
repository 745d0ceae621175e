package review

import (
	"testing"

	"github.com/cohortforge/sieve/internal/types"
)

func TestCanonicalText(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Age >= 18 years", "age >= 18 years"},
		{"  Age >= 18   years.  ", "age >= 18 years"},
		{"3. Age >= 18 years", "age >= 18 years"},
		{"b) Age >= 18 years", "age >= 18 years"},
		{"- Age >= 18 years;", "age >= 18 years"},
		{"* Age >= 18\nyears", "age >= 18 years"},
		{"No history of hepatic impairment.", "no history of hepatic impairment"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := CanonicalText(tc.in); got != tc.want {
			t.Errorf("CanonicalText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestCanonicalHashStableAcrossRewrapping(t *testing.T) {
	a := CanonicalHash("2. HbA1c between 7.0% and 10.0%")
	b := CanonicalHash("HbA1c   between 7.0% and\n10.0%.")
	if a != b {
		t.Errorf("rewrapped texts hash apart: %s vs %s", a, b)
	}
	if a == CanonicalHash("HbA1c between 7.0% and 11.0%") {
		t.Error("different bounds hash equal")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestInheritanceMapSkipsPending(t *testing.T) {
	criteria := []*types.Criteria{
		{Text: "Age >= 18 years", ReviewStatus: types.ReviewApproved},
		{Text: "eGFR >= 60 mL/min", ReviewStatus: types.ReviewPending},
		{Text: "Pregnant or nursing", ReviewStatus: types.ReviewRejected},
		{Text: "HbA1c between 7.0% and 10.0%", ReviewStatus: types.ReviewModified},
		{Text: "NYHA class III or IV"},
	}
	m := InheritanceMap(criteria)
	if len(m) != 3 {
		t.Fatalf("map size = %d, want 3 (pending and unset skipped)", len(m))
	}
	if m[CanonicalHash("Age >= 18 years")] != types.ReviewApproved {
		t.Error("approved verdict missing")
	}
	if m[CanonicalHash("Pregnant or nursing")] != types.ReviewRejected {
		t.Error("rejected verdict missing")
	}
	if m[CanonicalHash("HbA1c between 7.0% and 10.0%")] != types.ReviewModified {
		t.Error("modified verdict missing")
	}
	if _, ok := m[CanonicalHash("eGFR >= 60 mL/min")]; ok {
		t.Error("pending verdict carried")
	}
}

func TestInheritanceMapNilWhenNothingReviewed(t *testing.T) {
	m := InheritanceMap([]*types.Criteria{
		{Text: "Age >= 18 years", ReviewStatus: types.ReviewPending},
		{Text: "eGFR >= 60 mL/min"},
	})
	if m != nil {
		t.Errorf("map = %v, want nil for unreviewed batch", m)
	}
}
