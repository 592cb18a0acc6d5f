package guard

import (
	"testing"
	"time"

	subscriptiondomain "github.com/smallbiznis/meterly/internal/subscription/domain"
)

func TestEnsureSubscriptionCanRoll(t *testing.T) {
	end := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name   string
		status subscriptiondomain.Status
		now    time.Time
		want   error
	}{
		{"active due", subscriptiondomain.StatusActive, end, nil},
		{"past due due", subscriptiondomain.StatusPastDue, end.Add(time.Hour), nil},
		{"not elapsed", subscriptiondomain.StatusActive, end.Add(-time.Second), ErrPeriodNotElapsed},
		{"canceled", subscriptiondomain.StatusCanceled, end, ErrSubscriptionNotRollable},
		{"incomplete", subscriptiondomain.StatusIncomplete, end, ErrSubscriptionNotRollable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := EnsureSubscriptionCanRoll(tc.status, end, tc.now); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}
}
