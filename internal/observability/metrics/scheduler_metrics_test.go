package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{name: "deadline", err: context.DeadlineExceeded, want: SchedulerJobReasonDeadlineExceeded},
		{name: "wrapped_deadline", err: fmt.Errorf("rollover: %w", context.Canceled), want: SchedulerJobReasonDeadlineExceeded},
		{name: "db_lock_timeout", err: &pgconn.PgError{Code: "55P03"}, want: SchedulerJobReasonDBLockTimeout},
		{name: "serialization_failure", err: &pgconn.PgError{Code: "40001"}, want: SchedulerJobReasonSerializationFailure},
		{name: "unique_violation", err: gorm.ErrDuplicatedKey, want: SchedulerJobReasonUniqueViolation},
		{name: "db", err: &pgconn.PgError{Code: "08006"}, want: SchedulerJobReasonDB},
		{name: "unknown", err: errors.New("boom"), want: SchedulerJobReasonUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ClassifySchedulerJobReason(tc.err); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
}

func TestSchedulerMetricsRecordsOnPrivateRegistry(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "meterly", Environment: "test"})

	m.IncJobRun("period_rollover")
	m.IncJobRun("period_rollover")
	m.IncJobError("period_rollover", context.DeadlineExceeded)
	m.AddBatchProcessed("period_rollover", "subscription", 3)
	m.ObserveJobDuration("period_rollover", 20*time.Millisecond)

	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("period_rollover")); got != 2 {
		t.Fatalf("expected 2 job runs, got %v", got)
	}
	if got := testutil.ToFloat64(m.jobErrors.WithLabelValues("period_rollover", SchedulerJobReasonDeadlineExceeded)); got != 1 {
		t.Fatalf("expected 1 job error, got %v", got)
	}
	if got := testutil.ToFloat64(m.batchProcessed.WithLabelValues("period_rollover", "subscription")); got != 3 {
		t.Fatalf("expected 3 processed, got %v", got)
	}
}
