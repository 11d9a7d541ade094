package repositories

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	domain "github.com/giftwell/api/internal/domain"
)

func healthyCheck(name string) DependencyCheck {
	return DependencyCheck{
		Name:  name,
		Check: func(context.Context) error { return nil },
	}
}

func TestDependencyHealthRepositoryCollectAllHealthy(t *testing.T) {
	checks := []DependencyCheck{
		healthyCheck("firestore"),
		healthyCheck("pubsub"),
		healthyCheck("secretManager"),
		healthyCheck("partner"),
	}

	now := time.Date(2026, time.March, 10, 6, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository(checks,
		WithDependencyClock(func() time.Time { return now }),
	)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != len(checks) {
		t.Fatalf("expected %d checks, got %d", len(checks), len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != domain.HealthStatusOK {
			t.Fatalf("expected check %s to be ok, got %s", name, check.Status)
		}
		if check.CheckedAt != now {
			t.Fatalf("expected check %s checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestDependencyHealthRepositoryDegradesOnProbeError(t *testing.T) {
	probeErr := errors.New("firestore: rpc error")
	checks := []DependencyCheck{
		{
			Name:  "firestore",
			Check: func(context.Context) error { return probeErr },
		},
		healthyCheck("pubsub"),
	}

	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
	check := report.Checks["firestore"]
	if check.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected firestore status degraded, got %s", check.Status)
	}
	if check.Error != probeErr.Error() {
		t.Fatalf("expected error %q, got %q", probeErr.Error(), check.Error)
	}
	if report.Checks["pubsub"].Status != domain.HealthStatusOK {
		t.Fatalf("healthy dependency should stay ok")
	}
}

func TestDependencyHealthRepositoryErrorsOnTimeout(t *testing.T) {
	checks := []DependencyCheck{
		{
			Name:    "secretManager",
			Timeout: 5 * time.Millisecond,
			Check: func(ctx context.Context) error {
				select {
				case <-time.After(50 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	}

	repo, err := NewDependencyHealthRepository(checks)
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}

	if report.Status != domain.HealthStatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	check := report.Checks["secretManager"]
	if check.Status != domain.HealthStatusError {
		t.Fatalf("expected secretManager status error, got %s", check.Status)
	}
	if check.Detail != "timeout" {
		t.Fatalf("expected detail timeout, got %s", check.Detail)
	}
}

func TestDependencyHealthRepositoryRejectsBadCheckSets(t *testing.T) {
	cases := []struct {
		name    string
		checks  []DependencyCheck
		wantErr string
	}{
		{
			name:    "empty",
			checks:  nil,
			wantErr: "at least one dependency check",
		},
		{
			name: "missing name",
			checks: []DependencyCheck{
				{Check: func(context.Context) error { return nil }},
			},
			wantErr: "missing name",
		},
		{
			name: "missing function",
			checks: []DependencyCheck{
				{Name: "firestore"},
			},
			wantErr: "missing check function",
		},
		{
			name: "duplicate name",
			checks: []DependencyCheck{
				healthyCheck("pubsub"),
				healthyCheck("pubsub"),
			},
			wantErr: "duplicate dependency check",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDependencyHealthRepository(tc.checks)
			if err == nil {
				t.Fatalf("expected constructor error")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("expected error containing %q, got %q", tc.wantErr, err.Error())
			}
		})
	}
}
