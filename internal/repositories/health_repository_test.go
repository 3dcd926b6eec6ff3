package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/storefront/api/internal/domain"
)

func TestDependencyHealthAllHealthy(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return nil }},
		{Name: "redis", Check: func(context.Context) error { return nil }},
	}, WithDependencyClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}

	report, err := repo.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != domain.HealthStatusOK || len(report.Checks) != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.GeneratedAt != now || report.Checks["redis"].CheckedAt != now {
		t.Fatalf("expected injected clock to be used")
	}
}

func TestDependencyHealthDegradedOnError(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{
		{Name: "firestore", Check: func(context.Context) error { return errors.New("boom") }},
		{Name: "pubsub", Check: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusDegraded {
		t.Fatalf("expected degraded, got %s", report.Status)
	}
	if got := report.Checks["firestore"].Error; got != "boom" {
		t.Fatalf("expected error boom, got %q", got)
	}
}

func TestDependencyHealthTimeoutIsError(t *testing.T) {
	repo, err := NewDependencyHealthRepository([]DependencyCheck{{
		Name:    "redis",
		Timeout: 5 * time.Millisecond,
		Check: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}})
	if err != nil {
		t.Fatalf("NewDependencyHealthRepository: %v", err)
	}
	report, _ := repo.Collect(context.Background())
	if report.Status != domain.HealthStatusError || report.Checks["redis"].Detail != "timeout" {
		t.Fatalf("unexpected report %+v", report)
	}
}

func TestDependencyHealthRejectsInvalidChecks(t *testing.T) {
	if _, err := NewDependencyHealthRepository(nil); err == nil {
		t.Fatal("expected error for empty checks")
	}
	if _, err := NewDependencyHealthRepository([]DependencyCheck{{Name: "x"}}); err == nil {
		t.Fatal("expected error for missing check func")
	}
}

func TestRepositoryErrorHelpers(t *testing.T) {
	err := NewNotFoundError("carts.load", "user-1")
	if !IsNotFound(err) || IsUnavailable(err) {
		t.Fatalf("unexpected classification for %v", err)
	}
	wrapped := NewUnavailableError("orders.apply", errors.New("down"))
	if !IsUnavailable(wrapped) || IsConflict(wrapped) {
		t.Fatalf("unexpected classification for %v", wrapped)
	}
}
