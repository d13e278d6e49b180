package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	apperr "github.com/taphoa39/taphoa-backend/pkg/errors"
)

var fastPolicy = func(attempts int) RetryPolicy {
	return RetryPolicy{Attempts: attempts, Base: time.Millisecond}
}

func TestRetryOnDeadlineRetriesThenSucceeds(t *testing.T) {
	calls := 0
	err := RetryOnDeadline(context.Background(), fastPolicy(3), "add invoice", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return status.Error(codes.DeadlineExceeded, "slow")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryOnDeadlineEscalatesAfterBudget(t *testing.T) {
	calls := 0
	err := RetryOnDeadline(context.Background(), fastPolicy(3), "add invoice", func(ctx context.Context) error {
		calls++
		return status.Error(codes.DeadlineExceeded, "slow")
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
	if typed := apperr.As(err); typed == nil || typed.Code() != apperr.CodeTimeout {
		t.Fatalf("expected TIMEOUT, got %v", err)
	}
}

func TestRetryOnDeadlineDoesNotRetryOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	err := RetryOnDeadline(context.Background(), fastPolicy(3), "op", func(ctx context.Context) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected single call returning boom, got calls=%d err=%v", calls, err)
	}
}

func TestCommitWithQuotaRetry(t *testing.T) {
	store := NewMemory()
	store.FailCommit = func(attempt int) error {
		if attempt < 3 {
			return status.Error(codes.ResourceExhausted, "quota")
		}
		return nil
	}
	batch := store.Batch()
	_ = batch.Set("products", "1", map[string]any{"Name": "x"}, true)

	if err := CommitWithQuotaRetry(context.Background(), fastPolicy(5), batch); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if store.Count("products") != 1 {
		t.Fatalf("expected product to be written")
	}
}

func TestCommitWithQuotaRetryExhausted(t *testing.T) {
	store := NewMemory()
	attempts := 0
	store.FailCommit = func(attempt int) error {
		attempts = attempt
		return status.Error(codes.ResourceExhausted, "quota")
	}
	batch := store.Batch()
	_ = batch.Set("products", "1", map[string]any{}, true)

	err := CommitWithQuotaRetry(context.Background(), fastPolicy(5), batch)
	if !apperr.IsQuotaExceeded(err) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if typed := apperr.As(err); typed == nil || typed.Code() != apperr.CodeQuotaExceeded {
		t.Fatalf("expected typed QUOTA_EXCEEDED, got %v", err)
	}
	if attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", attempts)
	}
}
