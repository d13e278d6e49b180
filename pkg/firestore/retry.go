package firestore

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	apperr "github.com/taphoa39/taphoa-backend/pkg/errors"
)

// RetryPolicy bounds an exponential backoff loop.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

var (
	// DeadlinePolicy retries deadline-exceeded store calls.
	DeadlinePolicy = RetryPolicy{Attempts: 3, Base: time.Second}
	// QuotaPolicy retries batch commits rejected for quota.
	QuotaPolicy = RetryPolicy{Attempts: 5, Base: time.Second}
)

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = time.Millisecond
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

// RetryOnDeadline runs fn, retrying only deadline-exceeded failures. When the
// budget is spent the error is reported as a TIMEOUT.
func RetryOnDeadline(ctx context.Context, policy RetryPolicy, name string, fn func(ctx context.Context) error) error {
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && apperr.IsDeadline(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && apperr.IsDeadline(err) {
		return apperr.Wrap(apperr.CodeTimeout, err, fmt.Sprintf("%s timed out after %d attempts", name, policy.Attempts))
	}
	return err
}

// CommitWithQuotaRetry commits a batch, retrying quota rejections. When the
// budget is spent the error is reported as QUOTA_EXCEEDED.
func CommitWithQuotaRetry(ctx context.Context, policy RetryPolicy, batch Batch) error {
	err := retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := batch.Commit(ctx)
		if err != nil && apperr.IsQuotaExceeded(err) {
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil && apperr.IsQuotaExceeded(err) {
		return apperr.Wrap(apperr.CodeQuotaExceeded, err, fmt.Sprintf("batch commit exceeded quota after %d attempts", policy.Attempts))
	}
	return err
}
