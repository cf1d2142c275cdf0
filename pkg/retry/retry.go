// Package retry re-runs operations that lost a storage race.
package retry

import (
	"context"
	"time"

	goretry "github.com/sethvargo/go-retry"

	"github.com/angelmondragon/orderflow-engine/pkg/db"
	pkgerrors "github.com/angelmondragon/orderflow-engine/pkg/errors"
)

// Policy bounds how often a conflicting operation is retried.
type Policy struct {
	MaxRetries uint64
	Base       time.Duration
	Jitter     time.Duration
}

// DefaultPolicy retries four times starting at 25ms.
var DefaultPolicy = Policy{MaxRetries: 4, Base: 25 * time.Millisecond, Jitter: 10 * time.Millisecond}

// IsConflict reports whether err is worth another attempt.
func IsConflict(err error) bool {
	return pkgerrors.IsCode(err, pkgerrors.CodeStorageConflict) || db.IsSerializationFailure(err)
}

// OnConflict runs fn and retries it with exponential backoff while it fails
// with a storage conflict. Other errors return immediately. When retries run
// out the last conflict is returned as STORAGE_CONFLICT.
func OnConflict(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	if policy.Base <= 0 {
		policy.Base = DefaultPolicy.Base
	}
	backoff := goretry.NewExponential(policy.Base)
	if policy.Jitter > 0 {
		backoff = goretry.WithJitter(policy.Jitter, backoff)
	}
	backoff = goretry.WithMaxRetries(policy.MaxRetries, backoff)

	var last error
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && IsConflict(err) {
			last = err
			return goretry.RetryableError(err)
		}
		return err
	})
	if err != nil && last != nil && IsConflict(err) {
		if pkgerrors.IsCode(err, pkgerrors.CodeStorageConflict) {
			return err
		}
		return pkgerrors.StorageConflict(err, "retries exhausted")
	}
	return err
}
