package indexer

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const DefaultRetryDelay = 5 * time.Second

// newRetryPolicy returns a fixed-delay policy. maxRetries <= 0 retries forever;
// otherwise NextBackOff returns backoff.Stop after maxRetries consecutive calls
// until Reset.
func newRetryPolicy(delay time.Duration, maxRetries int) backoff.BackOff {
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	var policy backoff.BackOff = backoff.NewConstantBackOff(delay)
	if maxRetries > 0 {
		policy = backoff.WithMaxRetries(policy, uint64(maxRetries))
	}
	policy.Reset()
	return policy
}
