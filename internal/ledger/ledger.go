// Package ledger records which webhook deliveries have already been
// processed so provider retries become no-ops.
package ledger

import (
	"context"
	"time"
)

// Ledger is an atomic check-and-set keyed by (interaction, event kind,
// payload fingerprint).
//
// Claim returns true only for the first caller of a key. A claim is pending
// until Commit marks it done or Release removes it so a later retry may be
// processed again. Pending claims expire after the claim TTL in case the
// process dies between Claim and Commit.
type Ledger interface {
	Claim(ctx context.Context, key string) (bool, error)
	Commit(ctx context.Context, key string) error
	Release(ctx context.Context, key string) error
}

const (
	valuePending = "pending"
	valueDone    = "done"
)

// DefaultClaimTTL bounds how long an uncommitted claim blocks retries
const DefaultClaimTTL = 5 * time.Minute
