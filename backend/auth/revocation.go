package auth

import (
	"context"
	"time"

	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/store"
)

// RevocationSet is the shared set of token ids invalidated ahead of
// their natural expiry. Entries self-expire at the token's exp, so the
// set never grows past the live-token population.
type RevocationSet struct {
	kv  store.KeyValueStore
	clk clock.Clock
}

func NewRevocationSet(kv store.KeyValueStore, clk clock.Clock) *RevocationSet {
	return &RevocationSet{kv: kv, clk: clk}
}

// Revoke inserts the token id with absolute expiry exp. Revoking an
// already-expired token is a no-op.
func (r *RevocationSet) Revoke(ctx context.Context, jti string, exp time.Time) error {
	ttl := exp.Sub(r.clk.Now())
	if ttl <= 0 {
		return nil
	}
	return r.kv.Set(ctx, store.RevocationKey(jti), []byte("1"), ttl)
}

// IsRevoked is an O(1) membership probe.
func (r *RevocationSet) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return r.kv.Exists(ctx, store.RevocationKey(jti))
}
