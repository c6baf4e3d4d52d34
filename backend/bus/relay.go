package bus

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/store"
)

// Relay extends the in-process bus across nodes: every local publish is
// mirrored to the key-value store's pub/sub channel for the topic, and
// remote deltas are fanned out to local subscribers. Per-subscriber
// sequence-number dedupe suppresses the echo of our own publishes.
type Relay struct {
	bus    *Bus
	kv     store.KeyValueStore
	logger *zap.Logger
}

func NewRelay(b *Bus, kv store.KeyValueStore, logger *zap.Logger) *Relay {
	return &Relay{bus: b, kv: kv, logger: logger}
}

// Publish delivers locally first (local subscribers never depend on the
// store being reachable), then mirrors cross-node.
func (r *Relay) Publish(ctx context.Context, d Delta) error {
	r.bus.Deliver(d)

	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := r.kv.Publish(ctx, store.DeltaChannel(string(d.Topic)), payload); err != nil {
		r.logger.Warn("cross-node delta publish failed",
			zap.String("topic", string(d.Topic)), zap.Error(err))
		return err
	}
	return nil
}

// Run consumes the cross-node channel until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	ch, cancel, err := r.kv.Subscribe(ctx, store.DeltaChannel("*"))
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delta
			if err := json.Unmarshal(payload, &d); err != nil {
				r.logger.Warn("malformed cross-node delta", zap.Error(err))
				continue
			}
			r.bus.Deliver(d)
		}
	}
}
