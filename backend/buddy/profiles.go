package buddy

import (
	"context"
	"encoding/json"

	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/store"
)

// KVProfiles is a ProfileSource backed by the shared key-value store.
// Profiles are small and the candidate pool is bounded, so a prefix
// scan stands in for a dedicated search index.
type KVProfiles struct {
	kv store.KeyValueStore
}

func NewKVProfiles(kv store.KeyValueStore) *KVProfiles {
	return &KVProfiles{kv: kv}
}

// Save upserts a user's matching profile.
func (p *KVProfiles) Save(ctx context.Context, profile *Profile) error {
	if profile.UserID == "" {
		return errs.ValidationFields("invalid profile", map[string]string{"userId": "required"})
	}
	if profile.SkillLevel < 1 || profile.SkillLevel > 5 {
		return errs.ValidationFields("invalid profile", map[string]string{"skillLevel": "must be between 1 and 5"})
	}
	data, err := json.Marshal(profile)
	if err != nil {
		return errs.Wrap(errs.KindInternal, err, "encode profile")
	}
	return p.kv.Set(ctx, store.ProfileKey(profile.UserID), data, 0)
}

func (p *KVProfiles) Profile(ctx context.Context, userID string) (*Profile, error) {
	data, err := p.kv.Get(ctx, store.ProfileKey(userID))
	if err != nil {
		return nil, err
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, errs.Wrap(errs.KindInternal, err, "decode profile")
	}
	return &profile, nil
}

func (p *KVProfiles) Candidates(ctx context.Context, userID string, limit int) ([]*Profile, error) {
	entries, err := p.kv.ScanPrefix(ctx, store.ProfilePrefix())
	if err != nil {
		return nil, err
	}
	out := make([]*Profile, 0, len(entries))
	for _, data := range entries {
		var profile Profile
		if err := json.Unmarshal(data, &profile); err != nil {
			continue
		}
		if profile.UserID == userID {
			continue
		}
		out = append(out, &profile)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
