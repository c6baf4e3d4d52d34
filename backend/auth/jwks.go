// Package auth is the gateway validating bearer credentials against
// the identity provider's rotating key set and the shared revocation
// set, with a cached verdict per token.
package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/observability"
	"github.com/focushive/focushive/backend/resilience"
	"github.com/focushive/focushive/backend/store"
)

const keyCacheSize = 64

// jwk is the subset of an RFC 7517 key we consume.
type jwk struct {
	Kty string `json:"kty"`
	Kid string `json:"kid"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	N   string `json:"n"`
	E   string `json:"e"`
}

type jwks struct {
	Keys []jwk `json:"keys"`
}

// KeySource resolves signing keys by kid. Lookups hit a process-local
// expirable cache; misses coalesce through singleflight into one fetch,
// consulting the cross-node mirror before the authoritative endpoint.
// Endpoint fetches run through the identity dependency's fabric when
// one is configured.
type KeySource struct {
	url    string
	client *http.Client
	kv     store.KeyValueStore
	fabric *resilience.Fabric
	logger *zap.Logger

	keys     *expirable.LRU[string, *rsa.PublicKey]
	negative *expirable.LRU[string, struct{}]
	group    singleflight.Group

	keyTTL time.Duration
}

func NewKeySource(url string, kv store.KeyValueStore, fabric *resilience.Fabric, keyTTL, negativeTTL time.Duration, logger *zap.Logger) *KeySource {
	return &KeySource{
		url:      url,
		client:   &http.Client{Timeout: 5 * time.Second},
		kv:       kv,
		fabric:   fabric,
		logger:   logger,
		keys:     expirable.NewLRU[string, *rsa.PublicKey](keyCacheSize, nil, keyTTL),
		negative: expirable.NewLRU[string, struct{}](keyCacheSize, nil, negativeTTL),
		keyTTL:   keyTTL,
	}
}

// Key returns the public key for kid, or an authentication failure when
// the key set has no such key.
func (s *KeySource) Key(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	if key, ok := s.keys.Get(kid); ok {
		return key, nil
	}
	if _, ok := s.negative.Get(kid); ok {
		return nil, errs.Authentication("unknown signing key %q", kid)
	}

	res, err, _ := s.group.Do(kid, func() (any, error) {
		return s.resolve(ctx, kid)
	})
	if err != nil {
		return nil, err
	}
	return res.(*rsa.PublicKey), nil
}

func (s *KeySource) resolve(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	// Another node may have fetched recently; check the mirror first.
	if s.kv != nil {
		if raw, err := s.kv.Get(ctx, store.JWKSKey(kid)); err == nil {
			var k jwk
			if json.Unmarshal(raw, &k) == nil {
				if key, err := k.publicKey(); err == nil {
					s.keys.Add(kid, key)
					return key, nil
				}
			}
		}
	}

	set, err := s.fetch(ctx)
	if err != nil {
		observability.JWKSFetches.WithLabelValues("error").Inc()
		// Outage is tolerated only while the cache holds the key, which
		// was already checked above.
		return nil, errs.Wrap(errs.KindTransient, err, "jwks fetch")
	}
	observability.JWKSFetches.WithLabelValues("ok").Inc()

	var found *rsa.PublicKey
	for _, k := range set.Keys {
		if k.Kty != "RSA" {
			continue
		}
		key, err := k.publicKey()
		if err != nil {
			s.logger.Warn("skipping malformed jwk", zap.String("kid", k.Kid), zap.Error(err))
			continue
		}
		s.keys.Add(k.Kid, key)
		if s.kv != nil {
			if raw, err := json.Marshal(k); err == nil {
				_ = s.kv.Set(ctx, store.JWKSKey(k.Kid), raw, s.keyTTL)
			}
		}
		if k.Kid == kid {
			found = key
		}
	}
	if found == nil {
		s.negative.Add(kid, struct{}{})
		return nil, errs.Authentication("unknown signing key %q", kid)
	}
	return found, nil
}

func (s *KeySource) fetch(ctx context.Context) (*jwks, error) {
	if s.fabric == nil {
		return s.fetchDirect(ctx)
	}
	res, err := s.fabric.Execute(ctx, func(ctx context.Context) (any, error) {
		return s.fetchDirect(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(*jwks), nil
}

func (s *KeySource) fetchDirect(ctx context.Context) (*jwks, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindTransient, err, "jwks endpoint unreachable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, errs.Transient("jwks endpoint returned %d", resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned %d", resp.StatusCode)
	}
	var set jwks
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, err
	}
	return &set, nil
}

func (k jwk) publicKey() (*rsa.PublicKey, error) {
	nb, err := base64.RawURLEncoding.DecodeString(k.N)
	if err != nil {
		return nil, fmt.Errorf("modulus: %w", err)
	}
	eb, err := base64.RawURLEncoding.DecodeString(k.E)
	if err != nil {
		return nil, fmt.Errorf("exponent: %w", err)
	}
	e := 0
	for _, b := range eb {
		e = e<<8 | int(b)
	}
	if e <= 1 {
		return nil, fmt.Errorf("invalid exponent")
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}, nil
}
