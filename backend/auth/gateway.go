package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/focushive/focushive/backend/clock"
	"github.com/focushive/focushive/backend/config"
	"github.com/focushive/focushive/backend/errs"
	"github.com/focushive/focushive/backend/observability"
)

// Role is a credential-derived role claim.
type Role string

const (
	RoleUser      Role = "USER"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
	RoleOwner     Role = "OWNER"
)

// UserRef is re-derived from credential claims on every request and
// never stored.
type UserRef struct {
	UserID      string
	DisplayName string
	Roles       []Role
	PersonaID   string
}

// HasRole reports whether the user carries the role.
func (u UserRef) HasRole(r Role) bool {
	for _, have := range u.Roles {
		if have == r {
			return true
		}
	}
	return false
}

// Verdict is a successful verification result.
type Verdict struct {
	User      UserRef
	TokenID   string
	ExpiresAt time.Time
}

type claims struct {
	DisplayName string   `json:"name"`
	Roles       []string `json:"roles"`
	PersonaID   string   `json:"personaId"`
	jwt.RegisteredClaims
}

const verdictCacheSize = 4096

// Gateway verifies bearer credentials: signature against the rotating
// key set (RS256; HS512 only when a legacy secret is configured),
// expiry with skew tolerance, and the revocation set. Successful
// verdicts are cached by token hash; the revocation probe is never
// short-circuited, so a logout invalidates cached verdicts immediately.
type Gateway struct {
	cfg     config.Auth
	keys    *KeySource
	revoked *RevocationSet
	clk     clock.Clock
	logger  *zap.Logger

	parser   *jwt.Parser
	verdicts *expirable.LRU[string, Verdict]
}

func NewGateway(cfg config.Auth, keys *KeySource, revoked *RevocationSet, clk clock.Clock, logger *zap.Logger) *Gateway {
	methods := []string{"RS256"}
	if cfg.LegacySecret != "" {
		methods = append(methods, "HS512")
	}
	g := &Gateway{
		cfg:     cfg,
		keys:    keys,
		revoked: revoked,
		clk:     clk,
		logger:  logger,
		verdicts: expirable.NewLRU[string, Verdict](
			verdictCacheSize, nil, cfg.VerdictTTLCap),
	}
	g.parser = jwt.NewParser(
		jwt.WithValidMethods(methods),
		jwt.WithLeeway(cfg.ClockSkew),
		jwt.WithIssuer(cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clk.Now),
	)
	return g
}

// Verify validates the credential and returns the caller's verdict.
func (g *Gateway) Verify(ctx context.Context, credential string) (*Verdict, error) {
	v, err := g.verify(ctx, credential)
	if err != nil {
		observability.AuthVerdicts.WithLabelValues(errs.KindOf(err).String()).Inc()
		return nil, err
	}
	observability.AuthVerdicts.WithLabelValues("ok").Inc()
	return v, nil
}

func (g *Gateway) verify(ctx context.Context, credential string) (*Verdict, error) {
	now := g.clk.Now()
	hash := tokenHash(credential)

	if v, ok := g.verdicts.Get(hash); ok {
		if v.ExpiresAt.After(now.Add(-g.cfg.ClockSkew)) {
			// Cache short-circuits parsing and signature checks only;
			// revocation must still be consulted.
			if err := g.checkRevocation(ctx, v.TokenID); err != nil {
				g.verdicts.Remove(hash)
				return nil, err
			}
			return &v, nil
		}
		g.verdicts.Remove(hash)
	}

	var cl claims
	_, err := g.parser.ParseWithClaims(credential, &cl, func(t *jwt.Token) (any, error) {
		switch t.Method.Alg() {
		case "RS256":
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, errs.Authentication("malformed credential: missing kid")
			}
			return g.keys.Key(ctx, kid)
		case "HS512":
			return []byte(g.cfg.LegacySecret), nil
		default:
			return nil, errs.Authentication("invalid signature: algorithm %s", t.Method.Alg())
		}
	})
	if err != nil {
		return nil, g.mapParseError(err)
	}
	if cl.Subject == "" || cl.ID == "" {
		return nil, errs.Authentication("malformed credential: missing sub or jti")
	}

	if err := g.checkRevocation(ctx, cl.ID); err != nil {
		return nil, err
	}

	roles := make([]Role, 0, len(cl.Roles))
	for _, r := range cl.Roles {
		roles = append(roles, Role(r))
	}
	v := Verdict{
		User: UserRef{
			UserID:      cl.Subject,
			DisplayName: cl.DisplayName,
			Roles:       roles,
			PersonaID:   cl.PersonaID,
		},
		TokenID:   cl.ID,
		ExpiresAt: cl.ExpiresAt.Time,
	}

	// Cache only after the revocation probe passed. Entry lifetime is
	// min(exp-now, cap): the LRU enforces the cap, the expiry check on
	// read enforces exp.
	if v.ExpiresAt.After(now) {
		g.verdicts.Add(hash, v)
	}
	return &v, nil
}

// Revoke invalidates a token ahead of its expiry (logout, admin
// revoke).
func (g *Gateway) Revoke(ctx context.Context, jti string, exp time.Time) error {
	return g.revoked.Revoke(ctx, jti, exp)
}

func (g *Gateway) checkRevocation(ctx context.Context, jti string) error {
	revoked, err := g.revoked.IsRevoked(ctx, jti)
	if err != nil {
		// Fail closed but retryable: an unreachable revocation set must
		// not let revoked tokens through.
		return errs.Wrap(errs.KindTransient, err, "revocation lookup")
	}
	if revoked {
		return errs.Authentication("revoked")
	}
	return nil
}

func (g *Gateway) mapParseError(err error) error {
	var taxonomy *errs.Error
	switch {
	case errors.As(err, &taxonomy):
		return err
	case errors.Is(err, jwt.ErrTokenExpired):
		return errs.Wrap(errs.KindAuthentication, err, "expired token")
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable):
		return errs.Wrap(errs.KindAuthentication, err, "invalid signature")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return errs.Wrap(errs.KindAuthentication, err, "malformed credential")
	default:
		return errs.Wrap(errs.KindAuthentication, err, "invalid credential")
	}
}

func tokenHash(credential string) string {
	sum := sha256.Sum256([]byte(credential))
	return hex.EncodeToString(sum[:])
}
