package auth

import "context"

type ctxKey int

const verdictKey ctxKey = 0

// WithVerdict attaches a verified identity to the request context.
func WithVerdict(ctx context.Context, v *Verdict) context.Context {
	return context.WithValue(ctx, verdictKey, v)
}

// VerdictFrom returns the identity attached by WithVerdict, or an
// empty verdict when the request never passed the gateway.
func VerdictFrom(ctx context.Context) *Verdict {
	if v, ok := ctx.Value(verdictKey).(*Verdict); ok {
		return v
	}
	return &Verdict{}
}
