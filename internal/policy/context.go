// ABOUTME: Carries the policy outcome of a request through its context
// ABOUTME: Lets handlers read the agent record and spend result

package policy

import "context"

type outcomeKey struct{}

// WithOutcome attaches out to ctx.
func WithOutcome(ctx context.Context, out *Outcome) context.Context {
	return context.WithValue(ctx, outcomeKey{}, out)
}

// OutcomeFromContext returns the outcome attached by Middleware, or nil.
func OutcomeFromContext(ctx context.Context) *Outcome {
	out, _ := ctx.Value(outcomeKey{}).(*Outcome)
	return out
}
