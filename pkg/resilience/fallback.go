package resilience

import "context"

// FallbackFunc runs when the breaker refuses a request. The explanation
// engine uses this to swap in its templated narrative; callers that have no
// degraded mode use NoopFallback.
type FallbackFunc func(ctx context.Context, err error) (interface{}, error)

// NoopFallback surfaces the open-circuit condition unchanged.
func NoopFallback(ctx context.Context, err error) (interface{}, error) {
	return nil, ErrCircuitOpen
}
