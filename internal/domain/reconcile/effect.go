package reconcile

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/challenge-checkout/internal/domain/purchase"
)

// Effect is a side effect run after a committed transition. Effects are
// independent: the failure of one never prevents the next from running.
type Effect struct {
	Name string
	Run  func(ctx context.Context, p *purchase.Purchase) error
}

// EffectResult is the outcome of one effect.
type EffectResult struct {
	Name string
	Err  error
}

// Value renders the outcome as stored in purchase metadata.
func (r EffectResult) Value() string {
	if r.Err == nil {
		return "ok"
	}
	return "error: " + r.Err.Error()
}

// MetadataKey is the purchase metadata key recording the outcome.
func (r EffectResult) MetadataKey() string {
	return "effect." + r.Name
}

// runEffects runs effects in order. Each effect gets its own timeout and
// panics are converted to errors.
func runEffects(ctx context.Context, p *purchase.Purchase, timeout time.Duration, effects []Effect) []EffectResult {
	results := make([]EffectResult, 0, len(effects))
	for _, e := range effects {
		results = append(results, EffectResult{Name: e.Name, Err: runEffect(ctx, p, timeout, e)})
	}
	return results
}

func runEffect(ctx context.Context, p *purchase.Purchase, timeout time.Duration, e Effect) (err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return e.Run(ctx, p)
}

func effectMetadata(results []EffectResult) purchase.Metadata {
	meta := make(purchase.Metadata, len(results))
	for _, r := range results {
		meta[r.MetadataKey()] = r.Value()
	}
	return meta
}
