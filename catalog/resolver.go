package catalog

import "math"

// Resolver answers price-ID → plan lookups against a loaded Config,
// preferring one environment (the "active" one, typically selected by
// whether the process is running against Stripe test or live keys) when a
// price ID happens to exist in both.
type Resolver struct {
	cfg       Config
	activeEnv string // "test" or "production"
}

// NewResolver builds a Resolver over cfg. activeEnv should be "test" or
// "production"; only "production" makes production the preferred
// environment, so any other value searches test first, like "test".
func NewResolver(cfg Config, activeEnv string) *Resolver {
	return &Resolver{cfg: cfg, activeEnv: activeEnv}
}

// Match is a resolved plan + price point pair.
type Match struct {
	Plan       *Plan
	PricePoint *PricePoint
}

// ResolvePlanByPriceID searches both environments for priceID, preferring
// the active environment when the ID is ambiguous (present in both).
// Returns ok=false when no plan in either environment carries the price.
func (r *Resolver) ResolvePlanByPriceID(priceID string) (Match, bool) {
	envs := []*Env{&r.cfg.Test, &r.cfg.Production}
	if r.activeEnv == "production" {
		envs = []*Env{&r.cfg.Production, &r.cfg.Test}
	}

	for _, env := range envs {
		for i := range env.Plans {
			plan := &env.Plans[i]
			if pp := plan.FindPrice(priceID); pp != nil {
				return Match{Plan: plan, PricePoint: pp}, true
			}
		}
	}
	return Match{}, false
}

// IntervalMultiplier scales a feature's base allocation to the total
// granted for one application of interval:
//
//	month    -> allocation x1
//	year     -> allocation x12
//	week     -> ceil(allocation / 4)
//	one_time -> allocation x1
//
// An unrecognized interval is treated as one_time.
func IntervalMultiplier(allocation int64, interval Interval) int64 {
	switch interval {
	case IntervalYear:
		return allocation * 12
	case IntervalWeek:
		return int64(math.Ceil(float64(allocation) / 4))
	case IntervalMonth, IntervalOneTime:
		return allocation
	default:
		return allocation
	}
}
