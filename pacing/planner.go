package pacing

import (
	"math/rand"

	"github.com/skyfleet-io/skyfleet/errors"
)

// Strategy names a plan generation strategy.
type Strategy string

const (
	StrategyUniform   Strategy = "uniform"
	StrategyHumanLike Strategy = "human-like"
)

// humanSessionSize is the nominal number of actions per human-like
// session: S = max(1, N/humanSessionSize).
const humanSessionSize = 5

// Build generates a plan. The random source is injected so callers can
// replay a plan from a seed. An empty strategy defaults to uniform.
func Build(strategy Strategy, opts Options, rng *rand.Rand) (*Plan, error) {
	opts = opts.normalize()
	switch strategy {
	case StrategyUniform, "":
		return buildUniform(opts, rng), nil
	case StrategyHumanLike:
		return buildHumanLike(opts, rng), nil
	default:
		return nil, errors.Wrapf(errors.ErrBadRequest, "unknown pacing strategy %q", strategy)
	}
}

// buildUniform draws every delay and skip independently from the
// configured ranges. The first floor(N*P/100) actions are likes.
func buildUniform(opts Options, rng *rand.Rand) *Plan {
	n := opts.NumberOfActions
	likeTotal := n * opts.LikePercentage / 100

	plan := &Plan{Actions: make([]PlannedAction, 0, n)}
	for i := 0; i < n; i++ {
		a := PlannedAction{
			Index:  i,
			Type:   ActionRepost,
			DelayS: uniform(rng, opts.DelayRange[0], opts.DelayRange[1]),
			Skip:   uniform(rng, opts.SkipRange[0], opts.SkipRange[1]),
		}
		if i < likeTotal {
			a.Type = ActionLike
		}
		plan.Actions = append(plan.Actions, a)
		plan.TotalTimeS += a.DelayS
	}
	plan.LikeCount = likeTotal
	plan.RepostCount = n - likeTotal
	return plan
}

// buildHumanLike clusters actions into sessions. Within a session,
// delays are compressed; between sessions a long pause is inserted.
// The first action of each session halves its skip (fresh content
// first), and likes are spread across sessions with integer carry so
// the global counts still match the uniform totals.
func buildHumanLike(opts Options, rng *rand.Rand) *Plan {
	n := opts.NumberOfActions
	likeTotal := n * opts.LikePercentage / 100

	sessions := n / humanSessionSize
	if sessions < 1 {
		sessions = 1
	}

	// Partition N across sessions; the first N%S sessions carry the
	// slack so every session has at least one action.
	sizes := make([]int, sessions)
	base, rem := n/sessions, n%sessions
	for i := range sizes {
		sizes[i] = base
		if i < rem {
			sizes[i]++
		}
	}

	min, max := opts.DelayRange[0], opts.DelayRange[1]
	cmin := min / 2
	if cmin < 1 {
		cmin = 1
	}
	cmax := max / 3
	if cmax < 2 {
		cmax = 2
	}
	if cmax < cmin {
		cmax = cmin
	}

	plan := &Plan{Actions: make([]PlannedAction, 0, n)}
	index := 0
	cumActions := 0
	likesAssigned := 0

	for s, size := range sizes {
		cumActions += size
		// Integer carry keeps the running like count on the ideal
		// proportional line; the last session absorbs any remainder.
		sessionLikes := cumActions*likeTotal/n - likesAssigned
		likesAssigned += sessionLikes

		for i := 0; i < size; i++ {
			a := PlannedAction{Index: index, Type: ActionRepost}
			if i < sessionLikes {
				a.Type = ActionLike
			}

			if i == 0 && s > 0 {
				// Long inter-session pause.
				a.DelayS = uniform(rng, max, 3*max)
			} else {
				a.DelayS = uniform(rng, cmin, cmax)
			}

			a.Skip = uniform(rng, opts.SkipRange[0], opts.SkipRange[1])
			if i == 0 {
				a.Skip /= 2
			}

			plan.Actions = append(plan.Actions, a)
			plan.TotalTimeS += a.DelayS
			index++
		}
	}

	plan.LikeCount = likeTotal
	plan.RepostCount = n - likeTotal
	return plan
}

// uniform draws an integer from [lo, hi] inclusive.
func uniform(rng *rand.Rand, lo, hi int) int {
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}
