// Package pacing produces engagement plans: seeded, deterministic
// sequences of like/repost actions with inter-action delays and feed
// skips, shaped to read as human activity.
package pacing

// ActionType is the engagement performed at one plan step.
type ActionType string

const (
	ActionLike   ActionType = "like"
	ActionRepost ActionType = "repost"
)

// PlannedAction is one step of a plan.
type PlannedAction struct {
	Type     ActionType `json:"type"`
	DelayS   int        `json:"delayS"` // seconds to wait before acting
	Skip     int        `json:"skip"`   // feed items to skip past before acting
	Index    int        `json:"index"`
	Executed bool       `json:"executed"`
}

// Plan is an ordered action sequence plus its totals.
type Plan struct {
	Actions     []PlannedAction `json:"actions"`
	LikeCount   int             `json:"likeCount"`
	RepostCount int             `json:"repostCount"`
	TotalTimeS  int             `json:"totalTimeS"`
}

// Options parameterizes plan generation.
type Options struct {
	NumberOfActions int    `json:"numberOfActions"`
	DelayRange      [2]int `json:"delayRange"` // seconds, inclusive
	SkipRange       [2]int `json:"skipRange"`  // inclusive
	LikePercentage  int    `json:"likePercentage"`
}

// DefaultOptions returns the stock pacing parameters.
func DefaultOptions() Options {
	return Options{
		NumberOfActions: 10,
		DelayRange:      [2]int{5, 30},
		SkipRange:       [2]int{0, 4},
		LikePercentage:  70,
	}
}

// normalize fills zero values with defaults and clamps the like
// percentage into [0,100].
func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.NumberOfActions <= 0 {
		o.NumberOfActions = def.NumberOfActions
	}
	if o.DelayRange == [2]int{} {
		o.DelayRange = def.DelayRange
	}
	if o.DelayRange[1] < o.DelayRange[0] {
		o.DelayRange[1] = o.DelayRange[0]
	}
	if o.SkipRange[1] < o.SkipRange[0] {
		o.SkipRange[1] = o.SkipRange[0]
	}
	if o.LikePercentage < 0 {
		o.LikePercentage = 0
	}
	if o.LikePercentage > 100 {
		o.LikePercentage = 100
	}
	return o
}
