package level

// Level is a balance-derived user tier. Tiers are ordered; a higher tier
// unlocks a bigger referral commission.
type Level string

const (
	Bronze  Level = "bronze"
	Silver  Level = "silver"
	Gold    Level = "gold"
	Premium Level = "premium"
)

var ranks = map[Level]int{
	Bronze:  0,
	Silver:  1,
	Gold:    2,
	Premium: 3,
}

// Rank returns the ordinal position of the level. Unknown levels rank below
// bronze so a corrupted value never passes a minimum-level condition.
func (l Level) Rank() int {
	r, ok := ranks[l]
	if !ok {
		return -1
	}
	return r
}

// AtLeast reports whether l is the same tier as other or above it.
func (l Level) AtLeast(other Level) bool {
	return l.Rank() >= other.Rank()
}

// Threshold maps a minimum balance to a tier.
type Threshold struct {
	Level      Level `json:"level"`
	MinBalance int64 `json:"min_balance"`
}

// Config drives the evaluator. Thresholds must be sorted by MinBalance
// ascending. AllowDemotion controls whether a balance drop can move a user
// down a tier; with it off a reached tier is kept forever.
type Config struct {
	Thresholds    []Threshold       `json:"thresholds"`
	AllowDemotion bool              `json:"allow_demotion"`
	ReferralRates map[Level]float64 `json:"referral_rates"`
}

// DefaultConfig returns the production tier schema.
func DefaultConfig() Config {
	return Config{
		Thresholds: []Threshold{
			{Level: Bronze, MinBalance: 0},
			{Level: Silver, MinBalance: 10000},
			{Level: Gold, MinBalance: 50000},
			{Level: Premium, MinBalance: 100000},
		},
		AllowDemotion: false,
		ReferralRates: map[Level]float64{
			Bronze:  0.05,
			Silver:  0.07,
			Gold:    0.10,
			Premium: 0.15,
		},
	}
}

// Evaluator classifies balances into tiers. It is pure: no storage access,
// no side effects.
type Evaluator struct {
	cfg Config
}

func NewEvaluator(cfg Config) *Evaluator {
	return &Evaluator{cfg: cfg}
}

// Evaluate returns the tier for a balance. Non-decreasing in balance.
func (e *Evaluator) Evaluate(balance int64) Level {
	result := Bronze
	for _, t := range e.cfg.Thresholds {
		if balance >= t.MinBalance {
			result = t.Level
		}
	}
	return result
}

// Next returns the tier a user should hold after a balance change, applying
// the demotion policy against their current tier.
func (e *Evaluator) Next(current Level, balance int64) Level {
	computed := e.Evaluate(balance)
	if !e.cfg.AllowDemotion && computed.Rank() < current.Rank() {
		return current
	}
	return computed
}

// ReferralRate returns the share of an invitee's earnings paid to a referrer
// of the given tier.
func (e *Evaluator) ReferralRate(l Level) float64 {
	return e.cfg.ReferralRates[l]
}
