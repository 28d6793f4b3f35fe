package cache

// Signals are the inputs to Score, gathered once when a run finishes.
type Signals struct {
	Executed             bool // query ran without error
	NonEmpty             bool // at least one row
	ResultApproved       bool // result-quality validator said yes
	CompletenessApproved bool // completeness validator said yes
	PathApproved         bool // table-usage validator said yes
}

// Score weights.
const (
	WeightExecuted     = 30
	WeightNonEmpty     = 20
	WeightResult       = 20
	WeightCompleteness = 20
	WeightPath         = 10
	MaxScore           = WeightExecuted + WeightNonEmpty + WeightResult + WeightCompleteness + WeightPath
)

// Score computes the quality score stored with a new cache entry. It is a
// pure function of s and always lies within [0, MaxScore].
func Score(s Signals) int {
	score := 0
	if s.Executed {
		score += WeightExecuted
	}
	if s.NonEmpty {
		score += WeightNonEmpty
	}
	if s.ResultApproved {
		score += WeightResult
	}
	if s.CompletenessApproved {
		score += WeightCompleteness
	}
	if s.PathApproved {
		score += WeightPath
	}
	return score
}
