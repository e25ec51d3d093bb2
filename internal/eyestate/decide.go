// Package eyestate turns classifier probabilities into open, closed, or
// undecided eye states.
package eyestate

// State is the three-way outcome for one eye image.
type State int

// Eye states. Uncertain is the zero value.
const (
	Uncertain State = iota
	Closed
	Open
)

// Decision thresholds on the probability that the eye is open. They are
// strict on both sides, so the boundary values themselves are Uncertain.
const (
	ClosedThreshold = 0.1
	OpenThreshold   = 0.9
)

// String returns the label reported to callers: "open", "closed" or "idk".
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return "idk"
	}
}

// Decide maps a probability to a State. It is total: NaN and out-of-range
// values never fail.
func Decide(p float64) State {
	switch {
	case p < ClosedThreshold:
		return Closed
	case p > OpenThreshold:
		return Open
	default:
		return Uncertain
	}
}
