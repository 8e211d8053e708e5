// Package coins converts step counts into the virtual currency. Every
// function is pure: no clocks, no I/O, no package state.
package coins

// DefaultRate is the number of steps that earn one coin.
const DefaultRate int64 = 5000

// StepsToCoins returns floor(max(0, steps) / rate). A non-positive rate
// earns nothing rather than dividing by zero.
func StepsToCoins(steps, rate int64) int64 {
	if rate <= 0 || steps <= 0 {
		return 0
	}

	return steps / rate
}

// Delta returns the coins earned when a cumulative step total moves from
// previous to next. Coins are never revoked: an unchanged or decreasing
// total yields 0.
//
// Because it is computed from the floor of both totals, summing Delta over
// consecutive pairs of a non-decreasing sequence equals Delta over the
// first and last element, however finely the total is sampled.
func Delta(previous, next, rate int64) int64 {
	if next <= previous {
		return 0
	}

	return max(0, StepsToCoins(next, rate)-StepsToCoins(previous, rate))
}

// Update describes the progress change implied by moving a total from one
// value to another.
type Update struct {
	TotalSteps int64
	CoinsDelta int64
}

// BuildUpdate returns the update for a step change, or ok=false when there is
// nothing to write: a negative target or an unchanged total.
func BuildUpdate(previous, next, rate int64) (u Update, ok bool) {
	if next < 0 {
		return Update{}, false
	}

	d := Delta(previous, next, rate)
	if d == 0 && next == previous {
		return Update{}, false
	}

	return Update{TotalSteps: next, CoinsDelta: d}, true
}
