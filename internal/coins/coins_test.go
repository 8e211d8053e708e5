package coins

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepsToCoins(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		steps int64
		rate  int64
		want  int64
	}{
		{"zero", 0, 5000, 0},
		{"below threshold", 4999, 5000, 0},
		{"exact threshold", 5000, 5000, 1},
		{"floors", 12000, 5000, 2},
		{"negative steps", -300, 5000, 0},
		{"zero rate", 12000, 0, 0},
		{"negative rate", 12000, -1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, StepsToCoins(tt.steps, tt.rate))
		})
	}
}

func TestDelta_PathIndependent(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(2), Delta(0, 12000, 5000))
	assert.Equal(t, Delta(0, 12000, 5000), Delta(0, 6000, 5000)+Delta(6000, 12000, 5000))
}

func TestDelta_NeverRevokes(t *testing.T) {
	t.Parallel()

	assert.Equal(t, int64(0), Delta(12000, 6000, 5000))
	assert.Equal(t, int64(0), Delta(12000, 12000, 5000))
}

func TestDelta_FineGrainedSamplingMatchesWholeRange(t *testing.T) {
	t.Parallel()

	// Uneven increments that straddle thresholds.
	totals := []int64{0, 1, 4999, 5000, 5001, 7300, 9999, 10000, 10000, 14999, 23456, 30000}

	var sum int64
	for i := 1; i < len(totals); i++ {
		sum += Delta(totals[i-1], totals[i], 5000)
	}

	assert.Equal(t, Delta(totals[0], totals[len(totals)-1], 5000), sum)
	assert.Equal(t, int64(6), sum)
}

func TestBuildUpdate(t *testing.T) {
	t.Parallel()

	u, ok := BuildUpdate(4000, 11000, 5000)
	assert.True(t, ok)
	assert.Equal(t, Update{TotalSteps: 11000, CoinsDelta: 2}, u)

	u, ok = BuildUpdate(4000, 4500, 5000)
	assert.True(t, ok, "a step change without a new coin is still written")
	assert.Equal(t, Update{TotalSteps: 4500}, u)

	_, ok = BuildUpdate(4000, 4000, 5000)
	assert.False(t, ok)

	_, ok = BuildUpdate(4000, -1, 5000)
	assert.False(t, ok)
}
