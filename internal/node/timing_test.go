package node

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dreamware/trafficnet/internal/cluster"
)

func TestDurations(t *testing.T) {
	base := DefaultTiming()

	tests := []struct {
		name          string
		failed, total int
		wantRed       time.Duration
		wantGreen     time.Duration
	}{
		{"no neighbors", 0, 0, 10 * time.Second, 10 * time.Second},
		{"none failed", 0, 3, 10 * time.Second, 10 * time.Second},
		{"half failed", 1, 2, 7500 * time.Millisecond, 15 * time.Second},
		{"quarter failed", 1, 4, 8750 * time.Millisecond, 12500 * time.Millisecond},
		{"all failed", 2, 2, 5 * time.Second, 20 * time.Second},
		{"more failed than known clamps to all", 5, 2, 5 * time.Second, 20 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			red, green := base.Durations(tt.failed, tt.total)
			assert.Equal(t, tt.wantRed, red)
			assert.Equal(t, tt.wantGreen, green)
		})
	}
}

func TestDurationsClampToBounds(t *testing.T) {
	tm := Timing{BaseRed: 6 * time.Second, BaseGreen: 15 * time.Second}

	red, green := tm.Durations(1, 1)
	assert.Equal(t, MinRed, red, "6s × 0.5 is floored at 5s")
	assert.Equal(t, MaxGreen, green, "15s × 2 is capped at 20s")
}

// TestDurationsMonotonic checks green is non-decreasing and red non-increasing
// in the failure ratio, and both stay inside their bands.
func TestDurationsMonotonic(t *testing.T) {
	bases := []Timing{
		DefaultTiming(),
		{BaseRed: 5 * time.Second, BaseGreen: 20 * time.Second},
		{BaseRed: 30 * time.Second, BaseGreen: 4 * time.Second},
	}
	for _, base := range bases {
		for total := 1; total <= 12; total++ {
			prevRed, prevGreen := base.Durations(0, total)
			for failed := 1; failed <= total; failed++ {
				red, green := base.Durations(failed, total)

				assert.GreaterOrEqual(t, green, prevGreen, "green(%d/%d)", failed, total)
				assert.LessOrEqual(t, red, prevRed, "red(%d/%d)", failed, total)

				assert.GreaterOrEqual(t, green, base.BaseGreen)
				assert.LessOrEqual(t, green, 2*base.BaseGreen)
				assert.LessOrEqual(t, green, MaxGreen)
				assert.GreaterOrEqual(t, red, MinRed)
				assert.LessOrEqual(t, red, base.BaseRed)

				prevRed, prevGreen = red, green
			}
		}
	}
}

func TestTimingValidate(t *testing.T) {
	assert.NoError(t, DefaultTiming().Validate())
	assert.NoError(t, Timing{BaseRed: MinRed, BaseGreen: MaxGreen}.Validate())
	assert.Error(t, Timing{BaseRed: 4 * time.Second, BaseGreen: 10 * time.Second}.Validate())
	assert.Error(t, Timing{BaseRed: 10 * time.Second, BaseGreen: 0}.Validate())
	assert.Error(t, Timing{BaseRed: 10 * time.Second, BaseGreen: 21 * time.Second}.Validate())
}

func TestInitialPhase(t *testing.T) {
	tests := []struct {
		id   string
		want cluster.Phase
	}{
		{"Node1", cluster.PhaseRed},
		{"Node2", cluster.PhaseGreen},
		{"Node3", cluster.PhaseRed},
		{"Node4", cluster.PhaseRed},
		{"Node5", cluster.PhaseGreen},
		{"Node11", cluster.PhaseGreen},
		{"crossing-8", cluster.PhaseGreen},
		{"Main&5th", cluster.PhaseRed},
		{"", cluster.PhaseRed},
		{"Node99999999999999999999999", cluster.PhaseRed},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			assert.Equal(t, tt.want, InitialPhase(tt.id))
			assert.Equal(t, tt.want, InitialPhase(tt.id), "derivation is deterministic")
		})
	}
}
