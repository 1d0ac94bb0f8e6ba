package node

import (
	"fmt"
	"strconv"
	"time"
	"unicode"

	"github.com/dreamware/trafficnet/internal/cluster"
)

const (
	// YellowDuration is fixed for safety and never adapts.
	YellowDuration = 3 * time.Second
	// MaxGreen caps the adapted green phase.
	MaxGreen = 20 * time.Second
	// MinRed floors the adapted red phase.
	MinRed = 5 * time.Second

	DefaultBaseRed           = 10 * time.Second
	DefaultBaseGreen         = 10 * time.Second
	DefaultHeartbeatInterval = 3 * time.Second
)

// Timing holds the base phase durations a node adapts from.
type Timing struct {
	BaseRed   time.Duration
	BaseGreen time.Duration
}

// DefaultTiming returns 10s red and 10s green.
func DefaultTiming() Timing {
	return Timing{BaseRed: DefaultBaseRed, BaseGreen: DefaultBaseGreen}
}

// Validate rejects bases for which the adapted ranges would be empty:
// green must fit under MaxGreen and red must not start below MinRed.
func (t Timing) Validate() error {
	if t.BaseGreen <= 0 || t.BaseGreen > MaxGreen {
		return fmt.Errorf("base green %s must be in (0, %s]", t.BaseGreen, MaxGreen)
	}
	if t.BaseRed < MinRed {
		return fmt.Errorf("base red %s must be at least %s", t.BaseRed, MinRed)
	}
	return nil
}

// Durations returns the red and green durations for a node with failed of
// total neighbors down. With no failed neighbor (or no neighbor at all) the
// bases are returned unchanged. Otherwise, with r = failed/total:
//
//	green = min(BaseGreen × (1 + r), MaxGreen)
//	red   = max(BaseRed × (1 − r/2), MinRed)
func (t Timing) Durations(failed, total int) (red, green time.Duration) {
	if failed <= 0 || total <= 0 {
		return t.BaseRed, t.BaseGreen
	}
	if failed > total {
		failed = total
	}
	r := float64(failed) / float64(total)

	green = time.Duration(float64(t.BaseGreen) * (1 + r))
	if green > MaxGreen {
		green = MaxGreen
	}
	red = time.Duration(float64(t.BaseRed) * (1 - 0.5*r))
	if red < MinRed {
		red = MinRed
	}
	return red, green
}

// InitialPhase derives a node's starting phase from the number at the end of
// its id, so neighbouring lights start out of step: n%3 == 2 starts GREEN,
// everything else (including ids without a number) starts RED.
func InitialPhase(id string) cluster.Phase {
	i := len(id)
	for i > 0 && unicode.IsDigit(rune(id[i-1])) {
		i--
	}
	n, err := strconv.Atoi(id[i:])
	if err != nil {
		return cluster.PhaseRed
	}
	if n%3 == 2 {
		return cluster.PhaseGreen
	}
	return cluster.PhaseRed
}
