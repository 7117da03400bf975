// Package watering decides how long to run the pump and runs it.
package watering

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DryThreshold is the moisture at or above which no water is given.
	DryThreshold = 50
	stepPercent  = 10
	stepSeconds  = 10

	ManualMinSeconds = 5
	ManualMaxSeconds = 100
)

var ErrManualDuration = errors.New("manual watering duration out of range")

// DecideWatering returns how long to water soil at moisture percent p.
// Drier soil gets longer, in 10 second steps: 49-41% 10s, 40-31% 20s ... 0% 60s.
func DecideWatering(p uint8) (time.Duration, bool) {
	if p >= DryThreshold {
		return 0, false
	}
	steps := (DryThreshold-int(p))/stepPercent + 1
	return time.Duration(steps*stepSeconds) * time.Second, true
}

// ValidateManual checks an operator supplied duration.
func ValidateManual(seconds int) (time.Duration, error) {
	if seconds < ManualMinSeconds || seconds > ManualMaxSeconds {
		return 0, fmt.Errorf("%w: %ds not in %d-%ds", ErrManualDuration, seconds, ManualMinSeconds, ManualMaxSeconds)
	}
	return time.Duration(seconds) * time.Second, nil
}
