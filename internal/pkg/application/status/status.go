package status

import (
	"fmt"
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
)

var ErrInvalidThresholds = fmt.Errorf("invalid liveness thresholds")

// Classify buckets the time elapsed since lastSeen into a liveness state.
// A module that never reported, or thresholds that fail ValidateThresholds,
// yield StatusUnknown.
func Classify(lastSeen *time.Time, now time.Time, activeThreshold, inactiveThreshold time.Duration) string {
	if lastSeen == nil {
		return types.StatusUnknown
	}

	if ValidateThresholds(activeThreshold, inactiveThreshold) != nil {
		return types.StatusUnknown
	}

	d := now.Sub(*lastSeen)

	switch {
	case d < activeThreshold:
		return types.StatusActive
	case d < inactiveThreshold:
		return types.StatusInactive
	default:
		return types.StatusOffline
	}
}

func ValidateThresholds(activeThreshold, inactiveThreshold time.Duration) error {
	if activeThreshold < 0 || inactiveThreshold < 0 {
		return fmt.Errorf("%w: thresholds must not be negative", ErrInvalidThresholds)
	}
	if activeThreshold > inactiveThreshold {
		return fmt.Errorf("%w: active threshold %s exceeds inactive threshold %s", ErrInvalidThresholds, activeThreshold, inactiveThreshold)
	}
	return nil
}

// Reported is the externally visible state. An alarm overrides liveness.
func Reported(liveness string, alarmed bool) string {
	if alarmed {
		return types.StatusEmergency
	}
	return liveness
}
