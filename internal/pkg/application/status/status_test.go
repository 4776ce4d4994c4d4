package status

import (
	"errors"
	"testing"
	"time"

	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/matryer/is"
)

const (
	activeThreshold   = 300 * time.Second
	inactiveThreshold = 3600 * time.Second
)

func TestClassifyNeverSeenIsUnknown(t *testing.T) {
	is := is.New(t)
	is.Equal(Classify(nil, time.Now(), activeThreshold, inactiveThreshold), types.StatusUnknown)
}

func TestClassifyBoundaries(t *testing.T) {
	is := is.New(t)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	classify := func(d time.Duration) string {
		lastSeen := now.Add(-d)
		return Classify(&lastSeen, now, activeThreshold, inactiveThreshold)
	}

	is.Equal(classify(0), types.StatusActive)
	is.Equal(classify(activeThreshold-time.Nanosecond), types.StatusActive)
	is.Equal(classify(activeThreshold), types.StatusInactive)
	is.Equal(classify(inactiveThreshold-time.Nanosecond), types.StatusInactive)
	is.Equal(classify(inactiveThreshold), types.StatusOffline)
	is.Equal(classify(48*time.Hour), types.StatusOffline)
}

func TestClassifyLastSeenInTheFutureIsActive(t *testing.T) {
	is := is.New(t)
	now := time.Now()
	lastSeen := now.Add(time.Minute)
	is.Equal(Classify(&lastSeen, now, activeThreshold, inactiveThreshold), types.StatusActive)
}

func TestClassifyWithInvalidThresholdsIsUnknown(t *testing.T) {
	is := is.New(t)
	now := time.Now()
	lastSeen := now.Add(-time.Second)

	is.Equal(Classify(&lastSeen, now, inactiveThreshold, activeThreshold), types.StatusUnknown)
	is.Equal(Classify(&lastSeen, now, -time.Second, activeThreshold), types.StatusUnknown)

	err := ValidateThresholds(inactiveThreshold, activeThreshold)
	is.True(errors.Is(err, ErrInvalidThresholds))
	is.NoErr(ValidateThresholds(activeThreshold, inactiveThreshold))
}

func TestReportedAlarmOverridesLiveness(t *testing.T) {
	is := is.New(t)
	is.Equal(Reported(types.StatusOffline, true), types.StatusEmergency)
	is.Equal(Reported(types.StatusInactive, false), types.StatusInactive)
}
