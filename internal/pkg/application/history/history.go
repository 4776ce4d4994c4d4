package history

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/samber/lo"
)

const Retention = 7 * 24 * time.Hour

// Mode selects how set differences between two consecutive entries map to an
// event type.
type Mode string

const (
	// ModeMembership reports started whenever modules only enter the alarm
	// set and ended whenever modules only leave it.
	ModeMembership Mode = "membership"
	// ModeAggregate reports started and ended only when the alarm set as a
	// whole leaves or returns to empty. Other membership changes are changed.
	ModeAggregate Mode = "aggregate"
)

func (m Mode) Valid() bool {
	return m == ModeMembership || m == ModeAggregate
}

// Record derives the next history entry from the currently alarmed modules and
// the most recent entry, which is nil when nothing has been recorded yet.
func (m Mode) Record(current []types.EmergencyModule, previous *types.EmergencyHistoryEntry, now time.Time) types.EmergencyHistoryEntry {
	modules := lo.UniqBy(current, func(em types.EmergencyModule) string { return em.ModuleID })
	sort.Slice(modules, func(i, j int) bool {
		return modules[i].ModuleID < modules[j].ModuleID
	})

	return types.EmergencyHistoryEntry{
		Timestamp: now.UTC(),
		EventType: m.EventType(moduleIDs(modules), previous),
		Count:     len(modules),
		Modules:   modules,
	}
}

func (m Mode) EventType(currentIDs []string, previous *types.EmergencyHistoryEntry) string {
	if previous == nil {
		if len(currentIDs) > 0 {
			return types.EventStarted
		}
		return types.EventUpdate
	}

	previousIDs := moduleIDs(previous.Modules)
	entered, exited := lo.Difference(currentIDs, previousIDs)

	if m == ModeAggregate {
		switch {
		case len(previousIDs) == 0 && len(currentIDs) > 0:
			return types.EventStarted
		case len(previousIDs) > 0 && len(currentIDs) == 0:
			return types.EventEnded
		case len(entered) > 0 || len(exited) > 0:
			return types.EventChanged
		default:
			return types.EventUpdate
		}
	}

	switch {
	case len(entered) > 0 && len(exited) == 0:
		return types.EventStarted
	case len(exited) > 0 && len(entered) == 0:
		return types.EventEnded
	case len(entered) > 0 && len(exited) > 0:
		return types.EventChanged
	default:
		return types.EventUpdate
	}
}

// Append records and stores a new entry against the true latest entry in repo,
// purging everything that has fallen out of the retention window.
func Append(ctx context.Context, repo database.HistoryRepository, mode Mode, current []types.EmergencyModule, now time.Time) (types.EmergencyHistoryEntry, error) {
	var previous *types.EmergencyHistoryEntry

	latest, err := repo.Latest(ctx)
	if err == nil {
		previous = &latest
	} else if !errors.Is(err, database.ErrNoHistory) {
		return types.EmergencyHistoryEntry{}, err
	}

	if !mode.Valid() {
		mode = ModeMembership
	}

	entry := mode.Record(current, previous, now)

	if err := repo.Append(ctx, entry, now.Add(-Retention)); err != nil {
		return types.EmergencyHistoryEntry{}, err
	}

	return entry, nil
}

// Summarize reports whether an emergency is ongoing according to the latest entry.
func Summarize(latest *types.EmergencyHistoryEntry) types.EmergencySummary {
	if latest == nil {
		return types.EmergencySummary{
			Modules: []types.EmergencyModule{},
		}
	}

	ts := latest.Timestamp

	return types.EmergencySummary{
		IsActive:   latest.EventType != types.EventEnded && latest.Count > 0,
		Count:      latest.Count,
		Modules:    latest.Modules,
		LastUpdate: &ts,
	}
}

func moduleIDs(modules []types.EmergencyModule) []string {
	return lo.Map(modules, func(m types.EmergencyModule, _ int) string {
		return m.ModuleID
	})
}
