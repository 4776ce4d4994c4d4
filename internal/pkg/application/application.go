package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application/activity"
	"github.com/diwise/iot-module-control/internal/pkg/application/controlloop"
	"github.com/diwise/iot-module-control/internal/pkg/application/cutoff"
	"github.com/diwise/iot-module-control/internal/pkg/application/history"
	"github.com/diwise/iot-module-control/internal/pkg/application/settings"
	"github.com/diwise/iot-module-control/internal/pkg/application/triggers"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/samber/lo"
)

type App interface {
	Start(ctx context.Context)
	Stop()

	IngestReading(ctx context.Context, reading types.Reading) (types.Module, error)
	Heartbeat(ctx context.Context, moduleID string) (types.Module, error)
	LatestReading(ctx context.Context, moduleID string) (types.Reading, error)

	GetModules(ctx context.Context) ([]types.Module, error)
	GetModule(ctx context.Context, moduleID string) (types.Module, error)
	// SetTriggers replaces the rules of a module. Invalid rules are stored
	// disabled and reported in the returned slice.
	SetTriggers(ctx context.Context, moduleID string, rules map[string]types.TriggerRule) (types.Module, []error, error)
	TriggerStatistics(ctx context.Context) ([]types.TriggerStatistics, error)

	GetMappings(ctx context.Context) ([]types.CutoffMapping, error)
	SetMapping(ctx context.Context, sourceModuleID, cutoffModuleID string) (types.CutoffMapping, error)
	DeleteMapping(ctx context.Context, sourceModuleID string) error

	GetCutoffs(ctx context.Context) ([]types.Module, error)
	ActuateCutoff(ctx context.Context, cutoffModuleID string, active bool, triggeredBy string) (types.Module, error)

	EmergencyHistory(ctx context.Context, window time.Duration) ([]types.EmergencyHistoryEntry, types.EmergencySummary, error)
	LatestEmergency(ctx context.Context) (types.EmergencyHistoryEntry, error)

	RunCycle(ctx context.Context) (controlloop.CycleResult, error)

	GetSettings(ctx context.Context) settings.Settings
	UpdateSettings(ctx context.Context, s settings.Settings) error
}

type Stoppable interface {
	Stop()
}

type StopFunc func()

func (f StopFunc) Stop() { f() }

type app struct {
	store    database.Datastore
	driver   controlloop.Driver
	settings settings.Provider
	notifier activity.Notifier
	stoppers []Stoppable

	now func() time.Time
}

// New wires the application. The stoppers, typically the activity sink and
// the web events server, are stopped after the control loop.
func New(store database.Datastore, driver controlloop.Driver, sp settings.Provider, notifier activity.Notifier, stoppers ...Stoppable) App {
	if notifier == nil {
		notifier = activity.Discard{}
	}

	return &app{
		store:    store,
		driver:   driver,
		settings: sp,
		notifier: notifier,
		stoppers: stoppers,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (a *app) Start(ctx context.Context) {
	a.driver.Start(ctx)
}

func (a *app) Stop() {
	a.driver.Stop()
	for _, s := range a.stoppers {
		s.Stop()
	}
}

func (a *app) IngestReading(ctx context.Context, reading types.Reading) (types.Module, error) {
	return a.driver.IngestReading(ctx, reading)
}

func (a *app) Heartbeat(ctx context.Context, moduleID string) (types.Module, error) {
	return a.driver.Heartbeat(ctx, moduleID)
}

func (a *app) LatestReading(ctx context.Context, moduleID string) (types.Reading, error) {
	if _, err := a.store.Modules().GetByModuleID(ctx, moduleID); err != nil {
		return types.Reading{}, err
	}
	return a.store.Readings().Latest(ctx, moduleID)
}

func (a *app) GetModules(ctx context.Context) ([]types.Module, error) {
	return a.driver.Observe(ctx)
}

func (a *app) GetModule(ctx context.Context, moduleID string) (types.Module, error) {
	modules, err := a.driver.Observe(ctx)
	if err != nil {
		return types.Module{}, err
	}

	m, ok := lo.Find(modules, func(m types.Module) bool { return m.ModuleID == moduleID })
	if !ok {
		return types.Module{}, fmt.Errorf("%w: %s", database.ErrModuleNotFound, moduleID)
	}

	return m, nil
}

func (a *app) SetTriggers(ctx context.Context, moduleID string, rules map[string]types.TriggerRule) (types.Module, []error, error) {
	ctx, log := logging.WithModuleID(ctx, moduleID)

	sanitized, invalid := triggers.Sanitize(rules)

	m, err := a.store.Modules().SetTriggers(ctx, moduleID, sanitized)
	if err != nil {
		return types.Module{}, nil, err
	}

	for _, e := range invalid {
		log.Warn().Err(e).Msg("trigger rule disabled")
		a.notifier.Log(ctx, types.ActivityLogged{
			Type:     activity.TypeWarning,
			Message:  fmt.Sprintf("invalid trigger rule on %s was disabled", moduleID),
			Details:  e.Error(),
			ModuleID: moduleID,
		})
	}

	a.notifier.Log(ctx, types.ActivityLogged{
		Type:     activity.TypeInfo,
		Message:  fmt.Sprintf("triggers updated on %s", moduleID),
		ModuleID: moduleID,
		RawData:  sanitized,
	})

	return m, invalid, nil
}

func (a *app) TriggerStatistics(ctx context.Context) ([]types.TriggerStatistics, error) {
	modules, err := a.store.Modules().GetAll(ctx)
	if err != nil {
		return nil, err
	}
	return triggers.Statistics(modules), nil
}

func (a *app) GetMappings(ctx context.Context) ([]types.CutoffMapping, error) {
	return a.store.Mappings().GetAll(ctx)
}

// SetMapping checks that both modules exist and that the target is a relay
// before storing the mapping. The next cycle applies it.
func (a *app) SetMapping(ctx context.Context, sourceModuleID, cutoffModuleID string) (types.CutoffMapping, error) {
	var mapping types.CutoffMapping

	err := a.store.Transaction(ctx, func(r database.Repositories) error {
		if _, err := r.Modules().GetByModuleID(ctx, sourceModuleID); err != nil {
			if errors.Is(err, database.ErrModuleNotFound) {
				return fmt.Errorf("%w: %s", cutoff.ErrSourceModuleNotFound, sourceModuleID)
			}
			return err
		}

		relay, err := r.Modules().GetByModuleID(ctx, cutoffModuleID)
		if err != nil {
			if errors.Is(err, database.ErrModuleNotFound) {
				return fmt.Errorf("%w: %s", cutoff.ErrCutoffModuleNotFound, cutoffModuleID)
			}
			return err
		}
		if !relay.IsCutoffRelay {
			return fmt.Errorf("%w: %s", cutoff.ErrNotCutoffRelay, cutoffModuleID)
		}

		mapping, err = r.Mappings().Upsert(ctx, sourceModuleID, cutoffModuleID)
		return err
	})
	if err != nil {
		return types.CutoffMapping{}, err
	}

	a.notifier.Log(ctx, types.ActivityLogged{
		Type:     activity.TypeInfo,
		Message:  fmt.Sprintf("%s now controls cutoff %s", sourceModuleID, cutoffModuleID),
		ModuleID: sourceModuleID,
	})

	return mapping, nil
}

func (a *app) DeleteMapping(ctx context.Context, sourceModuleID string) error {
	err := a.store.Mappings().Delete(ctx, sourceModuleID)
	if err != nil {
		return err
	}

	a.notifier.Log(ctx, types.ActivityLogged{
		Type:     activity.TypeInfo,
		Message:  fmt.Sprintf("cutoff mapping for %s removed", sourceModuleID),
		ModuleID: sourceModuleID,
	})

	return nil
}

func (a *app) GetCutoffs(ctx context.Context) ([]types.Module, error) {
	modules, err := a.store.Modules().GetAll(ctx)
	if err != nil {
		return nil, err
	}

	return lo.Filter(modules, func(m types.Module, _ int) bool {
		return m.IsCutoffRelay
	}), nil
}

func (a *app) ActuateCutoff(ctx context.Context, cutoffModuleID string, active bool, triggeredBy string) (types.Module, error) {
	return a.driver.ActuateCutoff(ctx, cutoffModuleID, active, triggeredBy)
}

func (a *app) EmergencyHistory(ctx context.Context, window time.Duration) ([]types.EmergencyHistoryEntry, types.EmergencySummary, error) {
	if window <= 0 || window > history.Retention {
		window = history.Retention
	}

	now := a.now()

	entries, err := a.store.History().Between(ctx, now.Add(-window), now)
	if err != nil {
		return nil, types.EmergencySummary{}, err
	}

	latest, err := a.store.History().Latest(ctx)
	if errors.Is(err, database.ErrNoHistory) {
		return entries, history.Summarize(nil), nil
	}
	if err != nil {
		return nil, types.EmergencySummary{}, err
	}

	return entries, history.Summarize(&latest), nil
}

func (a *app) LatestEmergency(ctx context.Context) (types.EmergencyHistoryEntry, error) {
	return a.store.History().Latest(ctx)
}

func (a *app) RunCycle(ctx context.Context) (controlloop.CycleResult, error) {
	return a.driver.RunCycle(ctx, controlloop.TriggerRequest)
}

func (a *app) GetSettings(ctx context.Context) settings.Settings {
	return a.settings.Get(ctx)
}

func (a *app) UpdateSettings(ctx context.Context, s settings.Settings) error {
	if err := a.settings.Set(ctx, s); err != nil {
		return err
	}

	log := logging.GetLoggerFromContext(ctx)
	log.Info().
		Bool("triggersEnabled", s.TriggersEnabled).
		Str("ownership", string(s.Ownership)).
		Msg("settings updated")

	a.notifier.Log(ctx, types.ActivityLogged{
		Type:    activity.TypeInfo,
		Message: "control settings updated",
		RawData: s,
	})

	return nil
}
