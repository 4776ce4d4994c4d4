package controlloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application/activity"
	"github.com/diwise/iot-module-control/internal/pkg/application/cutoff"
	"github.com/diwise/iot-module-control/internal/pkg/application/history"
	"github.com/diwise/iot-module-control/internal/pkg/application/settings"
	"github.com/diwise/iot-module-control/internal/pkg/application/status"
	"github.com/diwise/iot-module-control/internal/pkg/application/triggers"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/metrics"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/tracing"
	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var tracer = otel.Tracer("iot-module-control/controlloop")

const (
	TriggerReading   string = "reading"
	TriggerHeartbeat string = "heartbeat"
	TriggerSchedule  string = "schedule"
	TriggerRequest   string = "request"
)

var ErrInvalidReading = fmt.Errorf("invalid reading")

// Observation is the state of one module as seen by a single cycle.
type Observation struct {
	ModuleID   string
	Liveness   string
	Status     string
	Alarmed    bool
	Conditions []types.TriggeredCondition
	// DataTimestamp is the timestamp of the reading that was evaluated
	DataTimestamp time.Time
}

type CycleResult struct {
	Timestamp    time.Time
	Observations []Observation
	History      types.EmergencyHistoryEntry
	Mutations    []cutoff.Mutation
	// Errors are contained per module or mapping and did not abort the cycle.
	Errors []error
}

type Driver interface {
	RunCycle(ctx context.Context, trigger string) (CycleResult, error)

	IngestReading(ctx context.Context, reading types.Reading) (types.Module, error)
	Heartbeat(ctx context.Context, moduleID string) (types.Module, error)
	ActuateCutoff(ctx context.Context, cutoffModuleID string, active bool, triggeredBy string) (types.Module, error)

	// Observe returns every module with liveness and emergency details
	// computed from the current registry, without persisting anything.
	Observe(ctx context.Context) ([]types.Module, error)

	Start(ctx context.Context)
	Stop()
}

type Config struct {
	Interval         time.Duration
	Timeout          time.Duration
	ReadingRetention time.Duration
}

type driver struct {
	mu sync.Mutex

	store    database.Datastore
	settings settings.Provider
	notifier activity.Notifier
	cfg      Config

	now func() time.Time

	done chan bool
	wg   sync.WaitGroup
}

func New(store database.Datastore, sp settings.Provider, notifier activity.Notifier, cfg Config) Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Duration(settings.DefaultTimeoutSeconds) * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(settings.DefaultIntervalSeconds) * time.Second
	}
	if notifier == nil {
		notifier = activity.Discard{}
	}

	return &driver{
		store:    store,
		settings: sp,
		notifier: notifier,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		done:     make(chan bool),
	}
}

func (d *driver) RunCycle(ctx context.Context, trigger string) (result CycleResult, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	started := time.Now()

	ctx, span := tracer.Start(ctx, "control-cycle")
	span.SetAttributes(attribute.String("trigger", trigger))
	defer func() {
		outcome := metrics.ResultSuccess
		if err != nil {
			outcome = metrics.ResultError
		}
		metrics.ObserveCycle(trigger, outcome, time.Since(started))
		tracing.RecordAnyErrorAndEndSpan(err, span)
	}()

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	log := logging.GetLoggerFromContext(ctx).With().Str("cycle", trigger).Logger()
	ctx = logging.NewContextWithLogger(ctx, log)

	now := d.now()
	s := d.settings.Get(ctx)

	modules, mappings, readings, err := d.load(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to load registry, cycle aborted")
		return CycleResult{}, err
	}

	result = CycleResult{Timestamp: now}
	observations, errs := observe(modules, readings, s, now)
	result.Observations = observations
	result.Errors = append(result.Errors, errs...)

	byID := lo.KeyBy(modules, func(m types.Module) string { return m.ModuleID })

	alarmed := map[string]bool{}
	emergency := []types.EmergencyModule{}

	for _, o := range observations {
		if !o.Alarmed {
			continue
		}
		alarmed[o.ModuleID] = true
		emergency = append(emergency, types.EmergencyModule{
			ModuleID:       o.ModuleID,
			Kind:           byID[o.ModuleID].Kind,
			TriggeredCount: len(o.Conditions),
			DataTimestamp:  o.DataTimestamp,
		})
	}

	var mutations []cutoff.Mutation
	var statusChanges []Observation

	err = d.store.Transaction(ctx, func(r database.Repositories) error {
		entry, err := history.Append(ctx, r.History(), s.HistoryMode, emergency, now)
		if err != nil {
			return err
		}
		result.History = entry

		if s.TriggersEnabled {
			var reconcileErrs []error
			mutations, reconcileErrs = cutoff.Reconcile(modules, mappings, alarmed, s.Ownership)
			result.Errors = append(result.Errors, reconcileErrs...)
		}

		for _, o := range observations {
			if byID[o.ModuleID].Status == o.Status {
				continue
			}
			if err := r.Modules().UpdateStatus(ctx, o.ModuleID, o.Status); err != nil {
				return err
			}
			statusChanges = append(statusChanges, o)
		}

		for _, m := range mutations {
			err := r.Modules().UpdateCutoff(ctx, m.ModuleID, database.CutoffState{
				Active:        m.Active,
				ActivatedBy:   m.ActivatedBy,
				ActiveSources: m.ActiveSources,
				ChangedAt:     now,
			})
			if err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		log.Error().Err(err).Msg("cycle rolled back")
		return CycleResult{}, err
	}

	result.Mutations = mutations

	metrics.SetAlarmedModules(len(alarmed))
	metrics.IncHistoryEvent(result.History.EventType)

	d.report(ctx, log, byID, statusChanges, result)

	return result, nil
}

func (d *driver) load(ctx context.Context) ([]types.Module, []types.CutoffMapping, map[string]types.Reading, error) {
	modules, err := d.store.Modules().GetAll(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	mappings, err := d.store.Mappings().GetAll(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	sensors := lo.FilterMap(modules, func(m types.Module, _ int) (string, bool) {
		return m.ModuleID, !m.IsCutoffRelay
	})

	readings, err := d.store.Readings().LatestForModules(ctx, sensors)
	if err != nil {
		return nil, nil, nil, err
	}

	return modules, mappings, readings, nil
}

// observe classifies every module and evaluates the trigger rules of every
// sensor. It has no side effects.
func observe(modules []types.Module, readings map[string]types.Reading, s settings.Settings, now time.Time) ([]Observation, []error) {
	var errs []error

	if err := status.ValidateThresholds(s.ActiveThreshold(), s.InactiveThreshold()); err != nil {
		errs = append(errs, err)
	}

	observations := make([]Observation, 0, len(modules))

	for _, m := range modules {
		o := Observation{
			ModuleID:   m.ModuleID,
			Liveness:   status.Classify(m.LastSeen, now, s.ActiveThreshold(), s.InactiveThreshold()),
			Conditions: []types.TriggeredCondition{},
		}

		if !m.IsCutoffRelay && s.TriggersEnabled {
			var latest *types.Reading
			if r, ok := readings[m.ModuleID]; ok {
				latest = &r
				o.DataTimestamp = r.Timestamp
			}

			res := triggers.Evaluate(m, latest)
			o.Alarmed = res.Alarmed
			o.Conditions = res.Conditions

			for _, e := range res.Errors {
				errs = append(errs, fmt.Errorf("module %s: %w", m.ModuleID, e))
			}
		}

		o.Status = status.Reported(o.Liveness, o.Alarmed)
		observations = append(observations, o)
	}

	return observations, errs
}

func (d *driver) report(ctx context.Context, log zerolog.Logger, before map[string]types.Module, statusChanges []Observation, result CycleResult) {
	for _, e := range result.Errors {
		log.Warn().Err(e).Msg("contained error during cycle")

		entry := types.ActivityLogged{
			Type:    activity.TypeError,
			Message: e.Error(),
		}
		if errors.Is(e, triggers.ErrNotNumeric) {
			entry.Type = activity.TypeWarning
		}
		d.notifier.Log(ctx, entry)
	}

	for _, o := range statusChanges {
		previous := before[o.ModuleID].Status

		log.Info().Str("changedModuleID", o.ModuleID).Str("liveness", o.Liveness).Msgf("status changed %s -> %s", previous, o.Status)

		d.notifier.Notify(ctx, &types.ModuleStatusChanged{
			ModuleID:       o.ModuleID,
			PreviousStatus: previous,
			Status:         o.Status,
			Liveness:       o.Liveness,
			Timestamp:      result.Timestamp,
		})
		d.notifier.Log(ctx, types.ActivityLogged{
			Type:     activityTypeForStatus(o.Status),
			Message:  fmt.Sprintf("module %s changed status: %s -> %s", o.ModuleID, previous, o.Status),
			ModuleID: o.ModuleID,
			RawData:  o.Conditions,
		})
	}

	if result.History.EventType != types.EventUpdate {
		log.Info().Str("eventType", result.History.EventType).Int("count", result.History.Count).Msg("emergency event")

		d.notifier.Notify(ctx, &types.EmergencyEvent{
			EventType: result.History.EventType,
			Count:     result.History.Count,
			Modules:   result.History.Modules,
			Timestamp: result.History.Timestamp,
		})

		entryType := activity.TypeError
		if result.History.EventType == types.EventEnded {
			entryType = activity.TypeSuccess
		}
		d.notifier.Log(ctx, types.ActivityLogged{
			Type:    entryType,
			Message: fmt.Sprintf("emergency %s, %d module(s) alarmed", result.History.EventType, result.History.Count),
			RawData: result.History.Modules,
		})
	}

	for _, m := range result.Mutations {
		previous := before[m.ModuleID]
		if previous.CutoffActive != m.Active {
			metrics.IncCutoffActuation(m.Active)
		}

		d.reportCutoff(ctx, log, m, result.Timestamp)
	}
}

func (d *driver) reportCutoff(ctx context.Context, log zerolog.Logger, m cutoff.Mutation, ts time.Time) {
	log.Info().Str("cutoffModuleID", m.ModuleID).Bool("active", m.Active).Str("activatedBy", m.ActivatedBy).Msgf("cutoff relay changed by %s", m.TriggeredBy)

	d.notifier.Notify(ctx, &types.CutoffChanged{
		CutoffModuleID: m.ModuleID,
		Active:         m.Active,
		ActivatedBy:    m.ActivatedBy,
		TriggeredBy:    m.TriggeredBy,
		Timestamp:      ts,
	})

	action := "deactivated"
	if m.Active {
		action = "activated"
	}
	d.notifier.Log(ctx, types.ActivityLogged{
		Type:     activity.TypeWarning,
		Message:  fmt.Sprintf("cutoff %s %s by %s", m.ModuleID, action, m.TriggeredBy),
		ModuleID: m.ModuleID,
	})
}

func activityTypeForStatus(s string) string {
	switch s {
	case types.StatusEmergency:
		return activity.TypeError
	case types.StatusOffline, types.StatusInactive:
		return activity.TypeWarning
	case types.StatusActive:
		return activity.TypeSuccess
	default:
		return activity.TypeInfo
	}
}

func (d *driver) IngestReading(ctx context.Context, reading types.Reading) (types.Module, error) {
	var err error

	ctx, span := tracer.Start(ctx, "ingest-reading")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	if reading.ModuleID == "" {
		err = fmt.Errorf("%w: missing module id", ErrInvalidReading)
		metrics.IncIngest(TriggerReading, metrics.ResultError)
		return types.Module{}, err
	}

	ctx, log := logging.WithModuleID(ctx, reading.ModuleID)

	now := d.now()
	if reading.Timestamp.IsZero() {
		reading.Timestamp = now
	}

	err = d.withTimeout(ctx, func(ctx context.Context) error {
		return d.store.Transaction(ctx, func(r database.Repositories) error {
			if _, err := r.Modules().GetByModuleID(ctx, reading.ModuleID); err != nil {
				return err
			}
			if err := r.Readings().Add(ctx, reading); err != nil {
				return err
			}
			_, err := r.Modules().Touch(ctx, reading.ModuleID, now, true)
			return err
		})
	})
	if err != nil {
		metrics.IncIngest(TriggerReading, metrics.ResultError)
		return types.Module{}, err
	}

	metrics.IncIngest(TriggerReading, metrics.ResultSuccess)

	return d.afterIngest(ctx, log, reading.ModuleID, TriggerReading)
}

func (d *driver) Heartbeat(ctx context.Context, moduleID string) (types.Module, error) {
	var err error

	ctx, span := tracer.Start(ctx, "heartbeat")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, log := logging.WithModuleID(ctx, moduleID)

	err = d.withTimeout(ctx, func(ctx context.Context) error {
		_, err := d.store.Modules().Touch(ctx, moduleID, d.now(), false)
		return err
	})
	if err != nil {
		metrics.IncIngest(TriggerHeartbeat, metrics.ResultError)
		return types.Module{}, err
	}

	metrics.IncIngest(TriggerHeartbeat, metrics.ResultSuccess)

	return d.afterIngest(ctx, log, moduleID, TriggerHeartbeat)
}

// afterIngest runs a cycle for an accepted reading or heartbeat. A failing
// cycle does not fail the ingestion, it is retried by the next trigger.
func (d *driver) afterIngest(ctx context.Context, log zerolog.Logger, moduleID, trigger string) (types.Module, error) {
	if _, err := d.RunCycle(ctx, trigger); err != nil {
		log.Error().Err(err).Msg("cycle after ingestion failed")
	}

	var module types.Module
	err := d.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		module, err = d.store.Modules().GetByModuleID(ctx, moduleID)
		return err
	})

	return module, err
}

func (d *driver) ActuateCutoff(ctx context.Context, cutoffModuleID string, active bool, triggeredBy string) (types.Module, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error

	ctx, span := tracer.Start(ctx, "actuate-cutoff")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	ctx, log := logging.WithModuleID(ctx, cutoffModuleID)
	now := d.now()

	var mutation cutoff.Mutation
	var changed bool
	var relay types.Module

	err = d.withTimeout(ctx, func(ctx context.Context) error {
		return d.store.Transaction(ctx, func(r database.Repositories) error {
			var err error

			relay, err = r.Modules().GetByModuleID(ctx, cutoffModuleID)
			if errors.Is(err, database.ErrModuleNotFound) {
				return fmt.Errorf("%w: %s", cutoff.ErrCutoffModuleNotFound, cutoffModuleID)
			}
			if err != nil {
				return err
			}

			mutation, changed, err = cutoff.Actuate(relay, active, triggeredBy)
			if err != nil || !changed {
				return err
			}

			return r.Modules().UpdateCutoff(ctx, cutoffModuleID, database.CutoffState{
				Active:        mutation.Active,
				ActivatedBy:   mutation.ActivatedBy,
				ActiveSources: mutation.ActiveSources,
				ChangedAt:     now,
			})
		})
	})
	if err != nil {
		return types.Module{}, err
	}

	if !changed {
		return relay, nil
	}

	metrics.IncCutoffActuation(mutation.Active)
	d.reportCutoff(ctx, log, mutation, now)

	err = d.withTimeout(ctx, func(ctx context.Context) error {
		relay, err = d.store.Modules().GetByModuleID(ctx, cutoffModuleID)
		return err
	})

	return relay, err
}

func (d *driver) Observe(ctx context.Context) ([]types.Module, error) {
	var modules []types.Module
	var readings map[string]types.Reading

	err := d.withTimeout(ctx, func(ctx context.Context) error {
		var err error
		modules, _, readings, err = d.load(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	observations, _ := observe(modules, readings, d.settings.Get(ctx), d.now())

	for i, o := range observations {
		modules[i].Liveness = o.Liveness
		modules[i].Status = o.Status
		if !modules[i].IsCutoffRelay {
			modules[i].Emergency = &types.Emergency{
				Alarmed:             o.Alarmed,
				TriggeredConditions: o.Conditions,
				DataTimestamp:       o.DataTimestamp,
			}
		}
	}

	return modules, nil
}

func (d *driver) withTimeout(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}

func (d *driver) Start(ctx context.Context) {
	d.wg.Add(1)
	go d.backgroundWorker(ctx)
}

func (d *driver) Stop() {
	close(d.done)
	d.wg.Wait()
}

func (d *driver) backgroundWorker(ctx context.Context) {
	defer d.wg.Done()

	log := logging.GetLoggerFromContext(ctx)

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.RunCycle(ctx, TriggerSchedule); err != nil {
				log.Error().Err(err).Msg("scheduled cycle failed")
			}
			d.pruneReadings(ctx, log)
		}
	}
}

func (d *driver) pruneReadings(ctx context.Context, log zerolog.Logger) {
	if d.cfg.ReadingRetention <= 0 {
		return
	}

	err := d.withTimeout(ctx, func(ctx context.Context) error {
		n, err := d.store.Readings().DeleteBefore(ctx, d.now().Add(-d.cfg.ReadingRetention))
		if err == nil && n > 0 {
			log.Debug().Msgf("pruned %d readings", n)
		}
		return err
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to prune readings")
	}
}
