package controlloop

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/diwise/iot-module-control/internal/pkg/application/activity"
	"github.com/diwise/iot-module-control/internal/pkg/application/cutoff"
	"github.com/diwise/iot-module-control/internal/pkg/application/settings"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-module-control/internal/pkg/infrastructure/repositories/database"
	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/matryer/is"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

func TestAlarmActivatesAndClearingReleasesCutoff(t *testing.T) {
	is, ctx, d, store, n := setup(t, settings.Defaults())

	m, err := d.IngestReading(ctx, reading("sensor-1", 95))
	is.NoErr(err)
	is.Equal(m.Status, types.StatusEmergency)
	is.Equal(m.ReadingCount, 1)

	relay, err := store.Modules().GetByModuleID(ctx, "cutoff-1")
	is.NoErr(err)
	is.True(relay.CutoffActive)
	is.Equal(relay.ActivatedBy, "sensor-1")

	latest, err := store.History().Latest(ctx)
	is.NoErr(err)
	is.Equal(latest.EventType, types.EventStarted)
	is.Equal(latest.Count, 1)
	is.Equal(latest.Modules[0].ModuleID, "sensor-1")
	is.Equal(latest.Modules[0].TriggeredCount, 1)

	d.advance(time.Minute)

	m, err = d.IngestReading(ctx, reading("sensor-1", 50))
	is.NoErr(err)
	is.Equal(m.Status, types.StatusActive)

	relay, err = store.Modules().GetByModuleID(ctx, "cutoff-1")
	is.NoErr(err)
	is.True(!relay.CutoffActive)
	is.Equal(relay.ActivatedBy, "")

	latest, err = store.History().Latest(ctx)
	is.NoErr(err)
	is.Equal(latest.EventType, types.EventEnded)
	is.Equal(latest.Count, 0)

	is.Equal(n.topics("cutoff.changed"), 2)
	is.Equal(n.topics("emergency.started"), 1)
	is.Equal(n.topics("emergency.ended"), 1)
	is.Equal(n.topics("module.statusChanged"), 2)
}

func TestCycleWithoutChangesIsIdempotent(t *testing.T) {
	is, ctx, d, store, n := setup(t, settings.Defaults())

	_, err := d.IngestReading(ctx, reading("sensor-1", 95))
	is.NoErr(err)

	before := n.count()

	result, err := d.RunCycle(ctx, TriggerRequest)
	is.NoErr(err)
	is.Equal(len(result.Mutations), 0)
	is.Equal(result.History.EventType, types.EventUpdate)
	is.Equal(n.count(), before)

	relay, _ := store.Modules().GetByModuleID(ctx, "cutoff-1")
	is.True(relay.CutoffActive)
}

func TestDisabledTriggersNeverAlarm(t *testing.T) {
	s := settings.Defaults()
	s.TriggersEnabled = false

	is, ctx, d, store, _ := setup(t, s)

	m, err := d.IngestReading(ctx, reading("sensor-1", 95))
	is.NoErr(err)
	is.Equal(m.Status, types.StatusActive)

	relay, _ := store.Modules().GetByModuleID(ctx, "cutoff-1")
	is.True(!relay.CutoffActive)

	latest, err := store.History().Latest(ctx)
	is.NoErr(err)
	is.Equal(latest.Count, 0)
}

func TestLivenessDecaysWithoutReadings(t *testing.T) {
	is, ctx, d, store, _ := setup(t, settings.Defaults())

	_, err := d.Heartbeat(ctx, "sensor-1")
	is.NoErr(err)

	d.advance(10 * time.Minute)
	_, err = d.RunCycle(ctx, TriggerSchedule)
	is.NoErr(err)

	m, _ := store.Modules().GetByModuleID(ctx, "sensor-1")
	is.Equal(m.Status, types.StatusInactive)
	is.Equal(m.ReadingCount, 0)

	d.advance(time.Hour)
	_, err = d.RunCycle(ctx, TriggerSchedule)
	is.NoErr(err)

	m, _ = store.Modules().GetByModuleID(ctx, "sensor-1")
	is.Equal(m.Status, types.StatusOffline)
}

func TestReadingForUnknownModuleIsRejected(t *testing.T) {
	is, ctx, d, _, _ := setup(t, settings.Defaults())

	_, err := d.IngestReading(ctx, reading("nope", 1))
	is.True(errors.Is(err, database.ErrModuleNotFound))

	_, err = d.IngestReading(ctx, types.Reading{})
	is.True(errors.Is(err, ErrInvalidReading))
}

func TestNonNumericValueIsReportedButDoesNotAbortCycle(t *testing.T) {
	is, ctx, d, _, n := setup(t, settings.Defaults())

	m, err := d.IngestReading(ctx, types.Reading{ModuleID: "sensor-1", Fields: map[string]any{"temp": "hot"}})
	is.NoErr(err)
	is.Equal(m.Status, types.StatusActive)
	is.True(n.logged(activity.TypeWarning) > 0)
}

func TestManualActuation(t *testing.T) {
	is, ctx, d, _, n := setup(t, settings.Defaults())

	relay, err := d.ActuateCutoff(ctx, "cutoff-1", true, "")
	is.NoErr(err)
	is.True(relay.CutoffActive)
	is.Equal(relay.ActivatedBy, "manual")
	is.Equal(n.topics("cutoff.changed"), 1)

	// a cycle without alarms must not release a manually activated relay
	_, err = d.RunCycle(ctx, TriggerRequest)
	is.NoErr(err)

	relay, err = d.ActuateCutoff(ctx, "cutoff-1", true, "")
	is.NoErr(err)
	is.True(relay.CutoffActive)
	is.Equal(n.topics("cutoff.changed"), 1)

	relay, err = d.ActuateCutoff(ctx, "cutoff-1", false, "")
	is.NoErr(err)
	is.True(!relay.CutoffActive)

	_, err = d.ActuateCutoff(ctx, "sensor-1", true, "")
	is.True(errors.Is(err, cutoff.ErrNotCutoffRelay))

	_, err = d.ActuateCutoff(ctx, "nope", true, "")
	is.True(errors.Is(err, cutoff.ErrCutoffModuleNotFound))
}

func TestObserveDescribesEmergency(t *testing.T) {
	is, ctx, d, _, _ := setup(t, settings.Defaults())

	_, err := d.IngestReading(ctx, reading("sensor-1", 95))
	is.NoErr(err)

	modules, err := d.Observe(ctx)
	is.NoErr(err)
	is.Equal(len(modules), 2)

	is.Equal(modules[0].ModuleID, "cutoff-1")
	is.True(modules[0].Emergency == nil)

	is.Equal(modules[1].Liveness, types.StatusActive)
	is.Equal(modules[1].Status, types.StatusEmergency)
	is.True(modules[1].Emergency.Alarmed)
	is.Equal(modules[1].Emergency.TriggeredConditions[0].Field, "temp")
}

func TestReadingTopicMessageHandler(t *testing.T) {
	is, ctx, d, store, _ := setup(t, settings.Defaults())

	body, _ := json.Marshal(ReadingMessage{
		ModuleID:  "sensor-1",
		Timestamp: "2024-03-01T11:59:00Z",
		Data:      map[string]any{"temp": 81.5},
	})

	handler := NewReadingTopicMessageHandler(d)
	handler(ctx, amqp.Delivery{Body: body, RoutingKey: ReadingRoutingKey}, zerolog.Logger{})

	r, err := store.Readings().Latest(ctx, "sensor-1")
	is.NoErr(err)
	is.Equal(r.Fields["temp"], 81.5)
	is.True(r.Timestamp.Equal(time.Date(2024, 3, 1, 11, 59, 0, 0, time.UTC)))

	m, _ := store.Modules().GetByModuleID(ctx, "sensor-1")
	is.Equal(m.Status, types.StatusEmergency)
}

func TestPruneReadings(t *testing.T) {
	is, ctx, d, store, _ := setup(t, settings.Defaults())
	d.cfg.ReadingRetention = time.Hour

	_, err := d.IngestReading(ctx, reading("sensor-1", 10))
	is.NoErr(err)

	d.advance(2 * time.Hour)
	d.pruneReadings(ctx, zerolog.Logger{})

	_, err = store.Readings().Latest(ctx, "sensor-1")
	is.True(errors.Is(err, database.ErrReadingNotFound))
}

func TestConcurrentReadingsAndHeartbeatsAreAllCounted(t *testing.T) {
	is, ctx, d, store, n := setup(t, settings.Defaults())

	const senders = 20

	var wg sync.WaitGroup
	errs := make(chan error, 2*senders)

	for i := 0; i < senders; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := d.IngestReading(ctx, reading("sensor-1", 95))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := d.Heartbeat(ctx, "cutoff-1")
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		is.NoErr(err)
	}

	m, err := store.Modules().GetByModuleID(ctx, "sensor-1")
	is.NoErr(err)
	is.Equal(m.ReadingCount, senders)
	is.Equal(m.Status, types.StatusEmergency)

	relay, err := store.Modules().GetByModuleID(ctx, "cutoff-1")
	is.NoErr(err)
	is.True(relay.CutoffActive)
	is.Equal(relay.ActivatedBy, "sensor-1")
	is.True(relay.LastSeen != nil)

	is.Equal(n.topics("cutoff.changed"), 1)
	is.Equal(n.topics("emergency.started"), 1)
}

func TestConcurrentCyclesRecordEachEventOnce(t *testing.T) {
	is, ctx, d, store, n := setup(t, settings.Defaults())

	now := d.clockNow()
	is.NoErr(store.Readings().Add(ctx, types.Reading{ModuleID: "sensor-1", Timestamp: now, Fields: map[string]any{"temp": 95.0}}))
	_, err := store.Modules().Touch(ctx, "sensor-1", now, true)
	is.NoErr(err)

	const cycles = 10

	var wg sync.WaitGroup
	errs := make(chan error, cycles)

	for i := 0; i < cycles; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.RunCycle(ctx, TriggerRequest)
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	for err := range errs {
		is.NoErr(err)
	}

	entries, err := store.History().Between(ctx, now.Add(-time.Hour), now.Add(time.Hour))
	is.NoErr(err)
	is.Equal(len(entries), cycles)

	started := 0
	for _, e := range entries {
		if e.EventType == types.EventStarted {
			started++
			continue
		}
		is.Equal(e.EventType, types.EventUpdate)
	}

	is.Equal(started, 1)
	is.Equal(n.topics("emergency.started"), 1)
	is.Equal(n.topics("cutoff.changed"), 1)
}

func TestCycleLogsDoNotRepeatTheModuleKey(t *testing.T) {
	is, ctx, d, _, _ := setup(t, settings.Defaults())

	buf := &bytes.Buffer{}
	ctx = logging.NewContextWithLogger(ctx, zerolog.New(buf))

	_, err := d.IngestReading(ctx, reading("sensor-1", 95))
	is.NoErr(err)

	relayLogged := false

	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		line := scanner.Text()
		is.True(strings.Count(line, `"moduleID":`) <= 1)

		if strings.Contains(line, `"cutoffModuleID":"cutoff-1"`) {
			relayLogged = true
		}
	}

	is.True(relayLogged)
}

type testDriver struct {
	*driver
	mu    sync.Mutex
	clock time.Time
}

func (d *testDriver) advance(by time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = d.clock.Add(by)
}

func (d *testDriver) clockNow() time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

func setup(t *testing.T, s settings.Settings) (*is.I, context.Context, *testDriver, database.Datastore, *notifierStub) {
	is := is.New(t)
	ctx := context.Background()

	store, err := database.New(database.NewSQLiteConnector(zerolog.Logger{}))
	is.NoErr(err)
	t.Cleanup(func() { store.Close() })

	is.NoErr(store.Modules().Register(ctx, types.Module{
		ModuleID: "sensor-1",
		Kind:     "temperature",
		Triggers: map[string]types.TriggerRule{
			"temp": {Enabled: true, Condition: types.ConditionAbove, Threshold: 80},
		},
	}))
	is.NoErr(store.Modules().Register(ctx, types.Module{ModuleID: "cutoff-1", Kind: "relay", IsCutoffRelay: true}))

	_, err = store.Mappings().Upsert(ctx, "sensor-1", "cutoff-1")
	is.NoErr(err)

	sp, err := settings.NewProvider(s)
	is.NoErr(err)

	n := &notifierStub{}

	td := &testDriver{
		driver: New(store, sp, n, Config{}).(*driver),
		clock:  time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	td.driver.now = td.clockNow

	return is, ctx, td, store, n
}

func reading(moduleID string, temp float64) types.Reading {
	return types.Reading{
		ModuleID: moduleID,
		Fields:   map[string]any{"temp": temp},
	}
}

type notifierStub struct {
	mu       sync.Mutex
	entries  []types.ActivityLogged
	messages []activity.Message
}

func (n *notifierStub) Log(ctx context.Context, entry types.ActivityLogged) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.entries = append(n.entries, entry)
	return true
}

func (n *notifierStub) Notify(ctx context.Context, msg activity.Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
	return true
}

func (n *notifierStub) topics(name string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, m := range n.messages {
		if m.TopicName() == name {
			count++
		}
	}
	return count
}

func (n *notifierStub) logged(entryType string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	count := 0
	for _, e := range n.entries {
		if e.Type == entryType {
			count++
		}
	}
	return count
}

func (n *notifierStub) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages) + len(n.entries)
}
