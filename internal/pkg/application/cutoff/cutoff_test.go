package cutoff

import (
	"errors"
	"testing"

	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/matryer/is"
)

func TestAlarmedSourceActivatesRelay(t *testing.T) {
	is := is.New(t)

	for _, policy := range []Policy{PolicyShared, PolicyExclusive} {
		modules := []types.Module{sensorModule("sensor-1"), relayModule("cutoff-1")}
		mappings := []types.CutoffMapping{mapping("sensor-1", "cutoff-1")}

		mutations, errs := Reconcile(modules, mappings, alarms("sensor-1"), policy)
		is.Equal(len(errs), 0)
		is.Equal(len(mutations), 1)
		is.Equal(mutations[0].ModuleID, "cutoff-1")
		is.True(mutations[0].Active)
		is.Equal(mutations[0].ActivatedBy, "sensor-1")
		is.Equal(mutations[0].TriggeredBy, "sensor-1")
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	is := is.New(t)

	for _, policy := range []Policy{PolicyShared, PolicyExclusive} {
		modules := []types.Module{sensorModule("sensor-1"), sensorModule("sensor-2"), relayModule("cutoff-1")}
		mappings := []types.CutoffMapping{mapping("sensor-1", "cutoff-1"), mapping("sensor-2", "cutoff-1")}
		alarmed := alarms("sensor-1", "sensor-2")

		mutations, _ := Reconcile(modules, mappings, alarmed, policy)
		is.Equal(len(mutations), 1)
		modules = apply(modules, mutations)

		mutations, _ = Reconcile(modules, mappings, alarmed, policy)
		is.Equal(len(mutations), 0) // nothing changed, nothing to do
	}
}

func TestNotAlarmedOwnerDeactivatesRelay(t *testing.T) {
	is := is.New(t)

	for _, policy := range []Policy{PolicyShared, PolicyExclusive} {
		relay := relayModule("cutoff-1")
		relay.CutoffActive = true
		relay.ActivatedBy = "sensor-1"

		modules := []types.Module{sensorModule("sensor-1"), relay}
		mappings := []types.CutoffMapping{mapping("sensor-1", "cutoff-1")}

		mutations, _ := Reconcile(modules, mappings, alarms(), policy)
		is.Equal(len(mutations), 1)
		is.True(!mutations[0].Active)
		is.Equal(mutations[0].ActivatedBy, "")
		is.Equal(len(mutations[0].ActiveSources), 0)
	}
}

func TestExclusiveOwnershipIsNotReassigned(t *testing.T) {
	is := is.New(t)

	modules := []types.Module{sensorModule("A"), sensorModule("B"), relayModule("C")}
	mappings := []types.CutoffMapping{mapping("A", "C"), mapping("B", "C")}

	mutations, _ := Reconcile(modules, mappings, alarms("A"), PolicyExclusive)
	is.Equal(mutations[0].ActivatedBy, "A")
	modules = apply(modules, mutations)

	mutations, _ = Reconcile(modules, mappings, alarms("A", "B"), PolicyExclusive)
	is.Equal(len(mutations), 0)

	mutations, _ = Reconcile(modules, mappings, alarms("B"), PolicyExclusive)
	is.Equal(len(mutations), 1)
	is.True(!mutations[0].Active)
}

func TestExclusiveOwnerClearingReleasesRelayRegardlessOfIDOrder(t *testing.T) {
	is := is.New(t)

	for _, ids := range [][2]string{{"sensor-a", "sensor-b"}, {"sensor-b", "sensor-a"}} {
		owner, other := ids[0], ids[1]

		relay := relayModule("C")
		relay.CutoffActive = true
		relay.ActivatedBy = owner

		modules := []types.Module{sensorModule("sensor-a"), sensorModule("sensor-b"), relay}
		mappings := []types.CutoffMapping{mapping("sensor-a", "C"), mapping("sensor-b", "C")}

		mutations, _ := Reconcile(modules, mappings, alarms(other), PolicyExclusive)
		is.Equal(len(mutations), 1)
		is.True(!mutations[0].Active)
		is.Equal(mutations[0].TriggeredBy, owner)
		modules = apply(modules, mutations)

		mutations, _ = Reconcile(modules, mappings, alarms(other), PolicyExclusive)
		is.Equal(len(mutations), 1)
		is.True(mutations[0].Active)
		is.Equal(mutations[0].ActivatedBy, other)
	}
}

func TestSharedRelayStaysActiveWhileAnySourceAlarms(t *testing.T) {
	is := is.New(t)

	modules := []types.Module{sensorModule("B"), sensorModule("A"), relayModule("C")}
	mappings := []types.CutoffMapping{mapping("B", "C"), mapping("A", "C")}

	mutations, _ := Reconcile(modules, mappings, alarms("B"), PolicyShared)
	is.Equal(mutations[0].ActivatedBy, "B")
	modules = apply(modules, mutations)

	mutations, _ = Reconcile(modules, mappings, alarms("A", "B"), PolicyShared)
	is.Equal(len(mutations), 1)
	is.True(mutations[0].Active)
	is.Equal(mutations[0].ActivatedBy, "B") // first source keeps ownership
	is.Equal(mutations[0].ActiveSources, []string{"A", "B"})
	modules = apply(modules, mutations)

	mutations, _ = Reconcile(modules, mappings, alarms("A"), PolicyShared)
	is.Equal(len(mutations), 1)
	is.True(mutations[0].Active)
	is.Equal(mutations[0].ActivatedBy, "A")
	is.Equal(mutations[0].ActiveSources, []string{"A"})
	modules = apply(modules, mutations)

	mutations, _ = Reconcile(modules, mappings, alarms(), PolicyShared)
	is.Equal(len(mutations), 1)
	is.True(!mutations[0].Active)
	is.Equal(mutations[0].ActivatedBy, "")
}

func TestFailingMappingDoesNotAbortOthers(t *testing.T) {
	is := is.New(t)

	modules := []types.Module{sensorModule("sensor-1"), sensorModule("sensor-2"), sensorModule("sensor-3"), relayModule("cutoff-2")}
	mappings := []types.CutoffMapping{
		mapping("sensor-1", "missing"),
		mapping("sensor-2", "cutoff-2"),
		mapping("sensor-3", "sensor-1"),
		mapping("ghost", "cutoff-2"),
	}

	mutations, errs := Reconcile(modules, mappings, alarms("sensor-1", "sensor-2", "sensor-3"), PolicyShared)

	is.Equal(len(mutations), 1)
	is.Equal(mutations[0].ModuleID, "cutoff-2")
	is.Equal(len(errs), 3)
	is.True(errors.Is(errs[0], ErrSourceModuleNotFound))
	is.True(errors.Is(errs[1], ErrCutoffModuleNotFound))
	is.True(errors.Is(errs[2], ErrNotCutoffRelay))
}

func TestRemovedMappingDoesNotForceDeactivation(t *testing.T) {
	is := is.New(t)

	for _, policy := range []Policy{PolicyShared, PolicyExclusive} {
		relay := relayModule("cutoff-1")
		relay.CutoffActive = true
		relay.ActivatedBy = "sensor-1"
		relay.ActiveSources = []string{"sensor-1"}

		modules := []types.Module{sensorModule("sensor-1"), relay}

		mutations, _ := Reconcile(modules, nil, alarms("sensor-1"), policy)
		is.Equal(len(mutations), 0)
	}
}

func TestSharedReleasesUnmappedSourceOnceCleared(t *testing.T) {
	is := is.New(t)

	relay := relayModule("cutoff-1")
	relay.CutoffActive = true
	relay.ActivatedBy = "sensor-1"
	relay.ActiveSources = []string{"sensor-1"}

	modules := []types.Module{sensorModule("sensor-1"), relay}

	mutations, _ := Reconcile(modules, nil, alarms(), PolicyShared)
	is.Equal(len(mutations), 1)
	is.True(!mutations[0].Active)

	mutations, _ = Reconcile(modules, nil, alarms(), PolicyExclusive)
	is.Equal(len(mutations), 0)
}

func TestManualActuation(t *testing.T) {
	is := is.New(t)

	relay := relayModule("cutoff-1")

	m, changed, err := Actuate(relay, true, "")
	is.NoErr(err)
	is.True(changed)
	is.Equal(m.ActivatedBy, ManualTrigger)
	relay = Apply(relay, m)

	_, changed, err = Actuate(relay, true, "operator")
	is.NoErr(err)
	is.True(!changed)

	// a manual activation is not released by a source that is not alarmed
	modules := []types.Module{sensorModule("sensor-1"), relay}
	mutations, _ := Reconcile(modules, []types.CutoffMapping{mapping("sensor-1", "cutoff-1")}, alarms(), PolicyShared)
	is.Equal(len(mutations), 0)

	m, changed, err = Actuate(relay, false, "")
	is.NoErr(err)
	is.True(changed)
	is.True(!m.Active)

	_, _, err = Actuate(sensorModule("sensor-1"), true, "")
	is.True(errors.Is(err, ErrNotCutoffRelay))
}

func sensorModule(id string) types.Module {
	return types.Module{ModuleID: id, Kind: "temperature"}
}

func relayModule(id string) types.Module {
	return types.Module{ModuleID: id, Kind: "relay", IsCutoffRelay: true}
}

func mapping(source, cutoff string) types.CutoffMapping {
	return types.CutoffMapping{SourceModuleID: source, CutoffModuleID: cutoff}
}

func alarms(ids ...string) map[string]bool {
	m := map[string]bool{}
	for _, id := range ids {
		m[id] = true
	}
	return m
}

func apply(modules []types.Module, mutations []Mutation) []types.Module {
	out := make([]types.Module, 0, len(modules))
	for _, mod := range modules {
		for _, m := range mutations {
			if m.ModuleID == mod.ModuleID {
				mod = Apply(mod, m)
			}
		}
		out = append(out, mod)
	}
	return out
}
