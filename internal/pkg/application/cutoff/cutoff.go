package cutoff

import (
	"fmt"
	"sort"

	"github.com/diwise/iot-module-control/pkg/types"
	"github.com/samber/lo"
)

var (
	ErrCutoffModuleNotFound = fmt.Errorf("cutoff module not found")
	ErrSourceModuleNotFound = fmt.Errorf("source module not found")
	ErrNotCutoffRelay       = fmt.Errorf("module is not a cutoff relay")
)

// Policy decides how several alarming sources mapped to the same relay share it.
type Policy string

const (
	// PolicyShared keeps a relay active while any mapped source is alarmed.
	// Ownership stays with the first source until it clears and then passes
	// to the smallest remaining source id.
	PolicyShared Policy = "shared"
	// PolicyExclusive lets the first alarming source own the relay. When the
	// owner clears the relay is released, even if other sources still alarm,
	// and another source can claim it first in the following cycle.
	PolicyExclusive Policy = "exclusive"
)

const ManualTrigger = "manual"

func (p Policy) Valid() bool {
	return p == PolicyShared || p == PolicyExclusive
}

type Mutation struct {
	ModuleID      string
	Active        bool
	ActivatedBy   string
	ActiveSources []string
	// TriggeredBy is the source that caused the most recent change.
	TriggeredBy string
}

type relayState struct {
	active      bool
	activatedBy string
	sources     []string
	triggeredBy string
	// released is set when the owner let go of the relay in this pass
	released bool
}

func newRelayState(relay types.Module) *relayState {
	st := &relayState{
		active:      relay.CutoffActive,
		activatedBy: relay.ActivatedBy,
		sources:     append([]string{}, relay.ActiveSources...),
	}

	if !st.active {
		st.activatedBy = ""
		st.sources = []string{}
	} else if len(st.sources) == 0 && st.activatedBy != "" {
		st.sources = []string{st.activatedBy}
	}

	sort.Strings(st.sources)

	return st
}

func (st *relayState) equals(relay types.Module) bool {
	other := newRelayState(relay)
	return st.active == other.active &&
		st.activatedBy == other.activatedBy &&
		lo.Every(st.sources, other.sources) && len(st.sources) == len(other.sources)
}

func (st *relayState) applyExclusive(source string, alarmed bool) {
	switch {
	case alarmed && !st.active && !st.released:
		st.active = true
		st.activatedBy = source
		st.sources = []string{source}
		st.triggeredBy = source
	case !alarmed && st.active && st.activatedBy == source:
		st.active = false
		st.activatedBy = ""
		st.sources = []string{}
		st.triggeredBy = source
		st.released = true
	}
}

func (st *relayState) applyShared(source string, alarmed bool) {
	member := lo.Contains(st.sources, source)

	if alarmed && !member {
		st.sources = append(st.sources, source)
		sort.Strings(st.sources)
		st.triggeredBy = source
	} else if !alarmed && member {
		st.sources = lo.Without(st.sources, source)
		st.triggeredBy = source
	} else {
		return
	}

	st.elect()
}

func (st *relayState) elect() {
	st.active = len(st.sources) > 0

	if !st.active {
		st.activatedBy = ""
		return
	}

	if !lo.Contains(st.sources, st.activatedBy) {
		st.activatedBy = st.sources[0]
	}
}

// Reconcile derives relay mutations from the current alarm state. Mappings are
// processed in ascending source id order against the evolving relay state.
// Only relays whose resulting state differs from the registry get a mutation.
// A failing mapping is reported without affecting the others.
func Reconcile(modules []types.Module, mappings []types.CutoffMapping, alarmed map[string]bool, policy Policy) ([]Mutation, []error) {
	if !policy.Valid() {
		policy = PolicyShared
	}

	byID := lo.KeyBy(modules, func(m types.Module) string {
		return m.ModuleID
	})

	states := map[string]*relayState{}
	stateOf := func(relay types.Module) *relayState {
		st, ok := states[relay.ModuleID]
		if !ok {
			st = newRelayState(relay)
			states[relay.ModuleID] = st
		}
		return st
	}

	sorted := append([]types.CutoffMapping{}, mappings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SourceModuleID < sorted[j].SourceModuleID
	})

	var errs []error

	for _, mapping := range sorted {
		relay, ok := byID[mapping.CutoffModuleID]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s (mapped from %s)", ErrCutoffModuleNotFound, mapping.CutoffModuleID, mapping.SourceModuleID))
			continue
		}
		if !relay.IsCutoffRelay {
			errs = append(errs, fmt.Errorf("%w: %s (mapped from %s)", ErrNotCutoffRelay, mapping.CutoffModuleID, mapping.SourceModuleID))
			continue
		}
		if _, ok := byID[mapping.SourceModuleID]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s (mapped to %s)", ErrSourceModuleNotFound, mapping.SourceModuleID, mapping.CutoffModuleID))
			continue
		}

		st := stateOf(relay)
		if policy == PolicyExclusive {
			st.applyExclusive(mapping.SourceModuleID, alarmed[mapping.SourceModuleID])
		} else {
			st.applyShared(mapping.SourceModuleID, alarmed[mapping.SourceModuleID])
		}
	}

	if policy == PolicyShared {
		releaseUnmappedSources(modules, sorted, byID, alarmed, stateOf)
	}

	relayIDs := lo.Keys(states)
	sort.Strings(relayIDs)

	var mutations []Mutation

	for _, id := range relayIDs {
		st := states[id]
		if st.equals(byID[id]) {
			continue
		}

		mutations = append(mutations, Mutation{
			ModuleID:      id,
			Active:        st.active,
			ActivatedBy:   st.activatedBy,
			ActiveSources: st.sources,
			TriggeredBy:   st.triggeredBy,
		})
	}

	return mutations, errs
}

// releaseUnmappedSources drops sources that no longer map to a relay once they
// have stopped alarming. Ids that are not registered modules, such as manual
// activations, are kept.
func releaseUnmappedSources(modules []types.Module, mappings []types.CutoffMapping, byID map[string]types.Module, alarmed map[string]bool, stateOf func(types.Module) *relayState) {
	for _, relay := range modules {
		if !relay.IsCutoffRelay || !relay.CutoffActive {
			continue
		}

		st := stateOf(relay)

		for _, source := range append([]string{}, st.sources...) {
			if _, registered := byID[source]; !registered {
				continue
			}

			mapped := lo.ContainsBy(mappings, func(m types.CutoffMapping) bool {
				return m.SourceModuleID == source && m.CutoffModuleID == relay.ModuleID
			})

			if !mapped && !alarmed[source] {
				st.sources = lo.Without(st.sources, source)
				st.triggeredBy = source
				st.elect()
			}
		}
	}
}

// Actuate sets a relay by hand. The returned bool is false when the relay is
// already in the requested state.
func Actuate(relay types.Module, active bool, triggeredBy string) (Mutation, bool, error) {
	if !relay.IsCutoffRelay {
		return Mutation{}, false, fmt.Errorf("%w: %s", ErrNotCutoffRelay, relay.ModuleID)
	}

	if triggeredBy == "" {
		triggeredBy = ManualTrigger
	}

	st := newRelayState(relay)

	if active {
		if st.active {
			return Mutation{}, false, nil
		}
		st.active = true
		st.activatedBy = triggeredBy
		st.sources = []string{triggeredBy}
	} else {
		if !st.active {
			return Mutation{}, false, nil
		}
		st.active = false
		st.activatedBy = ""
		st.sources = []string{}
	}

	return Mutation{
		ModuleID:      relay.ModuleID,
		Active:        st.active,
		ActivatedBy:   st.activatedBy,
		ActiveSources: st.sources,
		TriggeredBy:   triggeredBy,
	}, true, nil
}

// Apply returns relay with mutation m applied.
func Apply(relay types.Module, m Mutation) types.Module {
	relay.CutoffActive = m.Active
	relay.ActivatedBy = m.ActivatedBy
	relay.ActiveSources = m.ActiveSources
	return relay
}
