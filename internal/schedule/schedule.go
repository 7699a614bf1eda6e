// Package schedule chooses which edge should serve a dispatch, given the
// candidate edges' current deployment/readiness state.
package schedule

import (
	"fmt"
	"sync"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/topology"
)

// Candidate is one edge's availability as reported by the service
// manager's availServers.
type Candidate struct {
	Edge     *topology.Edge
	Deployed bool
	Ready    bool
}

// Scheduler picks a winner among candidates for a dispatch on the given
// switch. Implementations register themselves by name via Register so
// the controller shell can select one per switch/edge from config,
// replacing the original's dynamic-class-loading mechanism with an
// explicit lookup table.
type Scheduler interface {
	Schedule(dpid addr.DPID, candidates []Candidate) (edge *topology.Edge, deployed, ready bool)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Scheduler{}
)

// Register adds a scheduler under name. Called from init() by each
// scheduler implementation.
func Register(name string, s Scheduler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = s
}

// Lookup returns the scheduler registered under name.
func Lookup(name string) (Scheduler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("schedule: no scheduler registered under %q", name)
	}
	return s, nil
}

func init() {
	Register("ProximityScheduler", Proximity{})
}

// Proximity is the default scheduler: it prefers a ready edge over a
// merely-deployed one over any edge at all, and within each tier prefers
// the edge attached to the switch the request arrived on. Ties are
// broken by input order.
type Proximity struct{}

func (Proximity) Schedule(dpid addr.DPID, candidates []Candidate) (*topology.Edge, bool, bool) {
	if len(candidates) == 0 {
		return nil, false, false
	}

	pick := func(pred func(Candidate) bool) (Candidate, bool) {
		var localMatch, anyMatch Candidate
		haveLocal, haveAny := false, false
		for _, c := range candidates {
			if !pred(c) {
				continue
			}
			if !haveAny {
				anyMatch = c
				haveAny = true
			}
			if !haveLocal && c.Edge.Switch != nil && c.Edge.Switch.DPID == dpid {
				localMatch = c
				haveLocal = true
			}
		}
		if haveLocal {
			return localMatch, true
		}
		return anyMatch, haveAny
	}

	if c, ok := pick(func(c Candidate) bool { return c.Ready }); ok {
		return c.Edge, c.Deployed, c.Ready
	}
	if c, ok := pick(func(c Candidate) bool { return c.Deployed }); ok {
		return c.Edge, c.Deployed, c.Ready
	}
	if c, ok := pick(func(Candidate) bool { return true }); ok {
		return c.Edge, c.Deployed, c.Ready
	}
	return nil, false, false
}
