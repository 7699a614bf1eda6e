// Package dispatch binds a (client, virtual service) pair to a backend,
// consulting flow memory, the scheduler, and the service manager, and
// driving concurrent deploys through a bounded worker pool.
package dispatch

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/flowmemory"
	"github.com/edgeflow/controller/internal/metrics"
	"github.com/edgeflow/controller/internal/schedule"
	"github.com/edgeflow/controller/internal/servicemgr"
	"github.com/edgeflow/controller/internal/topology"
)

// FlowSetupFunc installs the forward/return flows for a resolved
// backend. It is invoked either synchronously (memory hit, ready
// instance) or from a worker pool goroutine (deploy path); both cases
// must be safe to call from either.
type FlowSetupFunc func(edge *topology.Edge, inst *topology.ServiceInstance)

// Dispatcher is the single entry point the redirect table calls into.
type Dispatcher struct {
	Log     hclog.Logger
	Memory  *flowmemory.Memory
	Manager *servicemgr.Manager
	Metrics *metrics.Sink

	pool chan struct{} // bounded worker pool for async deploys

	mu           sync.Mutex
	clientSwitch map[addr.IPv4]addr.DPID // last known dpid a client was seen on
}

// New returns a Dispatcher with a worker pool bounded to poolSize
// concurrent async deploys.
func New(log hclog.Logger, mem *flowmemory.Memory, mgr *servicemgr.Manager, m *metrics.Sink, poolSize int) *Dispatcher {
	if poolSize < 1 {
		poolSize = 8
	}
	return &Dispatcher{
		Log:          log,
		Memory:       mem,
		Manager:      mgr,
		Metrics:      m,
		pool:         make(chan struct{}, poolSize),
		clientSwitch: make(map[addr.IPv4]addr.DPID),
	}
}

// Dispatch implements the eight-step algorithm: memory hit short-circuit,
// scheduler selection, and either an immediate callback (ready instance)
// or a cancel-safe async deploy. Returns false when there is no
// candidate edge at all, so the caller falls back to default forwarding.
func (d *Dispatcher) Dispatch(ctx context.Context, sw *topology.Switch, src, dst addr.Socket, setup FlowSetupFunc) bool {
	d.trackClientLocation(src.IP, sw.DPID)

	if entry, ok := d.Memory.GetFwd(src, dst); ok {
		if d.Metrics != nil {
			d.Metrics.DispatchHit()
		}
		setup(entry.Edge, nil)
		return true
	}
	if d.Metrics != nil {
		d.Metrics.DispatchMiss()
	}

	sw.SetVMac(dst.MAC)

	svc, avail := d.Manager.AvailServers(dst)
	if svc == nil {
		d.Log.Warn("dispatch: destination not in catalog", "dst", dst)
		return false
	}

	candidates := make([]schedule.Candidate, 0, len(avail))
	for _, a := range avail {
		candidates = append(candidates, schedule.Candidate{Edge: a.Edge, Deployed: a.Deployed, Ready: a.Ready})
	}

	sched, err := schedule.Lookup(schedulerNameFor(candidates))
	if err != nil {
		d.Log.Error("dispatch: scheduler lookup failed", "error", err)
		return false
	}
	edge, numDeployed, numReady := sched.Schedule(sw.DPID, candidates)

	if numReady {
		inst, ok := edge.Instance(svc.VAddr.IP)
		if !ok {
			d.Log.Warn("dispatch: scheduler reported ready edge with no instance", "edge", edge.IP)
			return false
		}
		d.Memory.Add(src, dst, edge)
		setup(edge, inst)
		return true
	}

	if edge == nil {
		return false
	}

	deployedCount := 0
	if numDeployed {
		deployedCount = 1
	}
	marker := d.Manager.BookDeployment(svc.VAddr, edge)
	waitOnly := marker != 0

	d.submitDeploy(ctx, svc, edge, deployedCount, waitOnly, src, dst, setup)
	return true
}

func schedulerNameFor(candidates []schedule.Candidate) string {
	for _, c := range candidates {
		if c.Edge.Scheduler != "" {
			return c.Edge.Scheduler
		}
	}
	return "ProximityScheduler"
}

// submitDeploy runs the deploy off the event thread. Completion failures
// are logged but never retried here - the spec's retry budget belongs
// entirely to servicemgr.Deploy.
func (d *Dispatcher) submitDeploy(ctx context.Context, svc *topology.Service, edge *topology.Edge, numDeployed int, waitOnly bool, src, dst addr.Socket, setup FlowSetupFunc) {
	d.pool <- struct{}{}
	go func() {
		defer func() { <-d.pool }()

		inst, err := d.Manager.Deploy(ctx, svc, edge, numDeployed, waitOnly)
		if err != nil {
			d.Log.Error("dispatch: deploy failed", "svc", svc.Label, "edge", edge.IP, "error", err)
			return
		}
		d.Memory.Add(src, dst, edge)
		setup(edge, inst)
	}()
}

func (d *Dispatcher) trackClientLocation(ip addr.IPv4, dpid addr.DPID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, seen := d.clientSwitch[ip]
	d.clientSwitch[ip] = dpid
	if seen && prev != dpid {
		d.Log.Info("client migrated between switches", "client", ip, "from", prev.Short(), "to", dpid.Short())
	}
}

// FindServiceID resolves the virtual-service identity for return traffic
// arriving from edge, via flow memory's return index keyed by
// (edge, src.ip). If the observed virtual MAC differs from the one
// stored on sw, the stored value is updated; per the preserved open
// question, this may mask a genuine client migration rather than a
// spurious re-observation, and is intentionally not treated as an error.
func (d *Dispatcher) FindServiceID(sw *topology.Switch, edge *topology.Edge, src addr.Socket, observedVMac addr.MAC) (*flowmemory.Entry, bool) {
	entry, ok := d.Memory.GetRet(edge, src.IP)
	if !ok {
		return nil, false
	}
	if sw.VMac().String() != observedVMac.String() {
		d.Log.Info("vMac drift observed", "switch", sw.DPID.Short(), "was", sw.VMac(), "now", observedVMac)
		sw.SetVMac(observedVMac)
	}
	return entry, true
}
