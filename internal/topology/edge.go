package topology

import (
	"sync"

	"github.com/edgeflow/controller/internal/addr"
)

// TargetMode selects which address family of a ServiceInstance an Edge
// routes traffic to.
type TargetMode string

const (
	TargetPod      TargetMode = "pod"
	TargetCluster  TargetMode = "cluster"
	TargetExposed  TargetMode = "exposed"
)

// ClusterHandle is the narrow, edge-scoped view of a Cluster adapter an
// Edge holds. It deliberately does not embed the Edge itself (breaking
// the Switch<->Edge<->Cluster reference cycle); an adapter that needs to
// identify its edge is handed an opaque id instead of the *Edge.
type ClusterHandle interface {
	ID() string
}

// Edge is one cluster attachment point behind a Switch.
type Edge struct {
	IP          addr.IPv4
	Switch      *Switch
	Target      TargetMode
	ServiceCIDR []string
	Cluster     ClusterHandle
	Scheduler   string // registry key; "" means the controller default

	mu        sync.RWMutex
	vServices map[addr.IPv4]*ServiceInstance // keyed by service vAddr IP
	eServices map[addr.IPv4]*ServiceInstance // keyed by the edge-selected address
}

// NewEdge returns an edge with empty instance maps.
func NewEdge(ip addr.IPv4, target TargetMode, cidrs []string) *Edge {
	return &Edge{
		IP:          ip,
		Target:      target,
		ServiceCIDR: cidrs,
		vServices:   make(map[addr.IPv4]*ServiceInstance),
		eServices:   make(map[addr.IPv4]*ServiceInstance),
	}
}

// Instance returns the registered instance for a service's vAddr IP, if
// any.
func (e *Edge) Instance(vAddrIP addr.IPv4) (*ServiceInstance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	si, ok := e.vServices[vAddrIP]
	return si, ok
}

// Register attaches si to this edge, indexed both by the service's
// vAddr and by si's edge-selected address. Event-thread-only writer.
func (e *Edge) Register(vAddrIP addr.IPv4, si *ServiceInstance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vServices[vAddrIP] = si
	if si.EAddr.IP != 0 {
		e.eServices[si.EAddr.IP] = si
	}
}

// InstanceByEAddr looks up an instance by the address selected for this
// edge's target mode (pod IP, cluster IP, or exposed IP).
func (e *Edge) InstanceByEAddr(ip addr.IPv4) (*ServiceInstance, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	si, ok := e.eServices[ip]
	return si, ok
}

// AllInstances returns a snapshot of every registered instance.
func (e *Edge) AllInstances() []*ServiceInstance {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*ServiceInstance, 0, len(e.vServices))
	for _, si := range e.vServices {
		out = append(out, si)
	}
	return out
}

func (e *Edge) ID() string {
	return e.IP.String()
}
