// Package topology holds the controller's view of the network: switches,
// their attached edges, and the services/instances bound to each edge.
// Types here are shared, mutable state; each Switch guards its own
// fields with its mutex.
package topology

import (
	"sync"

	"github.com/edgeflow/controller/internal/addr"
)

// Switch is one OpenFlow datapath the controller manages. Created at
// config load with Ports nil until the switch's feature reply arrives;
// never destroyed for the lifetime of the controller process.
type Switch struct {
	DPID    addr.DPID
	Gateway addr.IPv4
	Edges   []*Edge

	mu       sync.RWMutex
	ports    map[uint32]struct{}
	mac2port map[string]uint32
	hosts    map[addr.IPv4]addr.Host
	vMac     addr.MAC
}

// NewSwitch returns a switch with no ports yet known; SetPorts must be
// called once the feature reply is received before the switch is
// exposed to pipeline "connected" handlers.
func NewSwitch(dpid addr.DPID, gateway addr.IPv4) *Switch {
	return &Switch{
		DPID:     dpid,
		Gateway:  gateway,
		mac2port: make(map[string]uint32),
		hosts:    make(map[addr.IPv4]addr.Host),
	}
}

// SetPorts records the switch's port set from its feature reply. Only
// the event thread calls this.
func (s *Switch) SetPorts(ports []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ports = make(map[uint32]struct{}, len(ports))
	for _, p := range ports {
		s.ports[p] = struct{}{}
	}
}

// Ready reports whether the feature reply has been processed.
func (s *Switch) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ports != nil
}

// LearnMAC records the out-port for a MAC, as observed by the L2
// learner. Event-thread-only writer; readers may be off-thread.
func (s *Switch) LearnMAC(mac addr.MAC, port uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mac2port[mac.String()] = port
}

// PortFor returns the learned out-port for mac, if any.
func (s *Switch) PortFor(mac addr.MAC) (uint32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.mac2port[mac.String()]
	return p, ok
}

// LearnHost records an (ip, mac) pair observed by the ARP tracker.
func (s *Switch) LearnHost(h addr.Host) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts[h.IP] = h
}

// Host returns the learned host for ip, if any.
func (s *Switch) Host(ip addr.IPv4) (addr.Host, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.hosts[ip]
	return h, ok
}

// VMac returns the virtual-service MAC most recently observed on this
// switch.
func (s *Switch) VMac() addr.MAC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.vMac
}

// SetVMac records the virtual-service MAC observed on this switch. The
// dispatcher sets it on every dispatch that misses flow memory,
// regardless of whether the mac changed; FindServiceID sets it when the
// observed mac differs from the recorded one.
func (s *Switch) SetVMac(mac addr.MAC) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vMac = mac
}

// AddEdge attaches an edge to this switch.
func (s *Switch) AddEdge(e *Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e.Switch = s
	s.Edges = append(s.Edges, e)
}
