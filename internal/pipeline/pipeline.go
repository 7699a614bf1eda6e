// Package pipeline implements the four-table flow program: pre-select,
// detect, edge-redirect, and L2 default forwarding. It translates
// catalog/dispatcher decisions into the openflow message types, but
// never speaks the wire protocol itself.
package pipeline

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/edgeflow/controller/internal/addr"
	"github.com/edgeflow/controller/internal/catalog"
	"github.com/edgeflow/controller/internal/dispatch"
	"github.com/edgeflow/controller/internal/openflow"
	"github.com/edgeflow/controller/internal/servicemgr"
	"github.com/edgeflow/controller/internal/topology"
)

const (
	T0PreSelect  uint8 = 0
	T1Detect     uint8 = 1
	T2Redirect   uint8 = 2
	T3L2Default  uint8 = 3

	priorityHigh    = 1000
	priorityMedium  = 500
	priorityDefault = 1
)

const (
	protoTCP = 6
	protoUDP = 17
)

// Pipeline wires the four tables to the catalog, the dispatcher, and the
// service manager's edge topology.
type Pipeline struct {
	Log        hclog.Logger
	Catalog    *catalog.Trie
	Dispatcher *dispatch.Dispatcher
	Manager    *servicemgr.Manager

	FlowIdleTimeout time.Duration
	UseUniquePrefix bool
	UseUniqueMask   bool
}

// InstallPreSelect returns the T0 static rules installed once per switch
// connect: private-sourced TCP/UDP traffic proceeds to detection,
// everything else heads straight to L2 forwarding.
func (p *Pipeline) InstallPreSelect(sw *topology.Switch) []openflow.FlowMod {
	var mods []openflow.FlowMod
	mask := sw.Gateway.PrivateMask()
	for _, proto := range []uint8{protoTCP, protoUDP} {
		mods = append(mods, openflow.FlowMod{
			TableID:  T0PreSelect,
			Priority: priorityMedium,
			Cookie:   openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryDefault),
			Match: openflow.Match{
				IPProto:     proto,
				IPv4Src:     sw.Gateway,
				IPv4SrcMask: mask,
			},
			Actions: []openflow.Action{{Kind: openflow.ActionGotoTable, Table: T1Detect}},
		})
	}
	// Table-miss: anything not matched above goes straight to L2.
	mods = append(mods, openflow.FlowMod{
		TableID:  T0PreSelect,
		Priority: priorityDefault,
		Cookie:   openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryDefault),
		Actions:  []openflow.Action{{Kind: openflow.ActionGotoTable, Table: T3L2Default}},
	})
	return mods
}

// InstallDetectProactive returns the T1 static rules installed once per
// switch connect: return traffic from a locally served edge's CIDR goes
// to the redirect table for reverse rewrite; other traffic to a private
// destination is internal, not a service call, and goes to L2; anything
// else falls through to the controller for reactive classification.
func (p *Pipeline) InstallDetectProactive(sw *topology.Switch) []openflow.FlowMod {
	var mods []openflow.FlowMod
	for _, edge := range sw.Edges {
		for _, cidr := range edge.ServiceCIDR {
			network, mask, err := addr.CIDRNetwork(cidr)
			if err != nil {
				p.Log.Warn("invalid serviceCidr, skipping", "edge", edge.IP, "cidr", cidr, "error", err)
				continue
			}
			mods = append(mods, openflow.FlowMod{
				TableID:  T1Detect,
				Priority: priorityHigh,
				Cookie:   openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryEdge),
				Match: openflow.Match{
					IPv4Src:     network,
					IPv4SrcMask: mask,
					IPv4Dst:     sw.Gateway,
					IPv4DstMask: sw.Gateway.PrivateMask(),
				},
				Actions: []openflow.Action{{Kind: openflow.ActionGotoTable, Table: T2Redirect}},
			})
		}
	}
	mods = append(mods, openflow.FlowMod{
		TableID:  T1Detect,
		Priority: priorityMedium,
		Cookie:   openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryDefault),
		Match: openflow.Match{
			IPv4Dst:     sw.Gateway,
			IPv4DstMask: sw.Gateway.PrivateMask(),
		},
		Actions: []openflow.Action{{Kind: openflow.ActionGotoTable, Table: T3L2Default}},
	})
	// Fallthrough (priorityDefault, no match fields set, output to
	// controller) has no edge-specific content and is appended by
	// controllershell.Shell.OnSwitchConnected.
	return mods
}

// DetectResult is what HandleDetect decided for one packet-in.
type DetectResult struct {
	FlowMod   *openflow.FlowMod
	PacketOut *openflow.PacketOut
	IsEdge    bool
}

// HandleDetect implements the reactive half of the detect table: if the
// destination is a known service, install an exact-match redirect rule
// with idle timeout and flag the event for immediate edge-redirect
// processing; otherwise install the broadest default-traffic rule the
// catalog's unique-prefix query allows.
func (p *Pipeline) HandleDetect(src, dst addr.Socket, pi openflow.PacketIn) DetectResult {
	if p.Catalog.Contains(dst) {
		return DetectResult{
			FlowMod: &openflow.FlowMod{
				TableID:     T1Detect,
				Priority:    openflow.MaxPriority,
				Cookie:      openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryEdge),
				IdleTimeout: uint16(p.FlowIdleTimeout.Seconds()),
				Match: openflow.Match{
					IPv4Dst: dst.IP,
					L4Dst:   dst.Port,
				},
				Actions: []openflow.Action{{Kind: openflow.ActionGotoTable, Table: T2Redirect}},
			},
			PacketOut: &openflow.PacketOut{Buffer: pi.Buffer, InPort: pi.InPort, Data: pi.Data},
			IsEdge:    true,
		}
	}

	mask := p.defaultTrafficMask(dst.IP)
	match := openflow.Match{IPv4Dst: dst.IP, IPv4DstMask: mask}
	if mask == 0xFFFFFFFF {
		// ip is fully unique: safe to also pin dst.port, so a port scan
		// on a genuinely unique IP cannot be mistaken for service
		// traffic on a different port of that same IP.
		match.L4Dst = dst.Port
	}

	return DetectResult{
		FlowMod: &openflow.FlowMod{
			TableID:  T1Detect,
			Priority: priorityMedium - 1,
			Cookie:   openflow.Cookie(openflow.CategoryDetect, openflow.SubcategoryDefault),
			Match:    match,
			Actions:  []openflow.Action{{Kind: openflow.ActionGotoTable, Table: T3L2Default}},
		},
		PacketOut: &openflow.PacketOut{Buffer: pi.Buffer, InPort: pi.InPort, Data: pi.Data},
	}
}

// defaultTrafficMask builds the sparse OpenFlow mask described in
// section 4.1: the catalog's uniquePrefix/prefixes output identifies the
// ancestor branch bits that must stay fixed to avoid colliding with any
// service entry, so the mask OR-s in (1 << (32-p)) for every such bit
// plus the final distinguishing bit n.
func (p *Pipeline) defaultTrafficMask(ip addr.IPv4) addr.IPv4 {
	if !p.UseUniquePrefix {
		return 0xFFFFFFFF // exact match fallback when disabled
	}
	n, prefixes := p.Catalog.UniquePrefix(ip)
	if n > 32 {
		// ip is itself a catalog IP (reached for a port that is not a
		// service): exact match, so HandleDetect also pins the port.
		return 0xFFFFFFFF
	}
	var mask uint32
	if p.UseUniqueMask {
		for _, pos := range prefixes {
			mask |= 1 << uint(32-pos)
		}
	}
	mask |= 1 << uint(32-n)
	return addr.IPv4(mask)
}

// RedirectResult is what HandleRedirect decided for one T2 packet-in.
type RedirectResult struct {
	Forward   *openflow.FlowMod
	Return    *openflow.FlowMod
	PacketOut *openflow.PacketOut
	Fallback  bool // true: install default-to-L2 forwarding instead
}

// HandleRedirect implements the edge-redirect table: service traffic
// triggers a dispatch; a successful dispatch yields both the forward
// rewrite-and-output flow and the proactively-installed return rewrite
// flow. A dispatch miss (no candidate edge) falls back to default
// forwarding for this packet only.
func (p *Pipeline) HandleRedirect(ctx context.Context, sw *topology.Switch, src, dst addr.Socket, pi openflow.PacketIn) RedirectResult {
	if !p.Catalog.Contains(dst) {
		return RedirectResult{Fallback: true}
	}

	var result RedirectResult
	ok := p.Dispatcher.Dispatch(ctx, sw, src, dst, func(edge *topology.Edge, inst *topology.ServiceInstance) {
		if inst == nil {
			return // memory-hit path: flows already installed previously
		}
		// inst.EAddr carries no MAC of its own (SelectEAddr only ever
		// fills in ip:port); the backend's MAC comes from the switch's
		// ARP-learned host table instead.
		edgeHost, _ := sw.Host(inst.EAddr.IP)
		outPort, _ := sw.PortFor(edgeHost.MAC)

		result.Forward = &openflow.FlowMod{
			TableID:  T2Redirect,
			Priority: priorityHigh,
			Cookie:   openflow.Cookie(openflow.CategoryRedirect, openflow.SubcategoryEdge),
			Match: openflow.Match{
				IPv4Src: src.IP,
				IPv4Dst: dst.IP,
				L4Dst:   dst.Port,
			},
			Actions: []openflow.Action{
				{Kind: openflow.ActionSetEthDst, MAC: edgeHost.MAC},
				{Kind: openflow.ActionSetIPv4Dst, IP: inst.EAddr.IP},
				{Kind: openflow.ActionSetL4Dst, Port: inst.EAddr.Port},
				{Kind: openflow.ActionOutput, OutPort: outPort},
			},
		}
		result.Return = &openflow.FlowMod{
			TableID:  T2Redirect,
			Priority: priorityHigh,
			Cookie:   openflow.Cookie(openflow.CategoryRedirect, openflow.SubcategoryEdge),
			Match: openflow.Match{
				IPv4Src: inst.EAddr.IP,
				L4Src:   inst.EAddr.Port,
				IPv4Dst: src.IP,
			},
			Actions: []openflow.Action{
				{Kind: openflow.ActionSetEthSrc, MAC: dst.MAC},
				{Kind: openflow.ActionSetIPv4Src, IP: dst.IP},
				{Kind: openflow.ActionSetL4Src, Port: dst.Port},
				{Kind: openflow.ActionOutput, OutPort: pi.InPort},
			},
		}
		result.PacketOut = &openflow.PacketOut{Buffer: pi.Buffer, InPort: pi.InPort, Data: pi.Data}
	})

	if !ok {
		return RedirectResult{Fallback: true}
	}
	return result
}
