// Package openflow declares the OpenFlow v1.3 consumer contract the
// controller speaks against. It deliberately does not implement wire
// encoding or datapath event delivery — those belong to the transport
// library this package's types describe the boundary of.
package openflow

import (
	"github.com/edgeflow/controller/internal/addr"
)

// MaxPriority is the highest flow priority the controller ever installs.
const MaxPriority = 65535

// NoBuffer is the sentinel buffer id meaning the switch did not buffer
// the triggering packet; a PacketOut for such a packet must carry Data.
const NoBuffer = 0xffffffff

// Category tags a FlowMod's cookie with which table installed it, so
// FlowRemoved statistics can be accounted by class.
type Category uint8

const (
	CategoryDetect Category = iota
	CategoryRedirect
)

// Subcategory further distinguishes flows within a Category.
type Subcategory uint8

const (
	SubcategoryEdge Subcategory = iota
	SubcategoryDefault
)

// Cookie packs a Category and Subcategory into the 64-bit cookie field
// every FlowMod this controller installs carries.
func Cookie(cat Category, sub Subcategory) uint64 {
	return uint64(cat)<<8 | uint64(sub)
}

// SplitCookie reverses Cookie, for FlowRemoved accounting.
func SplitCookie(cookie uint64) (Category, Subcategory) {
	return Category(cookie >> 8), Subcategory(cookie & 0xff)
}

// Match is a subset of the OpenFlow 1.3 match fields this controller
// ever sets. Zero-value fields are wildcards, except where a Mask is
// given, in which case the field participates with that mask.
type Match struct {
	InPort      uint32
	EthDst      addr.MAC
	EthSrc      addr.MAC
	IPProto     uint8 // 6=TCP, 17=UDP
	IPv4Src     addr.IPv4
	IPv4SrcMask addr.IPv4 // 0 means exact match when IPv4Src is set
	IPv4Dst     addr.IPv4
	IPv4DstMask addr.IPv4 // 0 means exact match when IPv4Dst is set
	L4Src       uint16
	L4Dst       uint16
}

// ActionKind enumerates the apply-actions this controller issues.
type ActionKind uint8

const (
	ActionSetEthDst ActionKind = iota
	ActionSetEthSrc
	ActionSetIPv4Dst
	ActionSetIPv4Src
	ActionSetL4Dst
	ActionSetL4Src
	ActionOutput
	ActionGotoTable
)

// Action is one apply-actions or goto-table instruction.
type Action struct {
	Kind    ActionKind
	MAC     addr.MAC
	IP      addr.IPv4
	Port    uint16
	OutPort uint32
	Table   uint8
}

// FlowMod is the message this controller sends to program a table.
type FlowMod struct {
	TableID     uint8
	Priority    uint16
	Cookie      uint64
	IdleTimeout uint16
	Match       Match
	Actions     []Action
}

// PacketOut re-emits a (possibly modified) packet, either by buffer id
// or by carrying the raw bytes when Buffer == NoBuffer.
type PacketOut struct {
	Buffer  uint32
	InPort  uint32
	Actions []Action
	Data    []byte
}

// BarrierRequest asks the switch to confirm every preceding message has
// been applied before the controller proceeds.
type BarrierRequest struct{}

// BarrierReply is the switch's acknowledgement of a BarrierRequest.
type BarrierReply struct{}

// PacketIn is a packet the switch could not match and forwarded to the
// controller.
type PacketIn struct {
	TableID  uint8
	Match    Match
	Data     []byte
	InPort   uint32
	Buffer   uint32
	TotalLen uint16
}

// RemovedReason enumerates why a switch retired a flow entry.
type RemovedReason uint8

const (
	ReasonIdleTimeout RemovedReason = iota
	ReasonHardTimeout
	ReasonDelete
	ReasonGroupDelete
)

// FlowRemoved reports statistics for a retired flow entry.
type FlowRemoved struct {
	Reason      RemovedReason
	Cookie      uint64
	TableID     uint8
	DurationSec uint32
	PacketCount uint64
	ByteCount   uint64
}

// SwitchFeatures is the reply to a features request, carrying the
// switch's datapath id.
type SwitchFeatures struct {
	DPID addr.DPID
}

// EventDP reports the current port list for a datapath.
type EventDP struct {
	DPID  addr.DPID
	Ports []uint32
}
