/*
Package efx is the control interface to the match-action engine (MAE)
of the NIC. Match and action specifications are built CPU-side by this
package; resource allocation, rule installation, counters and the
counter telemetry stream go through the opaque Device handle.
*/
package efx

import "errors"

// ResourceID identifies a firmware-resident MAE object (outer rule,
// encap. header, action set or action rule).
type ResourceID uint32

// CounterID identifies a firmware counter.
type CounterID uint32

const (
	ResourceIDInvalid ResourceID = 0xffffffff
	CounterIDInvalid  CounterID  = 0xffffffff
)

// Mport is an opaque traffic source / delivery selector.
type Mport uint32

type TunnelType int

const (
	TunnelNone TunnelType = iota
	TunnelVXLAN
	TunnelGeneve
	TunnelNVGRE
)

func (self TunnelType) String() string {
	switch self {
	case TunnelNone:
		return "none"
	case TunnelVXLAN:
		return "vxlan"
	case TunnelGeneve:
		return "geneve"
	case TunnelNVGRE:
		return "nvgre"
	}
	return "unknown"
}

// Limits carries the MAE capabilities advertised by the device.
type Limits struct {
	MaxOuterPrios        uint32
	MaxActionPrios       uint32
	EncapTypesSupported  uint32 // bitmask of 1<<TunnelType
	MaxCounters          uint32
	EncapHeaderSizeLimit int
}

// NicConfig is the slice of static NIC configuration this engine needs.
type NicConfig struct {
	PF           uint32
	VF           uint32
	AssignedPort uint32
	MAESupported bool
}

const PCIVFInvalid = 0xffffffff

// CounterPacket is one buffer delivered by the counter telemetry
// stream. Generation is taken from the receive prefix of the buffer.
// Frags is the scatter list; well-formed counter packets are single
// fragment.
type CounterPacket struct {
	Generation uint32
	Frags      [][]byte
}

// ErrAlreadyRemoved is returned by ActionRuleRemove when the rule is
// gone already, e.g. removed by the firmware on reset.
var ErrAlreadyRemoved = errors.New("efx: rule already removed")

// Stream start output flags.
const (
	CountersStreamOutUsesCredits uint32 = 1 << 0
)

// Device is the opaque control handle to the NIC. Every call either
// fully succeeds or fully fails. Implementations are not required to
// be safe for concurrent use; the engine serializes all calls except
// CountersStreamGiveCredits, which is invoked from the telemetry path.
type Device interface {
	NicConfig() NicConfig
	Limits() Limits

	// MatchSpecIsValid tells whether the firmware can back every
	// field/mask combination of the spec.
	MatchSpecIsValid(spec *MatchSpec) bool

	OuterRuleInsert(spec *MatchSpec, encap TunnelType) (ResourceID, error)
	OuterRuleRemove(id ResourceID) error

	EncapHeaderAlloc(encap TunnelType, header []byte) (ResourceID, error)
	EncapHeaderFree(id ResourceID) error

	ActionSetAlloc(spec *ActionSpec) (ResourceID, error)
	ActionSetFree(id ResourceID) error

	ActionRuleInsert(match *MatchSpec, actionSet ResourceID) (ResourceID, error)
	ActionRuleRemove(id ResourceID) error

	// CounterAlloc returns the counter ID and the generation count
	// the telemetry stream will tag updates of this allocation with.
	CounterAlloc() (CounterID, uint32, error)
	CounterFree(id CounterID) error

	CountersStreamStart(packetSize uint16, flagsIn uint32) (<-chan CounterPacket, uint32, error)
	CountersStreamStop() error
	CountersStreamGiveCredits(n uint32) error

	MportByPhyPort(index uint32) (Mport, error)
	MportByPCIeFunction(pf, vf uint32) (Mport, error)
	MportBySwitchPort(portID uint32) (Mport, error)
}
