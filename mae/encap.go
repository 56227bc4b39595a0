package mae

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"github.com/okt-denispr/cns-dpdk-next-sfc/efx"
)

// bounceEH is the staging buffer for an encapsulation header under
// construction. Once the action list has been compiled the contents
// are either matched against an existing registry entry or copied
// into a new one.
type bounceEH struct {
	encapType efx.TunnelType
	buf       []byte
	size      int
}

func newBounceEH(sizeLimit int) *bounceEH {
	return &bounceEH{buf: make([]byte, sizeLimit)}
}

func (self *bounceEH) invalidate() {
	self.encapType = efx.TunnelNone
	self.size = 0
}

func itemExpBit(typ ItemType) uint {
	return 1 << uint(typ)
}

// ruleParseActionVxlanEncap renders the header template into the
// bounce buffer. The template must describe the full provisional
// header, outermost items going first:
// ETH [VLAN [VLAN]] (IPV4|IPV6) UDP VXLAN.
//
// Fields which the template leaves unmasked get defaults suitable for
// a tunnel header. The NIC updates lengths and the IPv4 checksum on
// transmit; the UDP checksum is sent as zero.
func (self *Adapter) ruleParseActionVxlanEncap(template []Item, spec *efx.ActionSpec) error {
	bounce := self.bounceEH

	if template == nil {
		return fmt.Errorf("the encap. header definition is missing")
	}

	bounce.encapType = efx.TunnelVXLAN

	type parsedItem struct {
		item *Item
		size int
	}
	var parsed []parsedItem

	var (
		eth        *layers.Ethernet
		dot1qs     []*layers.Dot1Q
		ip4        *layers.IPv4
		ip6        *layers.IPv6
		udp        *layers.UDP
		vx         *layers.VXLAN
		nbVlanTags int
	)

	totalSize := 0
	expItems := itemExpBit(ItemTypeEth)

	for i := range template {
		item := &template[i]
		if item.Type == ItemTypeVoid {
			continue
		}

		if item.Spec == nil {
			return fmt.Errorf("no spec in the encap. header item %s", item.Type)
		}
		if item.Mask == nil {
			return fmt.Errorf("no mask in the encap. header item %s", item.Type)
		}
		if item.Last != nil {
			return fmt.Errorf("ranges are not allowed in the encap. header item %s", item.Type)
		}

		if expItems&itemExpBit(item.Type) == 0 {
			return fmt.Errorf("unexpected item %s in the encap. header", item.Type)
		}

		size := itemLayoutSize(item.Type)
		if size == 0 {
			return fmt.Errorf("unknown item %s in the encap. header", item.Type)
		}
		if len(item.Spec) != size || len(item.Mask) != size {
			return fmt.Errorf("malformed item %s in the encap. header", item.Type)
		}
		if size%2 != 0 {
			return fmt.Errorf("odd layer size in the encap. header")
		}
		if totalSize+size > len(bounce.buf) {
			return fmt.Errorf("the encap. header is too big")
		}

		switch item.Type {
		case ItemTypeEth:
			eth = &layers.Ethernet{
				DstMAC:       net.HardwareAddr(append([]byte(nil), item.Spec[0:6]...)),
				SrcMAC:       net.HardwareAddr(append([]byte(nil), item.Spec[6:12]...)),
				EthernetType: layers.EthernetType(binary.BigEndian.Uint16(item.Spec[12:14])),
			}
			expItems = itemExpBit(ItemTypeVLAN) |
				itemExpBit(ItemTypeIPv4) | itemExpBit(ItemTypeIPv6)
		case ItemTypeVLAN:
			tci := binary.BigEndian.Uint16(item.Spec[0:2])
			q := &layers.Dot1Q{
				Priority:       uint8(tci >> 13),
				DropEligible:   tci&0x1000 != 0,
				VLANIdentifier: tci & 0x0fff,
				Type:           layers.EthernetType(binary.BigEndian.Uint16(item.Spec[2:4])),
			}
			// An untagged template keeps the ETH item EtherType.
			// One tag makes the frame 802.1Q, two make it QinQ.
			if nbVlanTags == 0 {
				eth.EthernetType = layers.EthernetTypeDot1Q
				expItems = itemExpBit(ItemTypeVLAN) |
					itemExpBit(ItemTypeIPv4) | itemExpBit(ItemTypeIPv6)
			} else {
				eth.EthernetType = layers.EthernetTypeQinQ
				dot1qs[0].Type = layers.EthernetTypeDot1Q
				expItems = itemExpBit(ItemTypeIPv4) | itemExpBit(ItemTypeIPv6)
			}
			dot1qs = append(dot1qs, q)
			nbVlanTags++
		case ItemTypeIPv4:
			self.encapStitchL3EtherType(eth, dot1qs, layers.EthernetTypeIPv4)
			flagsFrag := binary.BigEndian.Uint16(item.Spec[6:8])
			ip4 = &layers.IPv4{
				Version:    4,
				IHL:        5,
				TOS:        item.Spec[1],
				Length:     itemIPv4Len + itemUDPLen + itemTunnelLen,
				Id:         binary.BigEndian.Uint16(item.Spec[4:6]),
				Flags:      layers.IPv4Flag(flagsFrag >> 13),
				FragOffset: flagsFrag & 0x1fff,
				TTL:        0x40,
				Protocol:   layers.IPProtocolUDP,
				SrcIP:      net.IP(append([]byte(nil), item.Spec[12:16]...)),
				DstIP:      net.IP(append([]byte(nil), item.Spec[16:20]...)),
			}
			expItems = itemExpBit(ItemTypeUDP)
		case ItemTypeIPv6:
			self.encapStitchL3EtherType(eth, dot1qs, layers.EthernetTypeIPv6)
			ip6 = &layers.IPv6{
				Version:    6,
				Length:     itemUDPLen + itemTunnelLen,
				NextHeader: layers.IPProtocolUDP,
				HopLimit:   0xff,
				SrcIP:      net.IP(append([]byte(nil), item.Spec[8:24]...)),
				DstIP:      net.IP(append([]byte(nil), item.Spec[24:40]...)),
			}
			expItems = itemExpBit(ItemTypeUDP)
		case ItemTypeUDP:
			udp = &layers.UDP{
				SrcPort: layers.UDPPort(binary.BigEndian.Uint16(item.Spec[0:2])),
				DstPort: 4789,
				Length:  itemUDPLen + itemTunnelLen,
			}
			expItems = itemExpBit(ItemTypeVXLAN)
		case ItemTypeVXLAN:
			vx = &layers.VXLAN{
				ValidIDFlag: true,
				VNI: uint32(item.Spec[4])<<16 |
					uint32(item.Spec[5])<<8 | uint32(item.Spec[6]),
			}
			expItems = 0
		default:
			return fmt.Errorf("unexpected item %s in the encap. header", item.Type)
		}

		parsed = append(parsed, parsedItem{item: item, size: size})
		totalSize += size
	}

	if vx == nil {
		return fmt.Errorf("no VXLAN item in the encap. header")
	}

	sls := make([]gopacket.SerializableLayer, 0, 6)
	sls = append(sls, eth)
	for _, q := range dot1qs {
		sls = append(sls, q)
	}
	if ip4 != nil {
		sls = append(sls, ip4)
		udp.SetNetworkLayerForChecksum(ip4)
	} else {
		sls = append(sls, ip6)
		udp.SetNetworkLayerForChecksum(ip6)
	}
	sls = append(sls, udp, vx)

	sb := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true}
	if err := gopacket.SerializeLayers(sb, opts, sls...); err != nil {
		return fmt.Errorf("failed to render the encap. header: %v", err)
	}

	hdr := sb.Bytes()
	if len(hdr) != totalSize {
		return fmt.Errorf("encap. header size mismatch: rendered %d, items %d",
			len(hdr), totalSize)
	}

	// The NIC does not compute the outer UDP checksum; send zero.
	udpOfst := totalSize - itemTunnelLen - itemUDPLen
	hdr[udpOfst+6] = 0
	hdr[udpOfst+7] = 0

	// Reapply the item masks 16-bit word by word so that explicitly
	// masked template fields always win over the defaults above.
	ofst := 0
	for _, p := range parsed {
		for w := 0; w < p.size; w += 2 {
			hv := binary.BigEndian.Uint16(hdr[ofst+w:])
			mv := binary.BigEndian.Uint16(p.item.Mask[w:])
			sv := binary.BigEndian.Uint16(p.item.Spec[w:])
			hv = hv&^mv | sv&mv
			binary.BigEndian.PutUint16(hdr[ofst+w:], hv)
		}
		ofst += p.size
	}

	copy(bounce.buf, hdr)
	bounce.size = totalSize

	return spec.PopulateEncap()
}

func (self *Adapter) encapStitchL3EtherType(eth *layers.Ethernet,
	dot1qs []*layers.Dot1Q, et layers.EthernetType) {
	if len(dot1qs) != 0 {
		dot1qs[len(dot1qs)-1].Type = et
	} else {
		eth.EthernetType = et
	}
}
