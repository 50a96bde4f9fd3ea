package capture

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// Decoder turns gopacket packets into DecodedPackets. TCP on an MQTT port is
// reported as MQTT, UDP on an RTP port carries its RTP sequence number and
// UDP on an RTCP port its reported fraction lost.
type Decoder struct {
	plainPort uint16
	tlsPort   uint16
	rtpPorts  map[uint16]bool
	rtcpPorts map[uint16]bool
}

func NewDecoder(cfg config.AnalysisConfig) *Decoder {
	d := &Decoder{
		plainPort: cfg.MQTT.PlainPort,
		tlsPort:   cfg.MQTT.TLSPort,
		rtpPorts:  make(map[uint16]bool, len(cfg.UDP.RTPPorts)),
		rtcpPorts: make(map[uint16]bool, len(cfg.UDP.RTCPPorts)),
	}
	for _, p := range cfg.UDP.RTPPorts {
		d.rtpPorts[p] = true
	}
	for _, p := range cfg.UDP.RTCPPorts {
		d.rtcpPorts[p] = true
	}
	return d
}

// Decode returns false for packets that carry neither TCP nor UDP over IP.
func (d *Decoder) Decode(packet gopacket.Packet) (domain.DecodedPacket, bool) {
	var out domain.DecodedPacket

	switch {
	case packet.Layer(layers.LayerTypeIPv4) != nil:
		ip := packet.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		out.SrcIP, out.DstIP = ip.SrcIP.String(), ip.DstIP.String()
	case packet.Layer(layers.LayerTypeIPv6) != nil:
		ip := packet.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		out.SrcIP, out.DstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return out, false
	}

	if md := packet.Metadata(); md != nil && !md.Timestamp.IsZero() {
		ts := float64(md.Timestamp.UnixNano()) / 1e9
		out.Timestamp = &ts
	}

	if tcpLayer := packet.Layer(layers.LayerTypeTCP); tcpLayer != nil {
		tcp := tcpLayer.(*layers.TCP)
		d.decodeTCP(tcp, &out)
		return out, true
	}
	if udpLayer := packet.Layer(layers.LayerTypeUDP); udpLayer != nil {
		udp := udpLayer.(*layers.UDP)
		d.decodeUDP(udp, &out)
		return out, true
	}
	return out, false
}

func (d *Decoder) decodeTCP(tcp *layers.TCP, out *domain.DecodedPacket) {
	out.Protocol = string(domain.ProtocolTCP)
	out.SrcPort, out.DstPort = int(tcp.SrcPort), int(tcp.DstPort)
	seq, ack := tcp.Seq, tcp.Ack
	out.Seq = &seq
	if tcp.ACK {
		out.Ack = &ack
	}
	out.Flags = tcpFlagNames(tcp)
	out.Length = len(tcp.Payload)

	src, dst := uint16(tcp.SrcPort), uint16(tcp.DstPort)
	switch {
	case src == d.tlsPort || dst == d.tlsPort:
		out.Protocol = string(domain.ProtocolMQTT)
	case src == d.plainPort || dst == d.plainPort:
		out.Protocol = string(domain.ProtocolMQTT)
		if len(tcp.Payload) > 0 {
			if h, ok := DecodeMQTT(tcp.Payload); ok {
				out.MQTTType = &h.Type
				out.MQTTMsgID = h.MessageID
				out.MQTTQoS = h.QoS
			}
		}
	}
}

func (d *Decoder) decodeUDP(udp *layers.UDP, out *domain.DecodedPacket) {
	out.Protocol = string(domain.ProtocolUDP)
	out.SrcPort, out.DstPort = int(udp.SrcPort), int(udp.DstPort)
	out.Length = len(udp.Payload)

	if d.rtpPorts[uint16(udp.SrcPort)] || d.rtpPorts[uint16(udp.DstPort)] {
		if seq, ok := DecodeRTPSequence(udp.Payload); ok {
			out.RTPSeq = &seq
		}
	}
	if d.rtcpPorts[uint16(udp.SrcPort)] || d.rtcpPorts[uint16(udp.DstPort)] {
		if lost, ok := DecodeRTCPFractionLost(udp.Payload); ok {
			out.RTCPFractionLost = &lost
		}
	}
}

func tcpFlagNames(tcp *layers.TCP) []string {
	var names []string
	if tcp.SYN {
		names = append(names, "SYN")
	}
	if tcp.ACK {
		names = append(names, "ACK")
	}
	if tcp.FIN {
		names = append(names, "FIN")
	}
	if tcp.RST {
		names = append(names, "RST")
	}
	return names
}
