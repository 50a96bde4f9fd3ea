package services

import (
	"math"
	"net/netip"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// Normalizer maps decoded packets onto PacketRecords, counting what it drops.
// It is not safe for concurrent use.
type Normalizer struct {
	plainPort uint16
	tlsPort   uint16

	total    int
	accepted int
	skipped  map[domain.SkipReason]int
}

func NewNormalizer(cfg config.AnalysisConfig) *Normalizer {
	return &Normalizer{
		plainPort: cfg.MQTT.PlainPort,
		tlsPort:   cfg.MQTT.TLSPort,
		skipped:   make(map[domain.SkipReason]int),
	}
}

// Normalize returns the canonical record, or false with the packet counted
// under its skip reason.
func (n *Normalizer) Normalize(p domain.DecodedPacket) (domain.PacketRecord, bool) {
	n.total++
	rec, reason := n.normalize(p)
	if reason != "" {
		n.skipped[reason]++
		return domain.PacketRecord{}, false
	}
	n.accepted++
	return rec, true
}

func (n *Normalizer) normalize(p domain.DecodedPacket) (domain.PacketRecord, domain.SkipReason) {
	if p.Timestamp == nil || math.IsNaN(*p.Timestamp) || math.IsInf(*p.Timestamp, 0) || *p.Timestamp < 0 {
		return domain.PacketRecord{}, domain.SkipBadTimestamp
	}
	proto, ok := domain.ParseProtocol(p.Protocol)
	if !ok {
		return domain.PacketRecord{}, domain.SkipUnknownProto
	}
	src, err := netip.ParseAddr(p.SrcIP)
	if err != nil {
		return domain.PacketRecord{}, domain.SkipBadAddress
	}
	dst, err := netip.ParseAddr(p.DstIP)
	if err != nil {
		return domain.PacketRecord{}, domain.SkipBadAddress
	}
	if !validPort(p.SrcPort) || !validPort(p.DstPort) {
		return domain.PacketRecord{}, domain.SkipBadPort
	}
	if p.Length < 0 {
		return domain.PacketRecord{}, domain.SkipBadLength
	}

	rec := domain.PacketRecord{
		Timestamp: *p.Timestamp,
		Protocol:  proto,
		SrcIP:     src.Unmap().String(),
		DstIP:     dst.Unmap().String(),
		SrcPort:   uint16(p.SrcPort),
		DstPort:   uint16(p.DstPort),
		Length:    p.Length,
	}

	switch proto {
	case domain.ProtocolTCP, domain.ProtocolMQTT:
		rec.Seq = p.Seq
		rec.Ack = p.Ack
		rec.Flags = domain.ParseTCPFlags(p.Flags)
	case domain.ProtocolUDP:
		rec.RTPSeq = p.RTPSeq
		if f := p.RTCPFractionLost; f != nil && *f >= 0 && *f <= 1 {
			rec.RTCPFractionLost = f
		}
	}

	if proto == domain.ProtocolMQTT {
		onPlain := rec.SrcPort == n.plainPort || rec.DstPort == n.plainPort
		onTLS := rec.SrcPort == n.tlsPort || rec.DstPort == n.tlsPort
		switch {
		case onTLS:
			// payload is opaque; whatever the decoder claims is not trusted
		case onPlain:
			rec.MQTTType = p.MQTTType
			rec.MQTTMsgID = p.MQTTMsgID
			rec.MQTTQoS = p.MQTTQoS
		default:
			return domain.PacketRecord{}, domain.SkipMQTTPortGate
		}
	}
	return rec, ""
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

// Stats reports the counters accumulated so far.
func (n *Normalizer) Stats() domain.RunStats {
	skipped := make(map[domain.SkipReason]int, len(n.skipped))
	for k, v := range n.skipped {
		skipped[k] = v
	}
	return domain.RunStats{
		TotalRecords: n.total,
		Accepted:     n.accepted,
		Skipped:      skipped,
	}
}

// CountSkip records a packet rejected after normalization.
func (n *Normalizer) CountSkip(reason domain.SkipReason) {
	n.accepted--
	n.skipped[reason]++
}
