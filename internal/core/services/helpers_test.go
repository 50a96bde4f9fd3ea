package services

import (
	"io"
	"strings"
	"testing"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"

	"github.com/stretchr/testify/require"
)

func u8(v uint8) *uint8      { return &v }
func u16(v uint16) *uint16   { return &v }
func u32(v uint32) *uint32   { return &v }
func f64(v float64) *float64 { return &v }

func testAnalysisConfig() config.AnalysisConfig {
	cfg := config.DefaultAnalysisConfig()
	cfg.Workers = 2
	return cfg
}

func tcpRec(ts float64, src string, sport uint16, dst string, dport uint16, flags domain.TCPFlags, seq, ack uint32, length int) domain.PacketRecord {
	r := domain.PacketRecord{
		Timestamp: ts,
		Protocol:  domain.ProtocolTCP,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   sport,
		DstPort:   dport,
		Flags:     flags,
		Seq:       u32(seq),
		Length:    length,
	}
	if flags.Has(domain.FlagACK) {
		r.Ack = u32(ack)
	}
	return r
}

func udpRec(ts float64, src string, sport uint16, dst string, dport uint16) domain.PacketRecord {
	return domain.PacketRecord{
		Timestamp: ts,
		Protocol:  domain.ProtocolUDP,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   sport,
		DstPort:   dport,
		Length:    160,
	}
}

func mqttRec(ts float64, src string, sport uint16, dst string, dport uint16, typ uint8, msgID *uint16, length int) domain.PacketRecord {
	r := domain.PacketRecord{
		Timestamp: ts,
		Protocol:  domain.ProtocolMQTT,
		SrcIP:     src,
		DstIP:     dst,
		SrcPort:   sport,
		DstPort:   dport,
		MQTTType:  u8(typ),
		MQTTMsgID: msgID,
		Length:    length,
	}
	if typ == domain.MQTTPublish {
		qos := uint8(0)
		if msgID != nil {
			qos = 1
		}
		r.MQTTQoS = u8(qos)
	}
	return r
}

// buildFlows runs records through a sealed FlowTable.
func buildFlows(t *testing.T, recs ...domain.PacketRecord) []*Flow {
	t.Helper()
	table := NewFlowTable()
	for _, r := range recs {
		require.NoError(t, table.Append(r))
	}
	table.Seal()
	flows, err := table.Flows()
	require.NoError(t, err)
	return flows
}

func metricsOfKind(ms []domain.DelayMetric, kind domain.MetricKind) []domain.DelayMetric {
	var out []domain.DelayMetric
	for _, m := range ms {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// sliceSource replays decoded packets, optionally failing after them.
type sliceSource struct {
	packets []domain.DecodedPacket
	err     error
	pos     int
}

func (s *sliceSource) Next() (domain.DecodedPacket, error) {
	if s.pos >= len(s.packets) {
		if s.err != nil {
			return domain.DecodedPacket{}, s.err
		}
		return domain.DecodedPacket{}, io.EOF
	}
	p := s.packets[s.pos]
	s.pos++
	return p, nil
}

func (s *sliceSource) Name() string { return "test" }

func decoded(r domain.PacketRecord) domain.DecodedPacket {
	var flags []string
	if r.Flags != 0 {
		flags = strings.Split(r.Flags.String(), "|")
	}
	return domain.DecodedPacket{
		Timestamp: f64(r.Timestamp),
		Protocol:  string(r.Protocol),
		SrcIP:     r.SrcIP,
		DstIP:     r.DstIP,
		SrcPort:   int(r.SrcPort),
		DstPort:   int(r.DstPort),
		Seq:       r.Seq,
		Ack:       r.Ack,
		Flags:     flags,
		MQTTType:  r.MQTTType,
		MQTTMsgID: r.MQTTMsgID,
		MQTTQoS:   r.MQTTQoS,
		RTPSeq:    r.RTPSeq,
		Length:    r.Length,

		RTCPFractionLost: r.RTCPFractionLost,
	}
}
