package services

import (
	"math"
	"testing"

	"streamsight/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validPacket() domain.DecodedPacket {
	return domain.DecodedPacket{
		Timestamp: f64(1.5),
		Protocol:  "tcp",
		SrcIP:     "10.0.0.1",
		DstIP:     "10.0.0.2",
		SrcPort:   40000,
		DstPort:   80,
		Seq:       u32(1),
		Flags:     []string{"syn"},
	}
}

func TestNormalizer_SkipReasons(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *domain.DecodedPacket)
		reason domain.SkipReason
	}{
		{"missing timestamp", func(p *domain.DecodedPacket) { p.Timestamp = nil }, domain.SkipBadTimestamp},
		{"nan timestamp", func(p *domain.DecodedPacket) { p.Timestamp = f64(math.NaN()) }, domain.SkipBadTimestamp},
		{"infinite timestamp", func(p *domain.DecodedPacket) { p.Timestamp = f64(math.Inf(1)) }, domain.SkipBadTimestamp},
		{"negative timestamp", func(p *domain.DecodedPacket) { p.Timestamp = f64(-1) }, domain.SkipBadTimestamp},
		{"unknown protocol", func(p *domain.DecodedPacket) { p.Protocol = "SCTP" }, domain.SkipUnknownProto},
		{"bad source ip", func(p *domain.DecodedPacket) { p.SrcIP = "10.0.0" }, domain.SkipBadAddress},
		{"bad destination ip", func(p *domain.DecodedPacket) { p.DstIP = "" }, domain.SkipBadAddress},
		{"zero port", func(p *domain.DecodedPacket) { p.SrcPort = 0 }, domain.SkipBadPort},
		{"port too large", func(p *domain.DecodedPacket) { p.DstPort = 70000 }, domain.SkipBadPort},
		{"negative length", func(p *domain.DecodedPacket) { p.Length = -1 }, domain.SkipBadLength},
		{"mqtt off port", func(p *domain.DecodedPacket) { p.Protocol = "MQTT" }, domain.SkipMQTTPortGate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNormalizer(testAnalysisConfig())
			p := validPacket()
			tt.mutate(&p)

			_, ok := n.Normalize(p)
			assert.False(t, ok)

			stats := n.Stats()
			assert.Equal(t, 1, stats.TotalRecords)
			assert.Equal(t, 0, stats.Accepted)
			assert.Equal(t, 1, stats.Skipped[tt.reason])
		})
	}
}

func TestNormalizer_AcceptsTCP(t *testing.T) {
	n := NewNormalizer(testAnalysisConfig())
	p := validPacket()
	p.SrcIP = "::ffff:10.0.0.1"

	rec, ok := n.Normalize(p)
	require.True(t, ok)
	assert.Equal(t, domain.ProtocolTCP, rec.Protocol)
	assert.Equal(t, "10.0.0.1", rec.SrcIP)
	assert.Equal(t, uint16(40000), rec.SrcPort)
	assert.True(t, rec.Flags.Has(domain.FlagSYN))
	assert.Nil(t, rec.Ack)
	assert.Equal(t, 1, n.Stats().Accepted)
}

func TestNormalizer_MQTTPortHandling(t *testing.T) {
	n := NewNormalizer(testAnalysisConfig())

	plain := validPacket()
	plain.Protocol = "MQTT"
	plain.DstPort = 1883
	plain.MQTTType = u8(domain.MQTTPublish)
	plain.MQTTMsgID = u16(7)
	plain.MQTTQoS = u8(1)

	rec, ok := n.Normalize(plain)
	require.True(t, ok)
	require.NotNil(t, rec.MQTTMsgID)
	assert.Equal(t, uint16(7), *rec.MQTTMsgID)

	tls := plain
	tls.DstPort = 8883
	rec, ok = n.Normalize(tls)
	require.True(t, ok)
	assert.Nil(t, rec.MQTTType)
	assert.Nil(t, rec.MQTTMsgID)
	assert.Nil(t, rec.MQTTQoS)
}

func TestNormalizer_UDPKeepsRTPOnly(t *testing.T) {
	n := NewNormalizer(testAnalysisConfig())
	p := validPacket()
	p.Protocol = "UDP"
	p.RTPSeq = u16(42)

	rec, ok := n.Normalize(p)
	require.True(t, ok)
	assert.Nil(t, rec.Seq)
	assert.Zero(t, rec.Flags)
	require.NotNil(t, rec.RTPSeq)
	assert.Equal(t, uint16(42), *rec.RTPSeq)
}

func TestNormalizer_UDPRTCPFractionBounds(t *testing.T) {
	n := NewNormalizer(testAnalysisConfig())

	p := validPacket()
	p.Protocol = "UDP"
	p.RTCPFractionLost = f64(0.25)
	rec, ok := n.Normalize(p)
	require.True(t, ok)
	require.NotNil(t, rec.RTCPFractionLost)
	assert.Equal(t, 0.25, *rec.RTCPFractionLost)

	p.RTCPFractionLost = f64(1.5)
	rec, ok = n.Normalize(p)
	require.True(t, ok)
	assert.Nil(t, rec.RTCPFractionLost)
}

func TestNormalizer_CountSkip(t *testing.T) {
	n := NewNormalizer(testAnalysisConfig())
	_, ok := n.Normalize(validPacket())
	require.True(t, ok)

	n.CountSkip(domain.SkipFlowCollision)
	stats := n.Stats()
	assert.Equal(t, 0, stats.Accepted)
	assert.Equal(t, 1, stats.Skipped[domain.SkipFlowCollision])

	// the returned map is a copy
	stats.Skipped[domain.SkipBadPort] = 9
	assert.Zero(t, n.Stats().Skipped[domain.SkipBadPort])
}
