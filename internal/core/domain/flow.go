package domain

import "fmt"

type Direction uint8

const (
	DirAToB Direction = iota
	DirBToA
)

func (d Direction) Reverse() Direction {
	if d == DirAToB {
		return DirBToA
	}
	return DirAToB
}

func (d Direction) String() string {
	if d == DirAToB {
		return "a->b"
	}
	return "b->a"
}

// FlowKey identifies a bidirectional conversation. Endpoints are ordered so
// both directions of a conversation share one key.
type FlowKey struct {
	Protocol Protocol `json:"protocol"`
	IPA      string   `json:"ip_a"`
	PortA    uint16   `json:"port_a"`
	IPB      string   `json:"ip_b"`
	PortB    uint16   `json:"port_b"`
}

// NewFlowKey builds the canonical key for a packet and reports which endpoint sent it.
func NewFlowKey(proto Protocol, srcIP string, srcPort uint16, dstIP string, dstPort uint16) (FlowKey, Direction) {
	if endpointLess(dstIP, dstPort, srcIP, srcPort) {
		return FlowKey{Protocol: proto, IPA: dstIP, PortA: dstPort, IPB: srcIP, PortB: srcPort}, DirBToA
	}
	return FlowKey{Protocol: proto, IPA: srcIP, PortA: srcPort, IPB: dstIP, PortB: dstPort}, DirAToB
}

// KeyFor returns the key of a record.
func KeyFor(r PacketRecord) (FlowKey, Direction) {
	return NewFlowKey(r.Protocol, r.SrcIP, r.SrcPort, r.DstIP, r.DstPort)
}

func endpointLess(ipX string, portX uint16, ipY string, portY uint16) bool {
	if ipX != ipY {
		return ipX < ipY
	}
	return portX < portY
}

// Source returns the sending endpoint for the given direction.
func (k FlowKey) Source(d Direction) (string, uint16) {
	if d == DirAToB {
		return k.IPA, k.PortA
	}
	return k.IPB, k.PortB
}

// Destination returns the receiving endpoint for the given direction.
func (k FlowKey) Destination(d Direction) (string, uint16) {
	return k.Source(d.Reverse())
}

// HasPort reports whether either endpoint uses port.
func (k FlowKey) HasPort(port uint16) bool {
	return k.PortA == port || k.PortB == port
}

func (k FlowKey) String() string {
	return fmt.Sprintf("%s %s:%d<->%s:%d", k.Protocol, k.IPA, k.PortA, k.IPB, k.PortB)
}

// FlowSummary is the per-flow digest produced by an analyzer.
// Initiator is the endpoint that opened the conversation, as far as the
// capture shows.
type FlowSummary struct {
	Key       FlowKey      `json:"key"`
	Protocol  Protocol     `json:"protocol"`
	Initiator string       `json:"initiator"`
	Responder string       `json:"responder"`
	Packets   int          `json:"packets"`
	Start     float64      `json:"start"`
	End       float64      `json:"end"`
	TCP       *TCPSummary  `json:"tcp,omitempty"`
	UDP       *UDPSummary  `json:"udp,omitempty"`
	MQTT      *MQTTFlowTag `json:"mqtt,omitempty"`
}

type TCPState string

const (
	TCPStateInit        TCPState = "INIT"
	TCPStateSynSeen     TCPState = "SYN_SEEN"
	TCPStateSynAckSeen  TCPState = "SYN_ACK_SEEN"
	TCPStateEstablished TCPState = "ESTABLISHED"
	TCPStateClosing     TCPState = "CLOSING"
	TCPStateClosed      TCPState = "CLOSED"
)

// TCPSummary is the per-flow TCP outcome. Retransmissions includes handshake
// retransmissions; LossPercent counts only data retransmissions per data
// segment.
type TCPSummary struct {
	State               TCPState    `json:"state"`
	JoinedMidStream     bool        `json:"joined_mid_stream"`
	EstablishmentTime   Measurement `json:"establishment_time"`
	HandshakeRTT        Measurement `json:"handshake_rtt"`
	MedianRTT           Measurement `json:"median_rtt"`
	RTTSamples          int         `json:"rtt_samples"`
	MedianAckDelay      Measurement `json:"median_ack_delay"`
	DataSegments        int         `json:"data_segments"`
	Retransmissions     int         `json:"retransmissions"`
	HandshakeRetrans    int         `json:"handshake_retransmissions"`
	LossPercent         float64     `json:"loss_percent"`
	DelayedAcks         int         `json:"delayed_acks"`
	CongestionSuspected bool        `json:"congestion_suspected"`
}

type UDPSummary struct {
	MeanIPD             float64     `json:"mean_ipd"`
	StdIPD              float64     `json:"std_ipd"`
	Jitter              Measurement `json:"jitter"`
	MaxJitter           float64     `json:"max_jitter"`
	LossEvents          int         `json:"loss_events"`
	LostPackets         int         `json:"lost_packets"`
	LossRate            Measurement `json:"loss_rate"`
	ReportedLoss        Measurement `json:"rtcp_reported_loss"`
	MeanCongestionScore float64     `json:"mean_congestion_score"`
	MaxCongestionScore  float64     `json:"max_congestion_score"`
	CongestionLevel     string      `json:"congestion_level"`
}

// MQTTFlowTag marks an MQTT flow's transport mode and which endpoint holds the server port.
type MQTTFlowTag struct {
	Encrypted bool   `json:"encrypted"`
	ServerIP  string `json:"server_ip"`
}

// SetInitiator records which endpoint of the key opened the conversation.
func (s *FlowSummary) SetInitiator(k FlowKey, d Direction) {
	s.Initiator, _ = k.Source(d)
	s.Responder, _ = k.Destination(d)
}
