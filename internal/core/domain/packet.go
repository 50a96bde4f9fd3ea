package domain

import "strings"

type Protocol string

const (
	ProtocolTCP  Protocol = "TCP"
	ProtocolUDP  Protocol = "UDP"
	ProtocolMQTT Protocol = "MQTT"
)

// ParseProtocol maps a decoder protocol name onto a known Protocol.
func ParseProtocol(name string) (Protocol, bool) {
	switch Protocol(strings.ToUpper(strings.TrimSpace(name))) {
	case ProtocolTCP:
		return ProtocolTCP, true
	case ProtocolUDP:
		return ProtocolUDP, true
	case ProtocolMQTT:
		return ProtocolMQTT, true
	}
	return "", false
}

// TCPFlags is the subset of TCP control bits the analyzers care about.
type TCPFlags uint8

const (
	FlagFIN TCPFlags = 1 << iota
	FlagSYN
	FlagRST
	FlagACK
)

func (f TCPFlags) Has(flag TCPFlags) bool { return f&flag == flag }

func (f TCPFlags) String() string {
	var parts []string
	if f.Has(FlagSYN) {
		parts = append(parts, "SYN")
	}
	if f.Has(FlagACK) {
		parts = append(parts, "ACK")
	}
	if f.Has(FlagFIN) {
		parts = append(parts, "FIN")
	}
	if f.Has(FlagRST) {
		parts = append(parts, "RST")
	}
	return strings.Join(parts, "|")
}

// ParseTCPFlags accepts flag names as produced by most decoders ("SYN", "ack", ...).
func ParseTCPFlags(names []string) TCPFlags {
	var f TCPFlags
	for _, n := range names {
		switch strings.ToUpper(strings.TrimSpace(n)) {
		case "SYN":
			f |= FlagSYN
		case "ACK":
			f |= FlagACK
		case "FIN":
			f |= FlagFIN
		case "RST":
			f |= FlagRST
		}
	}
	return f
}

// MQTT control packet types used by the analyzer.
const (
	MQTTConnect    uint8 = 1
	MQTTConnack    uint8 = 2
	MQTTPublish    uint8 = 3
	MQTTPuback     uint8 = 4
	MQTTPingreq    uint8 = 12
	MQTTPingresp   uint8 = 13
	MQTTDisconnect uint8 = 14
)

// DecodedPacket is what an external decoder hands to the normalizer.
// Every field may be missing; the normalizer decides what is usable.
type DecodedPacket struct {
	Timestamp *float64 `json:"timestamp"`
	Protocol  string   `json:"protocol"`
	SrcIP     string   `json:"src_ip"`
	DstIP     string   `json:"dst_ip"`
	SrcPort   int      `json:"src_port"`
	DstPort   int      `json:"dst_port"`
	Seq       *uint32  `json:"seq,omitempty"`
	Ack       *uint32  `json:"ack,omitempty"`
	Flags     []string `json:"flags,omitempty"`
	MQTTType  *uint8   `json:"mqtt_type,omitempty"`
	MQTTMsgID *uint16  `json:"mqtt_msg_id,omitempty"`
	MQTTQoS   *uint8   `json:"mqtt_qos,omitempty"`
	RTPSeq    *uint16  `json:"rtp_seq,omitempty"`
	// RTCPFractionLost is the worst fraction lost carried by an RTCP
	// receiver or sender report, in [0,1].
	RTCPFractionLost *float64 `json:"rtcp_fraction_lost,omitempty"`
	Length           int      `json:"length"`
}

// PacketRecord is the canonical, immutable packet representation consumed by
// the flow tracker and analyzers. Optional fields are nil when unobservable.
type PacketRecord struct {
	Timestamp        float64  `json:"timestamp"`
	Protocol         Protocol `json:"protocol"`
	SrcIP            string   `json:"src_ip"`
	DstIP            string   `json:"dst_ip"`
	SrcPort          uint16   `json:"src_port"`
	DstPort          uint16   `json:"dst_port"`
	Seq              *uint32  `json:"seq,omitempty"`
	Ack              *uint32  `json:"ack,omitempty"`
	Flags            TCPFlags `json:"flags,omitempty"`
	MQTTType         *uint8   `json:"mqtt_type,omitempty"`
	MQTTMsgID        *uint16  `json:"mqtt_msg_id,omitempty"`
	MQTTQoS          *uint8   `json:"mqtt_qos,omitempty"`
	RTPSeq           *uint16  `json:"rtp_seq,omitempty"`
	RTCPFractionLost *float64 `json:"rtcp_fraction_lost,omitempty"`
	Length           int      `json:"length"`
}

// DirectedRecord is a record placed in its flow: Direction tells which
// endpoint of the FlowKey sent it, Index is its position in capture order.
type DirectedRecord struct {
	PacketRecord
	Direction Direction
	Index     int
}
