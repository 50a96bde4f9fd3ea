package capture

import (
	"bytes"

	"github.com/eclipse/paho.mqtt.golang/packets"
)

// MQTTHeader is what the analyzers need from an MQTT control packet.
type MQTTHeader struct {
	Type      uint8
	MessageID *uint16
	QoS       *uint8
}

// DecodeMQTT reads the first control packet of a plaintext MQTT segment.
// Segments holding a partial packet are not decoded.
func DecodeMQTT(payload []byte) (MQTTHeader, bool) {
	cp, err := packets.ReadPacket(bytes.NewReader(payload))
	if err != nil {
		return MQTTHeader{}, false
	}

	h := MQTTHeader{Type: payload[0] >> 4}
	details := cp.Details()
	switch p := cp.(type) {
	case *packets.PublishPacket:
		qos := p.Qos
		h.QoS = &qos
		// QoS 0 publishes carry no packet identifier
		if qos > 0 {
			id := p.MessageID
			h.MessageID = &id
		}
	case *packets.PubackPacket, *packets.PubrecPacket, *packets.PubrelPacket,
		*packets.PubcompPacket, *packets.SubscribePacket, *packets.SubackPacket,
		*packets.UnsubscribePacket, *packets.UnsubackPacket:
		id := details.MessageID
		h.MessageID = &id
	}
	return h, true
}
