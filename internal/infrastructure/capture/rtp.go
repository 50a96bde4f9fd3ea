package capture

import (
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

// DecodeRTPSequence returns the sequence number of an RTP version 2 packet.
func DecodeRTPSequence(payload []byte) (uint16, bool) {
	var h rtp.Header
	if _, err := h.Unmarshal(payload); err != nil {
		return 0, false
	}
	if h.Version != 2 {
		return 0, false
	}
	return h.SequenceNumber, true
}

// DecodeRTCPFractionLost returns the worst fraction lost across the reception
// reports of an RTCP compound packet. ok is false when no report block exists.
func DecodeRTCPFractionLost(payload []byte) (float64, bool) {
	pkts, err := rtcp.Unmarshal(payload)
	if err != nil {
		return 0, false
	}
	var worst uint8
	found := false
	for _, p := range pkts {
		var reports []rtcp.ReceptionReport
		switch r := p.(type) {
		case *rtcp.ReceiverReport:
			reports = r.Reports
		case *rtcp.SenderReport:
			reports = r.Reports
		}
		for _, rr := range reports {
			found = true
			if rr.FractionLost > worst {
				worst = rr.FractionLost
			}
		}
	}
	return float64(worst) / 256, found
}
