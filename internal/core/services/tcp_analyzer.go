package services

import (
	"math"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// TCPAnalyzer reconstructs handshake, RTT, retransmission and ACK-delay
// behaviour of a single TCP flow.
type TCPAnalyzer struct {
	delayedAck     float64
	window         float64
	sustainWindows int
}

func NewTCPAnalyzer(cfg config.AnalysisConfig) *TCPAnalyzer {
	return &TCPAnalyzer{
		delayedAck:     cfg.TCP.DelayedAckThreshold.Seconds(),
		window:         cfg.TCP.Window.Seconds(),
		sustainWindows: cfg.TCP.SustainWindows,
	}
}

func (a *TCPAnalyzer) Protocol() domain.Protocol { return domain.ProtocolTCP }

type segmentID struct {
	seq    uint32
	length int
}

type pendingSegment struct {
	seq         uint32
	end         uint32
	sentAt      float64
	lastArrival float64
	// ambiguous segments were (partly) sent more than once and cannot be
	// used for RTT sampling.
	ambiguous bool
}

type tcpWindow struct {
	index    int64
	segments int
	retrans  int
	rtts     []float64
}

type tcpFlowState struct {
	state      domain.TCPState
	joined     bool
	sawSYN     bool
	originator domain.Direction
	synTime    float64
	synAckTime float64
	finSeen    [2]bool

	seen    [2]map[segmentID]float64
	sentEnd [2]uint32
	hasSent [2]bool
	pending [2][]*pendingSegment

	establishment domain.Measurement
	handshakeRTT  domain.Measurement
	rtts          []float64
	ackDelays     []float64
	dataSegments  int
	retrans       int
	synRetrans    int
	delayedAcks   int
	windows       []*tcpWindow
}

func newTCPFlowState() *tcpFlowState {
	return &tcpFlowState{
		state: domain.TCPStateInit,
		seen:  [2]map[segmentID]float64{make(map[segmentID]float64), make(map[segmentID]float64)},
	}
}

// reset starts a new connection on the same tuple, keeping flow-wide counters.
func (st *tcpFlowState) reset() *tcpFlowState {
	next := newTCPFlowState()
	next.rtts = st.rtts
	next.ackDelays = st.ackDelays
	next.dataSegments = st.dataSegments
	next.retrans = st.retrans
	next.synRetrans = st.synRetrans
	next.delayedAcks = st.delayedAcks
	return next
}

// seqLEQ compares sequence numbers modulo 2^32.
func seqLEQ(a, b uint32) bool { return int32(b-a) >= 0 }
func seqLT(a, b uint32) bool  { return int32(b-a) > 0 }

func (a *TCPAnalyzer) Analyze(flow *Flow) (*FlowResult, error) {
	if len(flow.Records) == 0 {
		return nil, nil
	}

	run := &tcpRun{analyzer: a, key: flow.Key, st: newTCPFlowState()}
	for i := range flow.Records {
		run.step(&flow.Records[i])
	}
	run.finishWindows()

	st := run.st
	summary := flow.baseSummary()
	if st.sawSYN {
		summary.SetInitiator(flow.Key, st.originator)
	}
	ts := &domain.TCPSummary{
		State:             st.state,
		JoinedMidStream:   st.joined,
		EstablishmentTime: st.establishment,
		HandshakeRTT:      st.handshakeRTT,
		RTTSamples:        len(st.rtts),
		DataSegments:      st.dataSegments,
		Retransmissions:   st.retrans,
		HandshakeRetrans:  st.synRetrans,
		DelayedAcks:       st.delayedAcks,
	}
	if len(st.rtts) > 0 {
		ts.MedianRTT = domain.Measured(median(st.rtts))
	}
	if len(st.ackDelays) > 0 {
		ts.MedianAckDelay = domain.Measured(median(st.ackDelays))
	}
	// handshake retransmissions carry no data and stay out of the data loss rate
	if st.dataSegments > 0 {
		ts.LossPercent = float64(st.retrans-st.synRetrans) / float64(st.dataSegments) * 100
	}
	ts.CongestionSuspected = run.congestion
	summary.TCP = ts

	return &FlowResult{Summary: summary, Metrics: run.metrics}, nil
}

// tcpRun is the mutable state of one Analyze call.
type tcpRun struct {
	analyzer   *TCPAnalyzer
	key        domain.FlowKey
	st         *tcpFlowState
	metrics    []domain.DelayMetric
	congestion bool
}

func (r *tcpRun) emit(kind domain.MetricKind, value, ts float64) {
	r.metrics = append(r.metrics, domain.ExactMetric(r.key, kind, value, ts))
}

func (r *tcpRun) step(rec *domain.DirectedRecord) {
	st := r.st
	if st.state == domain.TCPStateClosed {
		return
	}

	f := rec.Flags
	d := rec.Direction
	t := rec.Timestamp

	if f.Has(domain.FlagRST) {
		st.state = domain.TCPStateClosed
		return
	}

	syn := f.Has(domain.FlagSYN)
	ack := f.Has(domain.FlagACK)

	switch {
	case syn && !ack:
		switch st.state {
		case domain.TCPStateInit:
		case domain.TCPStateSynSeen:
			if d == st.originator {
				// retransmitted SYN, establishment counts from the first one
				st.retrans++
				st.synRetrans++
				r.emit(domain.KindTCPRetransmission, t-st.synTime, t)
				return
			}
		default:
			// a new connection reusing the tuple
			r.finishWindows()
			r.st = st.reset()
			st = r.st
		}
		st.state = domain.TCPStateSynSeen
		st.sawSYN = true
		st.originator = d
		st.synTime = t
		return

	case syn && ack:
		if d == st.originator {
			return
		}
		switch st.state {
		case domain.TCPStateSynSeen:
			st.state = domain.TCPStateSynAckSeen
			st.synAckTime = t
			st.establishment = domain.Measured(t - st.synTime)
			r.emit(domain.KindTCPEstablishment, t-st.synTime, t)
		case domain.TCPStateSynAckSeen:
			// retransmitted SYN-ACK, the handshake RTT counts from the first one
			st.retrans++
			st.synRetrans++
			r.emit(domain.KindTCPRetransmission, t-st.synAckTime, t)
		}
		return
	}

	switch st.state {
	case domain.TCPStateInit:
		st.state = domain.TCPStateEstablished
		st.joined = true
	case domain.TCPStateSynSeen:
		if d != st.originator {
			return
		}
		// the SYN-ACK was not captured
		st.state = domain.TCPStateEstablished
	case domain.TCPStateSynAckSeen:
		if d != st.originator {
			return
		}
		st.state = domain.TCPStateEstablished
		st.handshakeRTT = domain.Measured(t - st.synAckTime)
		r.emit(domain.KindTCPHandshakeRTT, t-st.synAckTime, t)
	}

	if rec.Seq != nil && rec.Length > 0 {
		r.dataSegment(d, *rec.Seq, rec.Length, t)
	}
	if ack && rec.Ack != nil {
		r.acknowledge(d, *rec.Ack, t)
	}

	fin := f.Has(domain.FlagFIN)
	if fin {
		st.finSeen[d] = true
		st.state = domain.TCPStateClosing
	} else if ack && st.finSeen[0] && st.finSeen[1] {
		st.state = domain.TCPStateClosed
	}
}

func (r *tcpRun) window(t float64) *tcpWindow {
	idx := int64(math.Floor(t / r.analyzer.window))
	ws := r.st.windows
	if n := len(ws); n > 0 && ws[n-1].index == idx {
		return ws[n-1]
	}
	w := &tcpWindow{index: idx}
	r.st.windows = append(r.st.windows, w)
	return w
}

func (r *tcpRun) dataSegment(d domain.Direction, seq uint32, length int, t float64) {
	st := r.st
	st.dataSegments++
	w := r.window(t)
	w.segments++

	id := segmentID{seq: seq, length: length}
	if first, dup := st.seen[d][id]; dup {
		st.retrans++
		w.retrans++
		r.emit(domain.KindTCPRetransmission, t-first, t)
		for _, p := range st.pending[d] {
			if p.seq == seq {
				p.ambiguous = true
				p.lastArrival = t
			}
		}
		return
	}
	st.seen[d][id] = t

	end := seq + uint32(length)
	p := &pendingSegment{seq: seq, end: end, sentAt: t, lastArrival: t}
	if st.hasSent[d] && seqLT(seq, st.sentEnd[d]) {
		// repacketized data overlapping earlier bytes
		p.ambiguous = true
		for _, q := range st.pending[d] {
			if seqLT(q.seq, end) && seqLT(seq, q.end) {
				q.ambiguous = true
			}
		}
	}
	if !st.hasSent[d] || seqLT(st.sentEnd[d], end) {
		st.sentEnd[d] = end
		st.hasSent[d] = true
	}
	st.pending[d] = append(st.pending[d], p)
}

// acknowledge handles an ACK sent in direction d, covering data sent the
// other way.
func (r *tcpRun) acknowledge(d domain.Direction, ackNo uint32, t float64) {
	st := r.st
	o := d.Reverse()

	var covered []*pendingSegment
	kept := st.pending[o][:0]
	for _, p := range st.pending[o] {
		if seqLEQ(p.end, ackNo) {
			covered = append(covered, p)
		} else {
			kept = append(kept, p)
		}
	}
	st.pending[o] = kept
	if len(covered) == 0 {
		return
	}

	oldest, newest := covered[0], covered[0]
	ambiguous := false
	for _, p := range covered {
		if seqLT(p.seq, oldest.seq) {
			oldest = p
		}
		if p.sentAt > newest.sentAt {
			newest = p
		}
		if p.ambiguous {
			ambiguous = true
		}
	}

	if !ambiguous {
		rtt := t - newest.sentAt
		st.rtts = append(st.rtts, rtt)
		w := r.window(t)
		w.rtts = append(w.rtts, rtt)
		r.emit(domain.KindTCPRTT, rtt, t)
	}

	delay := t - oldest.lastArrival
	st.ackDelays = append(st.ackDelays, delay)
	r.emit(domain.KindTCPAckDelay, delay, t)
	if delay > r.analyzer.delayedAck {
		st.delayedAcks++
		r.emit(domain.KindTCPDelayedAck, delay, t)
	}
}

// finishWindows emits per-window retransmission rate and RTT variance and
// flags rises sustained over consecutive windows.
func (r *tcpRun) finishWindows() {
	a := r.analyzer
	var (
		prevIdx           int64
		prevRate, prevVar float64
		rateRun, varRun   int
		signalled         bool
	)

	for i, w := range r.st.windows {
		start := float64(w.index) * a.window
		rate := 0.0
		if w.segments > 0 {
			rate = float64(w.retrans) / float64(w.segments)
			r.emit(domain.KindTCPRetransRate, rate, start)
		}
		v := 0.0
		hasVar := len(w.rtts) >= 2
		if hasVar {
			v = variance(w.rtts)
			r.emit(domain.KindTCPRTTVariance, v, start)
		}

		contiguous := i > 0 && w.index == prevIdx+1
		switch {
		case contiguous && w.segments > 0 && rate > prevRate:
			rateRun++
		case w.segments > 0 && rate > 0:
			rateRun = 1
		default:
			rateRun = 0
		}
		switch {
		case contiguous && hasVar && v > prevVar:
			varRun++
		case hasVar && v > 0:
			varRun = 1
		default:
			varRun = 0
		}

		streak := rateRun
		if varRun > streak {
			streak = varRun
		}
		if streak >= a.sustainWindows {
			if !signalled {
				r.metrics = append(r.metrics, domain.HeuristicMetric(r.key, domain.KindTCPCongestionSignal, float64(streak), start))
				r.congestion = true
				signalled = true
			}
		} else {
			signalled = false
		}

		prevIdx, prevRate, prevVar = w.index, rate, v
	}
	r.st.windows = nil
}
