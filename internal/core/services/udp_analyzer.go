package services

import (
	"math"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// UDPAnalyzer derives inter-packet delay, RFC 3550 jitter, a loss estimate and
// a congestion score for a single UDP flow.
type UDPAnalyzer struct {
	gain           float64
	lossSigma      float64
	minLossSamples int
	maxRegularCV   float64
	jitterWeight   float64
	lossWeight     float64
}

func NewUDPAnalyzer(cfg config.AnalysisConfig) *UDPAnalyzer {
	return &UDPAnalyzer{
		gain:           cfg.UDP.JitterGain,
		lossSigma:      cfg.UDP.LossSigma,
		minLossSamples: cfg.UDP.MinLossSamples,
		maxRegularCV:   cfg.UDP.MaxRegularCV,
		jitterWeight:   cfg.UDP.JitterWeight,
		lossWeight:     cfg.UDP.LossWeight,
	}
}

func (a *UDPAnalyzer) Protocol() domain.Protocol { return domain.ProtocolUDP }

// NormalizeJitter scales j against the flow's own observed range. A range no
// wider than floor is timestamp rounding, not jitter, and scales to zero.
func NormalizeJitter(j, minJ, maxJ, floor float64) float64 {
	if maxJ-minJ <= math.Max(floor, 0) {
		return 0
	}
	return clamp01((j - minJ) / (maxJ - minJ))
}

// CongestionScore combines normalized jitter and loss rate. Weights summing
// above one are scaled down so the result always lies in [0,1].
func CongestionScore(jitterNorm, lossRate, jitterWeight, lossWeight float64) float64 {
	if jitterWeight < 0 {
		jitterWeight = 0
	}
	if lossWeight < 0 {
		lossWeight = 0
	}
	if sum := jitterWeight + lossWeight; sum > 1 {
		jitterWeight /= sum
		lossWeight /= sum
	}
	return clamp01(jitterWeight*clamp01(jitterNorm) + lossWeight*clamp01(lossRate))
}

// CongestionLevel buckets a score.
func CongestionLevel(score float64) string {
	switch {
	case score < 0.2:
		return "low"
	case score < 0.5:
		return "medium"
	case score < 1.0:
		return "high"
	}
	return "very_high"
}

type udpDirection struct {
	times  []float64
	rtpSeq []uint16
	hasRTP bool
	// receiver-reported loss from RTCP
	reported []reportedLoss

	ipds   []float64
	jitter []jitterSample

	lossEvents []lossEvent
	lost       int
	lossExact  bool
	lossKnown  bool
	lossConf   float64
}

type jitterSample struct {
	t float64
	j float64
}

type reportedLoss struct {
	t        float64
	fraction float64
}

type lossEvent struct {
	t    float64
	lost int
}

func (a *UDPAnalyzer) Analyze(flow *Flow) (*FlowResult, error) {
	if len(flow.Records) == 0 {
		return nil, nil
	}

	var dirs [2]*udpDirection
	for i := range dirs {
		dirs[i] = &udpDirection{hasRTP: true}
	}
	for _, rec := range flow.Records {
		d := dirs[rec.Direction]
		d.times = append(d.times, rec.Timestamp)
		if rec.RTPSeq != nil {
			d.rtpSeq = append(d.rtpSeq, *rec.RTPSeq)
		} else {
			d.hasRTP = false
		}
		if rec.RTCPFractionLost != nil {
			d.reported = append(d.reported, reportedLoss{t: rec.Timestamp, fraction: *rec.RTCPFractionLost})
		}
	}

	res := &FlowResult{Summary: flow.baseSummary()}
	emit := func(m domain.DelayMetric) { res.Metrics = append(res.Metrics, m) }

	for _, d := range dirs {
		a.interPacket(d)
		for i, ipd := range d.ipds {
			emit(domain.ExactMetric(flow.Key, domain.KindUDPIPD, ipd, d.times[i+1]))
		}
		for _, s := range d.jitter {
			emit(domain.ExactMetric(flow.Key, domain.KindUDPJitter, s.j, s.t))
		}
		for _, s := range d.reported {
			emit(domain.ExactMetric(flow.Key, domain.KindUDPReportedLoss, s.fraction, s.t))
		}
		if d.hasRTP && len(d.rtpSeq) >= 2 {
			a.exactLoss(d)
		} else {
			a.estimateLoss(d)
		}
		for _, e := range d.lossEvents {
			if d.lossExact {
				emit(domain.ExactMetric(flow.Key, domain.KindUDPLossEvent, float64(e.lost), e.t))
			} else {
				emit(domain.HeuristicMetric(flow.Key, domain.KindUDPLossEvent, float64(e.lost), e.t))
			}
		}
	}

	scores := a.congestion(flow.Key, dirs, emit)
	res.Summary.UDP = a.summarize(dirs, scores)
	return res, nil
}

// interPacket computes IPDs and the jitter EMA. Jitter starts at zero and is
// first updated once two IPDs (three packets) exist.
func (a *UDPAnalyzer) interPacket(d *udpDirection) {
	if len(d.times) < 2 {
		return
	}
	d.ipds = make([]float64, 0, len(d.times)-1)
	for i := 1; i < len(d.times); i++ {
		d.ipds = append(d.ipds, d.times[i]-d.times[i-1])
	}

	j := 0.0
	for i := 1; i < len(d.ipds); i++ {
		j += (math.Abs(d.ipds[i]-d.ipds[i-1]) - j) * a.gain
		d.jitter = append(d.jitter, jitterSample{t: d.times[i+1], j: j})
	}
}

// exactLoss counts forward RTP sequence gaps. A late packet that fills a gap
// cancels that loss; duplicates are ignored.
func (a *UDPAnalyzer) exactLoss(d *udpDirection) {
	d.lossExact = true
	d.lossKnown = true
	d.lossConf = 1

	missing := make(map[uint16]int)
	highest := d.rtpSeq[0]
	for i := 1; i < len(d.rtpSeq); i++ {
		s := d.rtpSeq[i]
		delta := s - highest
		switch {
		case delta == 0:
		case delta < 0x8000:
			if delta > 1 {
				for k := uint16(1); k < delta; k++ {
					missing[highest+k] = len(d.lossEvents)
				}
				lost := int(delta) - 1
				d.lost += lost
				d.lossEvents = append(d.lossEvents, lossEvent{t: d.times[i], lost: lost})
			}
			highest = s
		default:
			if ev, ok := missing[s]; ok {
				delete(missing, s)
				d.lossEvents[ev].lost--
				d.lost--
			}
		}
	}

	kept := d.lossEvents[:0]
	for _, e := range d.lossEvents {
		if e.lost > 0 {
			kept = append(kept, e)
		}
	}
	d.lossEvents = kept
}

// estimateLoss flags IPD gaps beyond mean + k·std in an otherwise regular
// flow. A gap must also span at least one and a half typical intervals to
// count; each accounts for round(gap/typical) - 1 packets, at least one.
func (a *UDPAnalyzer) estimateLoss(d *udpDirection) {
	if len(d.ipds) < a.minLossSamples {
		return
	}
	threshold := mean(d.ipds) + a.lossSigma*stdDev(d.ipds)
	if floor := 1.5 * median(d.ipds); threshold < floor {
		threshold = floor
	}

	var gaps []int
	regular := make([]float64, 0, len(d.ipds))
	for i, ipd := range d.ipds {
		if ipd > threshold {
			gaps = append(gaps, i)
		} else {
			regular = append(regular, ipd)
		}
	}
	if len(regular) < 2 {
		return
	}
	cv := coefficientOfVariation(regular)
	if cv > a.maxRegularCV {
		// spacing too irregular for a gap to mean anything
		return
	}
	d.lossKnown = true
	d.lossConf = clamp01(1 - cv/a.maxRegularCV)

	typical := median(regular)
	for _, i := range gaps {
		lost := 1
		if typical > 0 {
			if n := int(math.Round(d.ipds[i]/typical)) - 1; n > 1 {
				lost = n
			}
		}
		d.lost += lost
		d.lossEvents = append(d.lossEvents, lossEvent{t: d.times[i+1], lost: lost})
	}
}

// congestion scores every jitter sample against the flow-wide jitter range and
// the loss rate accumulated up to that sample.
func (a *UDPAnalyzer) congestion(key domain.FlowKey, dirs [2]*udpDirection, emit func(domain.DelayMetric)) []float64 {
	minJ, maxJ := math.Inf(1), math.Inf(-1)
	for _, d := range dirs {
		for _, s := range d.jitter {
			minJ = math.Min(minJ, s.j)
			maxJ = math.Max(maxJ, s.j)
		}
	}

	floor := jitterNoiseFloor(dirs)

	var scores []float64
	for _, d := range dirs {
		ev := 0
		lost := 0
		for _, s := range d.jitter {
			for ev < len(d.lossEvents) && d.lossEvents[ev].t <= s.t {
				lost += d.lossEvents[ev].lost
				ev++
			}
			received := countUpTo(d.times, s.t)
			rate := 0.0
			if received+lost > 0 {
				rate = float64(lost) / float64(received+lost)
			}
			score := CongestionScore(NormalizeJitter(s.j, minJ, maxJ, floor), rate, a.jitterWeight, a.lossWeight)
			scores = append(scores, score)
			m := domain.ExactMetric(key, domain.KindUDPCongestionScore, score, s.t)
			// estimated or unknown loss makes the whole score an estimate
			if !d.lossExact {
				m.Confidence = domain.ConfidenceHeuristic
			}
			emit(m)
		}
	}
	return scores
}

// jitterNoiseFloor is the smallest jitter range worth scaling against. IPDs
// taken from large absolute timestamps carry a few ulps of rounding each, and a
// range below that, or below a billionth of the mean IPD, is treated as flat.
func jitterNoiseFloor(dirs [2]*udpDirection) float64 {
	var ipds []float64
	maxT := 0.0
	for _, d := range dirs {
		ipds = append(ipds, d.ipds...)
		for _, t := range d.times {
			maxT = math.Max(maxT, math.Abs(t))
		}
	}
	ulp := math.Nextafter(maxT, math.Inf(1)) - maxT
	return math.Max(1e-9*mean(ipds), 8*ulp)
}

func countUpTo(times []float64, t float64) int {
	n := 0
	for _, x := range times {
		if x > t {
			break
		}
		n++
	}
	return n
}

func (a *UDPAnalyzer) summarize(dirs [2]*udpDirection, scores []float64) *domain.UDPSummary {
	s := &domain.UDPSummary{}

	var ipds, reported []float64
	received, lost := 0, 0
	known, exact := false, true
	conf := 1.0
	for _, d := range dirs {
		ipds = append(ipds, d.ipds...)
		for _, r := range d.reported {
			reported = append(reported, r.fraction)
		}
		for _, js := range d.jitter {
			s.MaxJitter = math.Max(s.MaxJitter, js.j)
		}
		s.LossEvents += len(d.lossEvents)
		if d.lossKnown {
			known = true
			received += len(d.times)
			lost += d.lost
			exact = exact && d.lossExact
			conf = math.Min(conf, d.lossConf)
		}
	}
	s.MeanIPD = mean(ipds)
	s.StdIPD = stdDev(ipds)
	s.LostPackets = lost

	// the busier direction's final jitter represents the flow
	busy := dirs[0]
	if len(dirs[1].times) > len(busy.times) {
		busy = dirs[1]
	}
	if n := len(busy.jitter); n > 0 {
		s.Jitter = domain.Measured(busy.jitter[n-1].j)
	}

	if known && received+lost > 0 {
		rate := float64(lost) / float64(received+lost)
		if exact {
			s.LossRate = domain.Measured(rate)
		} else {
			s.LossRate = domain.Heuristic(rate, conf)
		}
	}

	if len(reported) > 0 {
		s.ReportedLoss = domain.Measured(mean(reported))
	}

	if len(scores) > 0 {
		s.MeanCongestionScore = mean(scores)
		s.MaxCongestionScore = maxOf(scores)
	}
	s.CongestionLevel = CongestionLevel(s.MeanCongestionScore)
	return s
}
