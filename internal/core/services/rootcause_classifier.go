package services

import (
	"math"
	"sort"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// RootCauseClassifier attributes anomalous (flow, window) pairs to a category
// using an ordered rule set. It only reads the metrics handed to it.
type RootCauseClassifier struct {
	window           float64
	retransRate      float64
	rttRise          float64
	lossRate         float64
	jitterRatio      float64
	brokerProcessing float64
	brokerAck        float64
	cloudUpload      float64
	sharedFlows      int
}

func NewRootCauseClassifier(cfg config.AnalysisConfig) *RootCauseClassifier {
	rc := cfg.RootCause
	return &RootCauseClassifier{
		window:           rc.Window.Seconds(),
		retransRate:      rc.RetransRate,
		rttRise:          rc.RTTRiseFactor,
		lossRate:         rc.LossRate,
		jitterRatio:      rc.JitterRatio,
		brokerProcessing: rc.BrokerProcessing.Seconds(),
		brokerAck:        rc.BrokerAck.Seconds(),
		cloudUpload:      rc.CloudUpload.Seconds(),
		sharedFlows:      rc.SharedFlows,
	}
}

// windowFeatures is the evidence gathered for one flow in one window.
type windowFeatures struct {
	flow   int
	window int64

	retransRate      float64
	congestionSignal bool
	rtts             []float64
	delayedAcks      int

	packets int
	lost    float64
	jitters []float64
	ipds    []float64
	ack     []float64
	process []float64
	cloud   []float64

	// derived
	rttMedian  float64
	rttRising  bool
	lossRate   float64
	jitterRate float64
}

type flags struct {
	highRetrans    bool
	congestion     bool
	rttRising      bool
	highLoss       bool
	highJitter     bool
	highProcessing bool
	highAck        bool
	highCloud      bool
	delayedAck     bool
}

func (f flags) anomalous() bool {
	return f.highRetrans || f.congestion || f.rttRising || f.highLoss || f.highJitter ||
		f.highProcessing || f.highAck || f.highCloud || f.delayedAck
}

type rule struct {
	category domain.Category
	match    func(f flags, sharedCount int) bool
}

func (c *RootCauseClassifier) rules() []rule {
	return []rule{
		{domain.CategoryNetworkCongestion, func(f flags, _ int) bool {
			return (f.highRetrans || f.congestion) && f.rttRising
		}},
		{domain.CategoryBrokerBottleneck, func(f flags, _ int) bool {
			return f.highProcessing && !f.highAck
		}},
		{domain.CategoryUpstreamLinkLoss, func(f flags, _ int) bool {
			return f.highLoss && !f.highJitter
		}},
		{domain.CategoryPathInstability, func(f flags, _ int) bool {
			return f.highJitter && !f.highLoss
		}},
		{domain.CategoryCloudUploadLatency, func(f flags, _ int) bool {
			return f.highCloud
		}},
		{domain.CategorySharedBottleneck, func(_ flags, shared int) bool {
			return shared >= c.sharedFlows
		}},
		{domain.CategoryReceiverDelayedAck, func(f flags, _ int) bool {
			return f.delayedAck && !f.highRetrans
		}},
	}
}

// Classify returns root-cause records ordered by window start, then by the
// position of the flow in flows. Identical input always yields identical output.
func (c *RootCauseClassifier) Classify(flows []domain.FlowKey, metrics []domain.DelayMetric) []domain.RootCauseRecord {
	if len(metrics) == 0 || c.window <= 0 {
		return nil
	}
	pos := make(map[domain.FlowKey]int, len(flows))
	for i, k := range flows {
		pos[k] = i
	}

	type cell struct {
		flow   int
		window int64
	}
	cells := make(map[cell]*windowFeatures)
	baseline := make(map[int][]float64)

	for _, m := range metrics {
		fi, ok := pos[m.Flow]
		if !ok {
			continue
		}
		w := int64(math.Floor(m.Timestamp / c.window))
		key := cell{fi, w}
		wf := cells[key]
		if wf == nil {
			wf = &windowFeatures{flow: fi, window: w}
			cells[key] = wf
		}
		switch m.Kind {
		case domain.KindTCPRetransRate:
			wf.retransRate = math.Max(wf.retransRate, m.Value)
		case domain.KindTCPCongestionSignal:
			wf.congestionSignal = true
		case domain.KindTCPRTT:
			wf.rtts = append(wf.rtts, m.Value)
			baseline[fi] = append(baseline[fi], m.Value)
		case domain.KindTCPDelayedAck:
			wf.delayedAcks++
		case domain.KindUDPIPD:
			wf.packets++
			wf.ipds = append(wf.ipds, m.Value)
		case domain.KindUDPLossEvent:
			wf.lost += m.Value
		case domain.KindUDPJitter:
			wf.jitters = append(wf.jitters, m.Value)
		case domain.KindMQTTBrokerAck:
			wf.ack = append(wf.ack, m.Value)
		case domain.KindMQTTBrokerProcessing:
			wf.process = append(wf.process, m.Value)
		case domain.KindMQTTCloudUpload:
			wf.cloud = append(wf.cloud, m.Value)
		}
	}

	ordered := make([]*windowFeatures, 0, len(cells))
	for _, wf := range cells {
		ordered = append(ordered, wf)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].window != ordered[j].window {
			return ordered[i].window < ordered[j].window
		}
		return ordered[i].flow < ordered[j].flow
	})

	baseMedian := make(map[int]float64, len(baseline))
	for fi, v := range baseline {
		baseMedian[fi] = median(v)
	}

	windowFlags := make([]flags, len(ordered))
	anomalousPerWindow := make(map[int64]int)
	for i, wf := range ordered {
		f := c.evaluate(wf, baseMedian[wf.flow])
		windowFlags[i] = f
		if f.anomalous() {
			anomalousPerWindow[wf.window]++
		}
	}

	rules := c.rules()
	perFlow := make(map[int][]domain.RootCauseRecord)
	var flowOrder []int
	for i, wf := range ordered {
		f := windowFlags[i]
		if !f.anomalous() {
			continue
		}
		cat, ruleNo := domain.CategoryUnclassified, 0
		for n, r := range rules {
			if r.match(f, anomalousPerWindow[wf.window]) {
				cat, ruleNo = r.category, n+1
				break
			}
		}
		rec := domain.RootCauseRecord{
			Start:    float64(wf.window) * c.window,
			End:      float64(wf.window+1) * c.window,
			Flows:    []domain.FlowKey{flows[wf.flow]},
			Category: cat,
			Rule:     ruleNo,
			Evidence: wf.evidence(anomalousPerWindow[wf.window]),
		}
		if _, seen := perFlow[wf.flow]; !seen {
			flowOrder = append(flowOrder, wf.flow)
		}
		perFlow[wf.flow] = appendMerged(perFlow[wf.flow], rec)
	}

	var out []domain.RootCauseRecord
	for _, fi := range flowOrder {
		out = append(out, perFlow[fi]...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return pos[out[i].Flows[0]] < pos[out[j].Flows[0]]
	})
	return out
}

func (c *RootCauseClassifier) evaluate(wf *windowFeatures, baseline float64) flags {
	var f flags

	if len(wf.rtts) > 0 {
		wf.rttMedian = median(wf.rtts)
		wf.rttRising = baseline > 0 && wf.rttMedian > baseline*c.rttRise
	}
	if wf.packets+int(wf.lost) > 0 {
		wf.lossRate = wf.lost / (float64(wf.packets) + wf.lost)
	}
	if len(wf.jitters) > 0 {
		if m := mean(wf.ipds); m > 0 {
			wf.jitterRate = mean(wf.jitters) / m
		}
	}

	f.highRetrans = wf.retransRate >= c.retransRate && wf.retransRate > 0
	f.congestion = wf.congestionSignal
	f.rttRising = wf.rttRising || (wf.congestionSignal && len(wf.rtts) > 0)
	f.highLoss = wf.lossRate >= c.lossRate && wf.lossRate > 0
	f.highJitter = wf.jitterRate >= c.jitterRatio && wf.jitterRate > 0
	f.highProcessing = len(wf.process) > 0 && median(wf.process) >= c.brokerProcessing
	f.highAck = len(wf.ack) > 0 && median(wf.ack) >= c.brokerAck
	f.highCloud = len(wf.cloud) > 0 && median(wf.cloud) >= c.cloudUpload
	f.delayedAck = wf.delayedAcks > 0
	return f
}

func (wf *windowFeatures) evidence(shared int) map[string]float64 {
	ev := map[string]float64{"anomalous_flows": float64(shared)}
	if wf.retransRate > 0 {
		ev["retransmission_rate"] = wf.retransRate
	}
	if len(wf.rtts) > 0 {
		ev["rtt_median"] = wf.rttMedian
	}
	if wf.congestionSignal {
		ev["congestion_signal"] = 1
	}
	if wf.delayedAcks > 0 {
		ev["delayed_acks"] = float64(wf.delayedAcks)
	}
	if wf.packets > 0 {
		ev["loss_rate"] = wf.lossRate
		ev["jitter_ratio"] = wf.jitterRate
	}
	if len(wf.ack) > 0 {
		ev["broker_ack_delay"] = median(wf.ack)
	}
	if len(wf.process) > 0 {
		ev["broker_processing_delay"] = median(wf.process)
	}
	if len(wf.cloud) > 0 {
		ev["cloud_upload_delay"] = median(wf.cloud)
	}
	return ev
}

// appendMerged extends the previous record when rec directly follows it with
// the same category.
func appendMerged(recs []domain.RootCauseRecord, rec domain.RootCauseRecord) []domain.RootCauseRecord {
	if n := len(recs); n > 0 {
		last := &recs[n-1]
		if last.Category == rec.Category && last.End == rec.Start {
			last.End = rec.End
			for k, v := range rec.Evidence {
				if v > last.Evidence[k] {
					last.Evidence[k] = v
				}
			}
			return recs
		}
	}
	return append(recs, rec)
}
