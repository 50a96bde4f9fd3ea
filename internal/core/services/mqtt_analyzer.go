package services

import (
	"fmt"
	"math"
	"sort"

	"streamsight/internal/core/domain"
	"streamsight/pkg/config"
)

// Anomaly multipliers per stage: a value above mean + m·std is anomalous.
var stageAnomalySigma = map[domain.MQTTStage]float64{
	domain.StageBrokerAck:        2.0,
	domain.StageBrokerProcessing: 2.5,
	domain.StageCloudUpload:      3.0,
	domain.StageTotal:            2.0,
}

var mqttStages = []domain.MQTTStage{
	domain.StageBrokerAck,
	domain.StageBrokerProcessing,
	domain.StageCloudUpload,
	domain.StageTotal,
}

// MQTTAnalyzer infers MQTT topology and per-message stage delays. Analyze
// collects every MQTT flow of a run; Finish correlates across them. It keeps
// run state and must be driven by a single goroutine.
type MQTTAnalyzer struct {
	plainPort uint16
	tlsPort   uint16
	window    float64

	flows      []*mqttFlow
	connectSrc map[string]bool
	connectDst map[string]bool
	connackSrc map[string]bool
}

func NewMQTTAnalyzer(cfg config.AnalysisConfig) *MQTTAnalyzer {
	return &MQTTAnalyzer{
		plainPort:  cfg.MQTT.PlainPort,
		tlsPort:    cfg.MQTT.TLSPort,
		window:     cfg.MQTT.PairingWindow.Seconds(),
		connectSrc: make(map[string]bool),
		connectDst: make(map[string]bool),
		connackSrc: make(map[string]bool),
	}
}

func (a *MQTTAnalyzer) Protocol() domain.Protocol { return domain.ProtocolMQTT }

type mqttEvent struct {
	index      int
	t          float64
	flow       *mqttFlow
	src        string
	dst        string
	fromServer bool
	typ        *uint8
	msgID      *uint16
	qos        *uint8
	length     int
	claimed    bool
}

func (e *mqttEvent) is(typ uint8) bool {
	return e.typ != nil && *e.typ == typ
}

type mqttFlow struct {
	key       domain.FlowKey
	server    string
	client    string
	encrypted bool
	events    []*mqttEvent
}

func (a *MQTTAnalyzer) isServerPort(p uint16) bool {
	return p == a.plainPort || p == a.tlsPort
}

// Analyze records one MQTT flow's events and entity evidence. Metrics for
// MQTT are only produced by Finish.
func (a *MQTTAnalyzer) Analyze(flow *Flow) (*FlowResult, error) {
	if len(flow.Records) == 0 {
		return nil, nil
	}
	k := flow.Key
	if k.Protocol != domain.ProtocolMQTT {
		return nil, fmt.Errorf("%w: %s handed to mqtt analyzer", domain.ErrFlowKeyCollision, k)
	}

	f := &mqttFlow{key: k, encrypted: k.HasPort(a.tlsPort)}
	switch {
	case a.isServerPort(k.PortB) && !a.isServerPort(k.PortA):
		f.server, f.client = k.IPB, k.IPA
	case a.isServerPort(k.PortA) && !a.isServerPort(k.PortB):
		f.server, f.client = k.IPA, k.IPB
	default:
		f.server, f.client = k.IPB, k.IPA
		for _, r := range flow.Records {
			if r.MQTTType != nil && *r.MQTTType == domain.MQTTConnect {
				f.server, f.client = r.DstIP, r.SrcIP
				break
			}
		}
	}

	for _, r := range flow.Records {
		if r.Protocol != domain.ProtocolMQTT {
			return nil, fmt.Errorf("%w: %s record in %s", domain.ErrFlowKeyCollision, r.Protocol, k)
		}
		ev := &mqttEvent{
			index:      r.Index,
			t:          r.Timestamp,
			flow:       f,
			src:        r.SrcIP,
			dst:        r.DstIP,
			fromServer: r.SrcIP == f.server,
			length:     r.Length,
		}
		if !f.encrypted {
			ev.typ, ev.msgID, ev.qos = r.MQTTType, r.MQTTMsgID, r.MQTTQoS
		}
		switch {
		case ev.is(domain.MQTTConnect):
			a.connectSrc[ev.src] = true
			a.connectDst[ev.dst] = true
		case ev.is(domain.MQTTConnack):
			a.connackSrc[ev.src] = true
		}
		f.events = append(f.events, ev)
	}
	a.flows = append(a.flows, f)

	summary := flow.baseSummary()
	summary.Initiator, summary.Responder = f.client, f.server
	summary.MQTT = &domain.MQTTFlowTag{Encrypted: f.encrypted, ServerIP: f.server}
	return &FlowResult{Summary: summary}, nil
}

// topology is the resolved entity view of a run.
type topology struct {
	brokers   map[string]bool
	confirmed map[string]bool
	forwarder map[string]bool
	clients   map[string]bool
	clouds    map[string]bool
}

// resolveTopology applies role rules once every flow has been seen, so the
// outcome does not depend on flow order. Brokers are never demoted.
func (a *MQTTAnalyzer) resolveTopology() *topology {
	tp := &topology{
		brokers:   make(map[string]bool),
		confirmed: make(map[string]bool),
		forwarder: make(map[string]bool),
		clients:   make(map[string]bool),
		clouds:    make(map[string]bool),
	}
	for ip := range a.connectDst {
		tp.brokers[ip] = true
	}
	for ip := range a.connackSrc {
		tp.brokers[ip] = true
		tp.confirmed[ip] = true
	}
	for _, f := range a.flows {
		tp.brokers[f.server] = true
	}
	for _, f := range a.flows {
		if tp.brokers[f.client] {
			// a broker opening an upstream connection
			tp.forwarder[f.client] = true
			tp.clouds[f.server] = true
			continue
		}
		tp.clients[f.client] = true
	}
	return tp
}

// senderIsBroker reports whether e was sent by a broker acting as one.
func (tp *topology) senderIsBroker(e *mqttEvent) bool {
	if e.fromServer {
		return true
	}
	return tp.forwarder[e.src]
}

type link struct {
	ev *mqttEvent
	m  domain.Measurement
}

func (l link) ok() bool { return l.ev != nil }

// Finish correlates publishes across flows and produces MQTT metrics.
func (a *MQTTAnalyzer) Finish() (*BucketResult, error) {
	defer a.reset()

	tp := a.resolveTopology()

	var publishes, forwards []*mqttEvent
	for _, f := range a.flows {
		for _, e := range f.events {
			if !a.dataShaped(e) {
				continue
			}
			if tp.senderIsBroker(e) {
				forwards = append(forwards, e)
			} else if !e.fromServer && !tp.brokers[e.src] {
				publishes = append(publishes, e)
			}
		}
	}
	sortEvents(publishes)
	sortEvents(forwards)

	res := &BucketResult{MQTT: &domain.MQTTReport{}}
	for _, p := range publishes {
		msg := a.correlate(p, forwards, tp)
		res.MQTT.Messages = append(res.MQTT.Messages, msg)
	}

	res.MQTT.Stages = annotateStages(res.MQTT.Messages)
	for _, msg := range res.MQTT.Messages {
		for _, stage := range mqttStages {
			m, ok := domain.MetricFromMeasurement(msg.Flow, msg.Session, stageMetricKind(stage), msg.StageValue(stage), msg.PublishTime)
			if ok {
				res.Metrics = append(res.Metrics, m)
			}
		}
	}
	res.MQTT.Entities = tp.entities()
	return res, nil
}

// dataShaped selects PUBLISH packets in plaintext and any payload-carrying
// record under TLS.
func (a *MQTTAnalyzer) dataShaped(e *mqttEvent) bool {
	if e.flow.encrypted {
		return e.length > 0
	}
	return e.is(domain.MQTTPublish)
}

func sortEvents(evs []*mqttEvent) {
	sort.SliceStable(evs, func(i, j int) bool {
		if evs[i].t != evs[j].t {
			return evs[i].t < evs[j].t
		}
		return evs[i].index < evs[j].index
	})
}

func (a *MQTTAnalyzer) correlate(p *mqttEvent, forwards []*mqttEvent, tp *topology) domain.MQTTMessageDelay {
	f := p.flow
	msg := domain.MQTTMessageDelay{
		Flow:        f.key,
		Client:      p.src,
		Broker:      f.server,
		Encrypted:   f.encrypted,
		PublishTime: p.t,
	}
	if !f.encrypted {
		msg.MsgID, msg.Type, msg.QoS = p.msgID, p.typ, p.qos
	}
	if p.msgID != nil {
		msg.Session = fmt.Sprintf("%s>%s#%d", p.src, f.server, *p.msgID)
	} else {
		msg.Session = fmt.Sprintf("%s@%d", f.key, int64(math.Floor(p.t/a.window)))
	}

	ack := a.matchAck(p)
	after := p.t
	if ack.ok() {
		after = ack.ev.t
	}
	fwd := a.matchForward(p, forwards, after)
	var cloudAck link
	if fwd.ok() {
		tp.clouds[fwd.ev.dst] = true
		cloudAck = a.matchCloudAck(fwd)
	}

	if ack.ok() {
		msg.BrokerAck = domain.Derive(ack.ev.t-p.t, ack.m)
	}
	if ack.ok() && fwd.ok() {
		msg.BrokerProcessing = domain.Derive(fwd.ev.t-ack.ev.t, ack.m, fwd.m)
	}
	if fwd.ok() && cloudAck.ok() {
		msg.CloudUpload = domain.Derive(cloudAck.ev.t-fwd.ev.t, fwd.m, cloudAck.m)
		msg.Total = domain.Derive(cloudAck.ev.t-p.t, fwd.m, cloudAck.m)
	} else if ack.ok() && fwd.ok() {
		msg.Total = domain.Derive(fwd.ev.t-p.t, ack.m, fwd.m)
	}

	if f.encrypted {
		msg.BrokerAck = msg.BrokerAck.AsHeuristic()
		msg.BrokerProcessing = msg.BrokerProcessing.AsHeuristic()
		msg.CloudUpload = msg.CloudUpload.AsHeuristic()
		msg.Total = msg.Total.AsHeuristic()
	}
	return msg
}

// pairingConfidence decays linearly over the pairing window.
func (a *MQTTAnalyzer) pairingConfidence(delay float64) float64 {
	return clamp01(1 - delay/a.window)
}

func (a *MQTTAnalyzer) matchAck(p *mqttEvent) link {
	f := p.flow
	if f.encrypted {
		for _, e := range f.events {
			if e.claimed || !e.fromServer || e.length == 0 || e.t < p.t {
				continue
			}
			if e.t-p.t > a.window {
				break
			}
			e.claimed = true
			return link{ev: e, m: domain.Heuristic(0, a.pairingConfidence(e.t-p.t))}
		}
		return link{}
	}
	if p.msgID == nil {
		// QoS 0 is never acknowledged
		return link{}
	}
	for _, e := range f.events {
		if e.claimed || !e.fromServer || e.t < p.t || !e.is(domain.MQTTPuback) {
			continue
		}
		if e.msgID != nil && *e.msgID == *p.msgID {
			e.claimed = true
			return link{ev: e, m: domain.Measured(0)}
		}
	}
	return link{}
}

// matchForward finds the broker's onward PUBLISH: by message id when both
// sides carry one, otherwise the earliest unclaimed candidate in the window.
func (a *MQTTAnalyzer) matchForward(p *mqttEvent, forwards []*mqttEvent, after float64) link {
	broker := p.flow.server
	eligible := func(e *mqttEvent) bool {
		return !e.claimed && e.src == broker && e.dst != p.src && e.flow != p.flow && e.t >= after
	}

	if p.msgID != nil {
		for _, e := range forwards {
			if eligible(e) && e.msgID != nil && *e.msgID == *p.msgID {
				e.claimed = true
				return link{ev: e, m: domain.Measured(0)}
			}
		}
	}
	for _, e := range forwards {
		if !eligible(e) {
			continue
		}
		if e.t-after > a.window {
			break
		}
		e.claimed = true
		return link{ev: e, m: domain.Heuristic(0, a.pairingConfidence(e.t-after))}
	}
	return link{}
}

func (a *MQTTAnalyzer) matchCloudAck(fwd link) link {
	f := fwd.ev.flow
	byID := !f.encrypted && fwd.ev.msgID != nil
	for _, e := range f.events {
		if e.claimed || e.t < fwd.ev.t || e.src != fwd.ev.dst || e.dst != fwd.ev.src {
			continue
		}
		if byID {
			if e.is(domain.MQTTPuback) && e.msgID != nil && *e.msgID == *fwd.ev.msgID {
				e.claimed = true
				return link{ev: e, m: domain.Measured(0)}
			}
			continue
		}
		if e.t-fwd.ev.t > a.window {
			break
		}
		if f.encrypted && e.length == 0 || !f.encrypted && !e.is(domain.MQTTPuback) {
			continue
		}
		e.claimed = true
		return link{ev: e, m: domain.Heuristic(0, a.pairingConfidence(e.t-fwd.ev.t))}
	}
	return link{}
}

func stageMetricKind(s domain.MQTTStage) domain.MetricKind {
	switch s {
	case domain.StageBrokerAck:
		return domain.KindMQTTBrokerAck
	case domain.StageBrokerProcessing:
		return domain.KindMQTTBrokerProcessing
	case domain.StageCloudUpload:
		return domain.KindMQTTCloudUpload
	}
	return domain.KindMQTTTotal
}

// annotateStages computes per-stage statistics and marks each message's
// anomalous stages and bottleneck.
func annotateStages(msgs []domain.MQTTMessageDelay) []domain.StageStats {
	var stats []domain.StageStats
	thresholds := make(map[domain.MQTTStage]float64)
	for _, stage := range mqttStages {
		var vals []float64
		for _, m := range msgs {
			if v, ok := m.StageValue(stage).Value(); ok {
				vals = append(vals, v)
			}
		}
		if len(vals) == 0 {
			continue
		}
		st := domain.StageStats{
			Stage:  stage,
			Count:  len(vals),
			Mean:   mean(vals),
			Median: median(vals),
			Max:    maxOf(vals),
			StdDev: stdDev(vals),
		}
		st.Threshold = st.Mean + stageAnomalySigma[stage]*st.StdDev
		thresholds[stage] = st.Threshold
		stats = append(stats, st)
	}

	for i := range msgs {
		m := &msgs[i]
		best := -math.MaxFloat64
		for _, stage := range mqttStages {
			v, ok := m.StageValue(stage).Value()
			if !ok {
				continue
			}
			if th, ok := thresholds[stage]; ok && v > th {
				m.Anomalous = append(m.Anomalous, stage)
			}
			if stage != domain.StageTotal && v > best {
				best = v
				m.Bottleneck = stage
			}
		}
	}
	return stats
}

func (tp *topology) entities() []domain.MQTTEntity {
	ips := make(map[string]bool)
	for _, set := range []map[string]bool{tp.brokers, tp.clients, tp.clouds} {
		for ip := range set {
			ips[ip] = true
		}
	}
	out := make([]domain.MQTTEntity, 0, len(ips))
	for ip := range ips {
		e := domain.MQTTEntity{IP: ip, BrokerConfirmed: tp.confirmed[ip], Forwarder: tp.forwarder[ip]}
		if tp.clients[ip] && !tp.brokers[ip] {
			e.Roles = append(e.Roles, domain.RoleClient)
		}
		if tp.brokers[ip] {
			e.Roles = append(e.Roles, domain.RoleBroker)
		}
		if tp.clouds[ip] {
			e.Roles = append(e.Roles, domain.RoleCloud)
		}
		out = append(out, e)
	}
	domain.SortEntities(out)
	return out
}

func (a *MQTTAnalyzer) reset() {
	a.flows = nil
	a.connectSrc = make(map[string]bool)
	a.connectDst = make(map[string]bool)
	a.connackSrc = make(map[string]bool)
}
