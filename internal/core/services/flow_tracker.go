package services

import (
	"fmt"
	"sort"

	"streamsight/internal/core/domain"
)

// Flow is one conversation's ordered history. Records are only safe to read
// once the owning FlowTable is sealed.
type Flow struct {
	Key     domain.FlowKey
	Records []domain.DirectedRecord
	// Err is set when the flow violated a tracker invariant; such flows are
	// reported as failures and never analyzed.
	Err error
}

func (f *Flow) Start() float64 {
	if len(f.Records) == 0 {
		return 0
	}
	return f.Records[0].Timestamp
}

func (f *Flow) End() float64 {
	if len(f.Records) == 0 {
		return 0
	}
	return f.Records[len(f.Records)-1].Timestamp
}

// baseSummary fills the protocol-independent part of a summary.
func (f *Flow) baseSummary() domain.FlowSummary {
	s := domain.FlowSummary{
		Key:      f.Key,
		Protocol: f.Key.Protocol,
		Packets:  len(f.Records),
		Start:    f.Start(),
		End:      f.End(),
	}
	if len(f.Records) > 0 {
		s.SetInitiator(f.Key, f.Records[0].Direction)
	}
	return s
}

// transportTuple is a FlowKey without the application protocol. TCP and MQTT
// share a transport, so one tuple must never carry both.
type transportTuple struct {
	udp   bool
	ipA   string
	portA uint16
	ipB   string
	portB uint16
}

func tupleOf(k domain.FlowKey) transportTuple {
	return transportTuple{
		udp:   k.Protocol == domain.ProtocolUDP,
		ipA:   k.IPA,
		portA: k.PortA,
		ipB:   k.IPB,
		portB: k.PortB,
	}
}

// FlowTable groups records per FlowKey for a single run. Append is
// single-writer; after Seal the table is read-only and may be shared.
type FlowTable struct {
	flows   map[domain.FlowKey]*Flow
	order   []domain.FlowKey
	owners  map[transportTuple]domain.FlowKey
	sealed  bool
	records int
}

func NewFlowTable() *FlowTable {
	return &FlowTable{
		flows:  make(map[domain.FlowKey]*Flow),
		owners: make(map[transportTuple]domain.FlowKey),
	}
}

// Append places a record in its flow. A record whose transport tuple is
// already owned by a flow of another protocol poisons that flow and is
// rejected with ErrFlowKeyCollision.
func (t *FlowTable) Append(r domain.PacketRecord) error {
	if t.sealed {
		return domain.ErrTableSealed
	}

	key, dir := domain.KeyFor(r)
	tuple := tupleOf(key)
	if owner, ok := t.owners[tuple]; ok && owner != key {
		f := t.flows[owner]
		if f.Err == nil {
			f.Err = fmt.Errorf("%w: %s seen as %s", domain.ErrFlowKeyCollision, owner, key.Protocol)
		}
		return f.Err
	}

	f, ok := t.flows[key]
	if !ok {
		f = &Flow{Key: key}
		t.flows[key] = f
		t.order = append(t.order, key)
		t.owners[tuple] = key
	}
	f.Records = append(f.Records, domain.DirectedRecord{
		PacketRecord: r,
		Direction:    dir,
		Index:        t.records,
	})
	t.records++
	return nil
}

// Seal orders every flow by timestamp, capture order breaking ties, and
// freezes the table.
func (t *FlowTable) Seal() {
	if t.sealed {
		return
	}
	for _, f := range t.flows {
		recs := f.Records
		sort.SliceStable(recs, func(i, j int) bool {
			if recs[i].Timestamp != recs[j].Timestamp {
				return recs[i].Timestamp < recs[j].Timestamp
			}
			return recs[i].Index < recs[j].Index
		})
	}
	t.sealed = true
}

// Flows returns all flows in first-seen order.
func (t *FlowTable) Flows() ([]*Flow, error) {
	if !t.sealed {
		return nil, domain.ErrTableNotSealed
	}
	out := make([]*Flow, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.flows[k])
	}
	return out, nil
}

// Get returns the flow for key.
func (t *FlowTable) Get(key domain.FlowKey) (*Flow, bool) {
	f, ok := t.flows[key]
	return f, ok
}

func (t *FlowTable) Len() int     { return len(t.order) }
func (t *FlowTable) Records() int { return t.records }

// Release drops all per-flow state at the end of a run.
func (t *FlowTable) Release() {
	t.flows = nil
	t.order = nil
	t.owners = nil
}
