package services

import (
	"testing"

	"streamsight/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlowTable_BothDirectionsShareAFlow(t *testing.T) {
	flows := buildFlows(t,
		udpRec(1.0, "10.0.0.2", 5000, "10.0.0.1", 6000),
		udpRec(1.1, "10.0.0.1", 6000, "10.0.0.2", 5000),
	)
	require.Len(t, flows, 1)

	f := flows[0]
	assert.Equal(t, "10.0.0.1", f.Key.IPA)
	assert.Equal(t, uint16(6000), f.Key.PortA)
	assert.Equal(t, domain.DirBToA, f.Records[0].Direction)
	assert.Equal(t, domain.DirAToB, f.Records[1].Direction)
}

func TestFlowTable_SealOrdersByTimeThenCaptureOrder(t *testing.T) {
	a := udpRec(2.0, "10.0.0.1", 5000, "10.0.0.2", 5000)
	b := udpRec(1.0, "10.0.0.1", 5000, "10.0.0.2", 5000)
	c := udpRec(1.0, "10.0.0.2", 5000, "10.0.0.1", 5000)
	c.Length = 1

	flows := buildFlows(t, a, b, c)
	require.Len(t, flows, 1)
	recs := flows[0].Records
	require.Len(t, recs, 3)

	assert.Equal(t, 1.0, recs[0].Timestamp)
	assert.Equal(t, 1, recs[0].Index)
	assert.Equal(t, 2, recs[1].Index)
	assert.Equal(t, 1, recs[1].Length)
	assert.Equal(t, 2.0, recs[2].Timestamp)
	assert.Equal(t, 1.0, flows[0].Start())
	assert.Equal(t, 2.0, flows[0].End())
}

func TestFlowTable_Lifecycle(t *testing.T) {
	table := NewFlowTable()
	require.NoError(t, table.Append(udpRec(1, "10.0.0.1", 1, "10.0.0.2", 2)))

	_, err := table.Flows()
	assert.ErrorIs(t, err, domain.ErrTableNotSealed)

	table.Seal()
	table.Seal()
	err = table.Append(udpRec(2, "10.0.0.1", 1, "10.0.0.2", 2))
	assert.ErrorIs(t, err, domain.ErrTableSealed)

	assert.Equal(t, 1, table.Len())
	assert.Equal(t, 1, table.Records())

	table.Release()
	assert.Zero(t, table.Len())
}

func TestFlowTable_FirstSeenOrder(t *testing.T) {
	flows := buildFlows(t,
		udpRec(3, "10.0.0.9", 9, "10.0.0.8", 8),
		udpRec(1, "10.0.0.1", 1, "10.0.0.2", 2),
	)
	require.Len(t, flows, 2)
	assert.Equal(t, "10.0.0.8", flows[0].Key.IPA)
	assert.Equal(t, "10.0.0.1", flows[1].Key.IPA)
}

func TestFlowTable_ProtocolCollisionPoisonsFlow(t *testing.T) {
	table := NewFlowTable()
	require.NoError(t, table.Append(tcpRec(1, "10.0.0.1", 40000, "10.0.0.2", 1883, domain.FlagSYN, 1, 0, 0)))

	err := table.Append(mqttRec(2, "10.0.0.1", 40000, "10.0.0.2", 1883, domain.MQTTConnect, nil, 10))
	require.ErrorIs(t, err, domain.ErrFlowKeyCollision)

	// UDP on the same tuple is a different transport
	require.NoError(t, table.Append(udpRec(3, "10.0.0.1", 40000, "10.0.0.2", 1883)))

	table.Seal()
	flows, err := table.Flows()
	require.NoError(t, err)
	require.Len(t, flows, 2)
	assert.ErrorIs(t, flows[0].Err, domain.ErrFlowKeyCollision)
	assert.Len(t, flows[0].Records, 1)
	assert.NoError(t, flows[1].Err)
}
