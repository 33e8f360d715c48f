package relay

import (
	"encoding/json"
	"testing"

	"github.com/omnibot/omnirelay/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	t.Parallel()
	cases := []struct {
		typ    envelope.Type
		expect Category
	}{
		{envelope.TypePing, CategoryLiveness},
		{envelope.TypeHeartbeat, CategoryLiveness},
		{envelope.TypeMotorControl, CategoryCommand},
		{envelope.TypeEmergencyStop, CategoryCommand},
		{envelope.TypeEncoderData, CategoryTelemetry},
		{envelope.TypeIMUData, CategoryTelemetry},
		{envelope.TypeTrajectoryUpdate, CategoryTrajectory},
		{envelope.TypeRegistration, CategorySession},
		{envelope.TypeDataAck, CategorySession},
		{envelope.Type("bogus"), CategorySession},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, Classify(c.typ), string(c.typ))
	}
	assert.Equal(t, "category(9)", Category(9).String())
}

func TestSessionStatMove(t *testing.T) {
	t.Parallel()
	var conn, total SessionStat
	conn.Conn.Add(1)
	conn.Invalid.Add(2)
	conn.Recv.Register(envelope.TypeEncoderData, 40)
	conn.Recv.Register(envelope.TypeEncoderData, 60)
	conn.Recv.Register(envelope.TypePing, 10)
	conn.Send.Register(envelope.TypeDataAck, 30)
	conn.Send.Total.Size.Add(33)

	total.AddMoveFrom(&conn)
	assert.Equal(t, int64(0), conn.Recv.Total.Count.Value())
	assert.Equal(t, int64(0), conn.Recv.Of(CategoryTelemetry).Count.Value())
	assert.Equal(t, int64(1), total.Conn.Value())
	assert.Equal(t, int64(2), total.Invalid.Value())
	assert.Equal(t, int64(3), total.Recv.Total.Count.Value())
	assert.Equal(t, int64(2), total.Recv.Of(CategoryTelemetry).Count.Value())
	assert.Equal(t, int64(100), total.Recv.Of(CategoryTelemetry).Size.Value())
	assert.Equal(t, int64(1), total.Recv.Of(CategoryLiveness).Count.Value())
	assert.Equal(t, int64(30), total.Send.Of(CategorySession).Size.Value())
	assert.Equal(t, int64(33), total.Send.Total.Size.Value())

	var doc struct {
		Conn    int64            `json:"conn"`
		Invalid int64            `json:"invalid"`
		Recv    map[string]int64 `json:"recv"`
	}
	require.NoError(t, json.Unmarshal([]byte(total.String()), &doc))
	assert.Equal(t, int64(2), doc.Recv["tele.count"])
	assert.Equal(t, int64(1), doc.Recv["liveness.count"])
	assert.Equal(t, int64(0), doc.Recv["cmd.count"])
	assert.Equal(t, int64(3), doc.Recv["total.count"])
}
