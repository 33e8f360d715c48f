package uplink

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMQTT(t testing.TB, mock *mqttMock, prefix string) *MQTT {
	m := NewMQTT(Options{
		Broker:      "tcp://127.0.0.1:1883",
		TopicPrefix: prefix,
		RetryDelay:  time.Millisecond,
		RetryMax:    3,
		Log:         log2.NewTest(t, log2.LDebug),
		NewClient:   mock.New,
	})
	t.Cleanup(m.Close)
	return m
}

func TestTopic(t *testing.T) {
	t.Parallel()
	cases := []struct {
		prefix string
		robot  string
		typ    envelope.Type
		expect string
	}{
		{"omnirelay", "robot1", envelope.TypeEncoderData, "omnirelay/robot1/encoder_data"},
		{"/fleet/", "robot1", envelope.TypeIMUData, "fleet/robot1/imu_data"},
		{"", "robot2", envelope.TypeTrajectoryUpdate, "robot2/trajectory_update"},
		{"omnirelay", "", envelope.TypeHeartbeat, "omnirelay/server/heartbeat"},
	}
	for _, c := range cases {
		m := testMQTT(t, newMqttMock(), c.prefix)
		assert.Equal(t, c.expect, m.Topic(c.robot, c.typ))
	}
}

func TestPublish(t *testing.T) {
	t.Parallel()
	mock := newMqttMock()
	m := testMQTT(t, mock, "omnirelay")
	require.Eventually(t, mock.IsConnected, time.Second, time.Millisecond)

	raw := []byte(`{"type":"encoder_data","robot_id":"robot1","rpm":[1,2,3]}`)
	e, err := envelope.Parse(raw)
	require.NoError(t, err)
	require.NoError(t, m.Publish(e))
	msg := <-mock.Pub
	assert.Equal(t, "omnirelay/robot1/encoder_data", msg.Topic)
	assert.Equal(t, byte(0), msg.Qos)
	assert.False(t, msg.Retain)
	assert.Equal(t, raw, msg.Payload, "frame mirrored verbatim")
	assert.Equal(t, int64(1), m.Published.Value())
}

func TestPublishDisconnected(t *testing.T) {
	t.Parallel()
	mock := newMqttMock()
	atomic.StoreInt32(&mock.failConnect, 1)
	m := testMQTT(t, mock, "x")
	require.Eventually(t, func() bool { return atomic.LoadInt32(&mock.connectCalls) == 3 }, time.Second, time.Millisecond)
	m.Close()
	assert.Equal(t, int32(3), atomic.LoadInt32(&mock.connectCalls), "capped retry")

	err := m.Publish(envelope.NewPing("robot1"))
	assert.Equal(t, ErrUnavailable, err)
	assert.Equal(t, int64(1), m.Dropped.Value())
}

func TestReconnectAfterGiveUp(t *testing.T) {
	t.Parallel()
	mock := newMqttMock()
	atomic.StoreInt32(&mock.failConnect, 1)
	m := testMQTT(t, mock, "omnirelay")
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&mock.connectCalls) == 3 && atomic.LoadInt32(&m.connecting) == 0
	}, time.Second, time.Millisecond)

	// broker is back, next publish after gave up starts new connect round
	atomic.StoreInt32(&mock.failConnect, 0)
	assert.Equal(t, ErrUnavailable, m.Publish(envelope.NewPing("robot1")))
	require.Eventually(t, mock.IsConnected, time.Second, time.Millisecond)
	assert.Equal(t, int32(4), atomic.LoadInt32(&mock.connectCalls))

	require.NoError(t, m.Publish(envelope.NewPing("robot1")))
	msg := <-mock.Pub
	assert.Equal(t, "omnirelay/robot1/ping", msg.Topic)
	assert.Equal(t, int64(1), m.Published.Value())
}

func TestNewDisabled(t *testing.T) {
	t.Parallel()
	p, err := New(context.Background(), false, Options{})
	require.NoError(t, err)
	assert.NoError(t, p.Publish(envelope.NewPing("robot1")))
	p.Close()

	_, err = New(context.Background(), true, Options{})
	assert.True(t, errors.IsNotValid(err))
	_, err = New(context.Background(), true, Options{Broker: "localhost"})
	assert.True(t, errors.IsNotValid(err))
}
