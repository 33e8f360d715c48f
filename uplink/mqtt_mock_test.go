package uplink

import (
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

type mockMsg struct {
	Topic   string
	Qos     byte
	Retain  bool
	Payload []byte
}

type mqttMock struct {
	Opt *mqtt.ClientOptions
	Pub chan mockMsg

	connected    int32
	failConnect  int32
	connectCalls int32
	disconnected int32
	mu           sync.Mutex
}

func newMqttMock() *mqttMock { return &mqttMock{Pub: make(chan mockMsg, 32)} }

func (self *mqttMock) New(opt *mqtt.ClientOptions) mqtt.Client {
	self.Opt = opt
	return self
}

func (self *mqttMock) Disconnect(uint) {
	atomic.StoreInt32(&self.connected, 0)
	atomic.StoreInt32(&self.disconnected, 1)
}
func (self *mqttMock) IsConnected() bool      { return atomic.LoadInt32(&self.connected) != 0 }
func (self *mqttMock) IsConnectionOpen() bool { return self.IsConnected() }

func (self *mqttMock) Connect() mqtt.Token {
	atomic.AddInt32(&self.connectCalls, 1)
	if atomic.LoadInt32(&self.failConnect) != 0 {
		return mockToken{errors.New("connection refused")}
	}
	atomic.StoreInt32(&self.connected, 1)
	return mockToken{nil}
}

func (self *mqttMock) Publish(topic string, qos byte, retain bool, payload interface{}) mqtt.Token {
	self.Pub <- mockMsg{topic, qos, retain, payload.([]byte)}
	return mockToken{nil}
}

func (self *mqttMock) Subscribe(string, byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) AddRoute(string, mqtt.MessageHandler) { panic("not implemented") }
func (self *mqttMock) OptionsReader() mqtt.ClientOptionsReader {
	panic("not implemented")
}
func (self *mqttMock) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	panic("not implemented")
}
func (self *mqttMock) Unsubscribe(...string) mqtt.Token { panic("not implemented") }

type mockToken struct{ error }

func (tok mockToken) Error() error                   { return tok.error }
func (tok mockToken) Wait() bool                     { return true }
func (tok mockToken) WaitTimeout(time.Duration) bool { return true }
