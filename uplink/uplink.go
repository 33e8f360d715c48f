// Package uplink mirrors robot telemetry and pose updates to an external MQTT broker.
// Topic layout: <prefix>/<robot_id>/<type>, QoS 0, not retained.
package uplink

import (
	"context"
	"expvar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/log2"
)

const DefaultTimeout = 5 * time.Second

var ErrUnavailable = errors.New("uplink not connected")

var mqttLogOnce sync.Once

type Publisher interface {
	Publish(e *envelope.Envelope) error
	Close()
}

// Nop is used when uplink is disabled.
type Nop struct{}

func (Nop) Publish(*envelope.Envelope) error { return nil }
func (Nop) Close()                          {}

type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	RetryDelay  time.Duration
	RetryMax    int
	Timeout     time.Duration
	LogDebug    bool
	Log         *log2.Log

	// tests replace client constructor
	NewClient func(*mqtt.ClientOptions) mqtt.Client
}

type MQTT struct {
	log    *log2.Log
	opt    Options
	m      mqtt.Client
	mopt   *mqtt.ClientOptions
	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	// guards wg.Add against Close
	mu sync.Mutex
	// set after first successful connect, paho reconnects on its own since then
	everConnected int32
	connecting    int32

	Published expvar.Int
	Dropped   expvar.Int
}

// NewMQTT starts connecting in background and returns immediately.
// Publish fails with ErrUnavailable until connected.
func NewMQTT(opt Options) *MQTT {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.RetryDelay <= 0 {
		opt.RetryDelay = 5 * time.Second
	}
	if opt.ClientID == "" {
		opt.ClientID = "omnirelay"
	}
	opt.TopicPrefix = strings.Trim(opt.TopicPrefix, "/")
	self := &MQTT{
		log:    opt.Log,
		opt:    opt,
		stopCh: make(chan struct{}),
	}

	// paho loggers are process global, first client wins
	mqttLogOnce.Do(func() {
		mqttLog := self.log.Clone(log2.LDebug).Component("uplink.mqtt")
		mqtt.CRITICAL = mqttLog
		mqtt.ERROR = mqttLog
		mqtt.WARN = mqttLog
		if opt.LogDebug {
			mqtt.DEBUG = mqttLog
		}
	})

	self.mopt = mqtt.NewClientOptions().
		AddBroker(opt.Broker).
		SetAutoReconnect(true).
		SetCleanSession(true).
		SetClientID(opt.ClientID).
		SetConnectTimeout(opt.Timeout).
		SetKeepAlive(opt.Timeout * 6).
		SetMaxReconnectInterval(opt.RetryDelay).
		SetOrderMatters(false).
		SetPingTimeout(opt.Timeout).
		SetWriteTimeout(opt.Timeout)
	if opt.Username != "" {
		self.mopt.SetUsername(opt.Username).SetPassword(opt.Password)
	}
	newClient := opt.NewClient
	if newClient == nil {
		newClient = mqtt.NewClient
	}
	self.m = newClient(self.mopt)

	self.startOnline()
	return self
}

// Topic is <prefix>/<robot_id>/<type>.
func (self *MQTT) Topic(robotID string, t envelope.Type) string {
	topic := envelope.Topic(robotID, t)
	if self.opt.TopicPrefix == "" {
		return topic
	}
	return self.opt.TopicPrefix + "/" + topic
}

func (self *MQTT) Publish(e *envelope.Envelope) error {
	if !self.m.IsConnected() {
		if atomic.LoadInt32(&self.everConnected) == 0 {
			self.startOnline()
		}
		self.Dropped.Add(1)
		return ErrUnavailable
	}
	payload, err := e.Bytes()
	if err != nil {
		return errors.Annotate(err, "uplink encode")
	}
	topic := self.Topic(e.RobotID, e.Type)
	t := self.m.Publish(topic, 0, false, payload)
	if err := self.tokenWait(t, "publish "+topic); err != nil {
		self.Dropped.Add(1)
		return err
	}
	self.Published.Add(1)
	return nil
}

func (self *MQTT) Close() {
	self.once.Do(func() {
		self.mu.Lock()
		close(self.stopCh)
		self.mu.Unlock()
		self.wg.Wait()
		self.m.Disconnect(uint(self.opt.Timeout / time.Millisecond))
	})
}

// startOnline begins connect round unless one is running or client is closed.
func (self *MQTT) startOnline() {
	if !atomic.CompareAndSwapInt32(&self.connecting, 0, 1) {
		return
	}
	self.mu.Lock()
	defer self.mu.Unlock()
	if !self.isRunning() {
		atomic.StoreInt32(&self.connecting, 0)
		return
	}
	self.wg.Add(1)
	go self.online()
}

// online connects with up to RetryMax attempts RetryDelay apart.
// After first success paho auto reconnect takes over. When round gives up,
// next Publish starts another.
func (self *MQTT) online() {
	defer self.wg.Done()
	defer atomic.StoreInt32(&self.connecting, 0)
	for i := 1; self.isRunning(); i++ {
		t := self.m.Connect()
		err := self.tokenWait(t, "connect")
		if err == nil {
			atomic.StoreInt32(&self.everConnected, 1)
			self.log.Infof("uplink connected broker=%s", self.opt.Broker)
			return
		}
		if self.opt.RetryMax > 0 && i >= self.opt.RetryMax {
			self.log.Errorf("uplink give up broker=%s after %d attempts", self.opt.Broker, i)
			return
		}
		select {
		case <-self.stopCh:
			return
		case <-time.After(self.opt.RetryDelay):
		}
	}
}

func (self *MQTT) isRunning() bool {
	select {
	case <-self.stopCh:
		return false
	default:
		return true
	}
}

func (self *MQTT) tokenWait(t mqtt.Token, tag string) error {
	if !t.WaitTimeout(self.opt.Timeout) {
		err := errors.Timeoutf(tag)
		self.log.Errorf("uplink: MQTT %s", err.Error())
		return err
	}
	if err := t.Error(); err != nil {
		err = errors.Annotate(err, tag)
		self.log.Errorf("uplink: MQTT %s", err.Error())
		return err
	}
	return nil
}

// New returns Nop when disabled.
func New(ctx context.Context, enable bool, opt Options) (Publisher, error) {
	if !enable {
		return Nop{}, nil
	}
	if opt.Broker == "" {
		return nil, errors.NotValidf("uplink enabled without broker")
	}
	if u, err := url.Parse(opt.Broker); err != nil || u.Scheme == "" {
		return nil, errors.NotValidf("uplink broker=%q", opt.Broker)
	}
	p := NewMQTT(opt)
	go func() {
		<-ctx.Done()
		p.Close()
	}()
	return p, nil
}
