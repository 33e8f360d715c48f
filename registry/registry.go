// Package registry tracks live robot connections and console sessions.
// All operations are synchronous and never perform I/O while holding the lock,
// closing replaced or evicted handles happens after unlock.
package registry

import (
	"context"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/256dpi/gomqtt/topic"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/envelope"
	"github.com/omnibot/omnirelay/helpers/atomic_clock"
	"github.com/omnibot/omnirelay/log2"
)

// DefaultTopic is subscription of new console sessions.
const DefaultTopic = "#"

// Conn is transport handle of either side.
type Conn interface {
	Send(ctx context.Context, e *envelope.Envelope) error
	Close() error
	Closed() bool
	RemoteAddr() net.Addr
}

type Robot struct {
	ID           string
	Conn         Conn
	RegisteredAt time.Time

	last     atomic_clock.Clock
	reserved int32
	manual   int32
}

func (r *Robot) Touch()                       { r.last.SetNow() }
func (r *Robot) LastActivity() time.Time      { return r.last.Time() }
func (r *Robot) SinceActivity() time.Duration { return atomic_clock.Since(&r.last) }
func (r *Robot) Reserved() bool               { return atomic.LoadInt32(&r.reserved) != 0 }
func (r *Robot) ManualDisconnect() bool       { return atomic.LoadInt32(&r.manual) != 0 }
func (r *Robot) SetManualDisconnect()         { atomic.StoreInt32(&r.manual, 1) }

func (r *Robot) Info() envelope.RobotInfo {
	return envelope.RobotInfo{
		RobotID:        r.ID,
		RemoteAddr:     addrString(r.Conn.RemoteAddr()),
		ConnectedSince: float64(r.RegisteredAt.UnixNano()) / float64(time.Second),
		LastActivity:   float64(r.last.UnixNano()) / float64(time.Second),
		Reserved:       r.Reserved(),
	}
}

type Console struct {
	SessionID      string
	Conn           Conn
	ConnectedSince time.Time

	last atomic_clock.Clock
	// guarded by Registry.mu
	topics map[string]struct{}
}

func (c *Console) Touch()                       { c.last.SetNow() }
func (c *Console) LastActivity() time.Time      { return c.last.Time() }
func (c *Console) SinceActivity() time.Duration { return atomic_clock.Since(&c.last) }

type Registry struct {
	log *log2.Log
	mu  sync.RWMutex

	robots   map[string]*Robot
	consoles map[string]*Console
	subs     *topic.Tree // *Console
}

func New(log *log2.Log) *Registry {
	return &Registry{
		log:      log,
		robots:   make(map[string]*Robot),
		consoles: make(map[string]*Console),
		subs:     topic.NewStandardTree(),
	}
}

// Register makes conn the only live handle for robotID.
// Previous handle, if any and different, is closed and returned.
func (r *Registry) Register(robotID string, conn Conn) (*Robot, Conn, error) {
	if robotID == "" {
		return nil, nil, errors.NotValidf("empty robot_id")
	}
	robot := &Robot{ID: robotID, Conn: conn, RegisteredAt: time.Now()}
	robot.Touch()

	var ex *Robot
	r.mu.Lock()
	ex = r.robots[robotID]
	r.robots[robotID] = robot
	r.mu.Unlock()

	if ex == nil || ex.Conn == conn {
		return robot, nil, nil
	}
	r.log.Infof("robot overtake id=%s ex=%s new=%s", robotID, addrString(ex.Conn.RemoteAddr()), addrString(conn.RemoteAddr()))
	if err := ex.Conn.Close(); err != nil {
		r.log.Debugf("close replaced robot id=%s err=%v", robotID, err)
	}
	return robot, ex.Conn, nil
}

func (r *Registry) Lookup(robotID string) (*Robot, error) {
	r.mu.RLock()
	robot, ok := r.robots[robotID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("robot %s", robotID)
	}
	return robot, nil
}

// Unregister is idempotent, reports whether entry existed.
func (r *Registry) Unregister(robotID string) bool {
	r.mu.Lock()
	_, ok := r.robots[robotID]
	delete(r.robots, robotID)
	r.mu.Unlock()
	return ok
}

// Detach removes robotID only while conn is still its live handle,
// so cleanup of a replaced connection never evicts the replacement.
func (r *Registry) Detach(robotID string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.robots[robotID]; ok && ex.Conn == conn {
		delete(r.robots, robotID)
		return true
	}
	return false
}

// Contains reports whether conn is live handle of robot or console id.
func (r *Registry) Contains(id string, conn Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if robot, ok := r.robots[id]; ok && robot.Conn == conn {
		return true
	}
	if c, ok := r.consoles[id]; ok && c.Conn == conn {
		return true
	}
	return false
}

// Evict removes robot or console by id and closes its handle.
func (r *Registry) Evict(id string) bool {
	var conn Conn
	r.mu.Lock()
	if robot, ok := r.robots[id]; ok {
		conn = robot.Conn
		delete(r.robots, id)
	} else if c, ok := r.consoles[id]; ok {
		conn = c.Conn
		r.removeConsoleLocked(c)
	}
	r.mu.Unlock()

	if conn == nil {
		return false
	}
	r.log.Infof("evict id=%s remote=%s", id, addrString(conn.RemoteAddr()))
	_ = conn.Close()
	return true
}

// EvictConn is Evict guarded by conn still being the live handle of id.
func (r *Registry) EvictConn(id string, conn Conn) bool {
	found := false
	r.mu.Lock()
	if robot, ok := r.robots[id]; ok && robot.Conn == conn {
		delete(r.robots, id)
		found = true
	} else if c, ok := r.consoles[id]; ok && c.Conn == conn {
		r.removeConsoleLocked(c)
		found = true
	}
	r.mu.Unlock()

	if found {
		r.log.Infof("evict id=%s remote=%s", id, addrString(conn.RemoteAddr()))
		_ = conn.Close()
	}
	return found
}

// AddConsole creates session subscribed to DefaultTopic.
func (r *Registry) AddConsole(sessionID string, conn Conn) *Console {
	c := &Console{
		SessionID:      sessionID,
		Conn:           conn,
		ConnectedSince: time.Now(),
		topics:         make(map[string]struct{}),
	}
	c.Touch()

	r.mu.Lock()
	ex := r.consoles[sessionID]
	if ex != nil {
		r.removeConsoleLocked(ex)
	}
	r.consoles[sessionID] = c
	c.topics[DefaultTopic] = struct{}{}
	r.subs.Add(DefaultTopic, c)
	r.mu.Unlock()

	if ex != nil && ex.Conn != conn {
		_ = ex.Conn.Close()
	}
	return c
}

// RemoveConsole drops session and its subscriptions if c is still live.
func (r *Registry) RemoveConsole(c *Console) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.consoles[c.SessionID]; ok && ex == c {
		r.removeConsoleLocked(c)
		return true
	}
	return false
}

func (r *Registry) removeConsoleLocked(c *Console) {
	for t := range c.topics {
		r.subs.Remove(t, c)
	}
	c.topics = make(map[string]struct{})
	if r.consoles[c.SessionID] == c {
		delete(r.consoles, c.SessionID)
	}
}

func (r *Registry) Console(sessionID string) (*Console, error) {
	r.mu.RLock()
	c, ok := r.consoles[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.NotFoundf("console %s", sessionID)
	}
	return c, nil
}

// Touch updates last activity of robot or console session.
func (r *Registry) Touch(id string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if robot, ok := r.robots[id]; ok {
		robot.Touch()
	} else if c, ok := r.consoles[id]; ok {
		c.Touch()
	}
}

// Subscribe adds MQTT style patterns <robot_id>/<type> with + and # wildcards.
// Returns resulting topic set.
func (r *Registry) Subscribe(sessionID string, patterns ...string) ([]string, error) {
	clean, err := parsePatterns(patterns)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consoles[sessionID]
	if !ok {
		return nil, errors.NotFoundf("console %s", sessionID)
	}
	for _, p := range clean {
		if _, dup := c.topics[p]; dup {
			continue
		}
		c.topics[p] = struct{}{}
		r.subs.Add(p, c)
	}
	return topicList(c.topics), nil
}

func (r *Registry) Unsubscribe(sessionID string, patterns ...string) ([]string, error) {
	clean, err := parsePatterns(patterns)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.consoles[sessionID]
	if !ok {
		return nil, errors.NotFoundf("console %s", sessionID)
	}
	for _, p := range clean {
		if _, ok := c.topics[p]; ok {
			delete(c.topics, p)
			r.subs.Remove(p, c)
		}
	}
	return topicList(c.topics), nil
}

// Subscribers returns consoles whose patterns match robotID/t.
func (r *Registry) Subscribers(robotID string, t envelope.Type) []*Console {
	name := envelope.Topic(robotID, t)
	r.mu.RLock()
	values := r.subs.Match(name)
	r.mu.RUnlock()

	seen := make(map[*Console]struct{}, len(values))
	result := make([]*Console, 0, len(values))
	for _, v := range values {
		c := v.(*Console)
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		result = append(result, c)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SessionID < result[j].SessionID })
	return result
}

// Reserve pauses forwarding and heartbeat for robot during firmware transfer.
func (r *Registry) Reserve(robotID string) error {
	robot, err := r.Lookup(robotID)
	if err != nil {
		return err
	}
	if !atomic.CompareAndSwapInt32(&robot.reserved, 0, 1) {
		return errors.AlreadyExistsf("reservation robot=%s", robotID)
	}
	return nil
}

func (r *Registry) Release(robotID string) error {
	robot, err := r.Lookup(robotID)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&robot.reserved, 0)
	return nil
}

// Robots is snapshot sorted by id.
func (r *Registry) Robots() []*Robot {
	r.mu.RLock()
	list := make([]*Robot, 0, len(r.robots))
	for _, robot := range r.robots {
		list = append(list, robot)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Consoles is snapshot sorted by session id.
func (r *Registry) Consoles() []*Console {
	r.mu.RLock()
	list := make([]*Console, 0, len(r.consoles))
	for _, c := range r.consoles {
		list = append(list, c)
	}
	r.mu.RUnlock()
	sort.Slice(list, func(i, j int) bool { return list[i].SessionID < list[j].SessionID })
	return list
}

func (r *Registry) StatusReport() *envelope.StatusReport {
	robots := r.Robots()
	report := &envelope.StatusReport{Robots: make([]envelope.RobotInfo, 0, len(robots))}
	for _, robot := range robots {
		report.Robots = append(report.Robots, robot.Info())
	}
	r.mu.RLock()
	report.Consoles = len(r.consoles)
	r.mu.RUnlock()
	return report
}

func parsePatterns(patterns []string) ([]string, error) {
	clean := make([]string, 0, len(patterns))
	for _, p := range patterns {
		t, err := topic.Parse(p, true)
		if err != nil {
			return nil, errors.NewNotValid(err, "topic "+p)
		}
		clean = append(clean, t)
	}
	return clean, nil
}

func topicList(m map[string]struct{}) []string {
	list := make([]string, 0, len(m))
	for t := range m {
		list = append(list, t)
	}
	sort.Strings(list)
	return list
}

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}
