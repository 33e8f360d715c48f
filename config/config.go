// Package config reads omnirelay.hcl with include support and applies defaults.
package config

import (
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/helpers"
	"github.com/omnibot/omnirelay/log2"
)

const (
	DefaultRobotListen   = "tcp://0.0.0.0:9000"
	DefaultConsoleListen = ":9003"
	DefaultStoreDSN      = "omnirelay.db"
)

type Config struct {
	// includeSeen contains absolute paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []Source `hcl:"include"`

	Log        LogConfig        `hcl:"log"`
	Robot      RobotConfig      `hcl:"robot"`
	Console    ConsoleConfig    `hcl:"console"`
	Heartbeat  HeartbeatConfig  `hcl:"heartbeat"`
	Trajectory TrajectoryConfig `hcl:"trajectory"`
	Store      StoreConfig      `hcl:"store"`
	Uplink     UplinkConfig     `hcl:"uplink"`
}

type Source struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

type LogConfig struct {
	Level      string `hcl:"level"`
	File       string `hcl:"file"`
	MaxSizeMB  int    `hcl:"max_size_mb"`
	MaxBackups int    `hcl:"max_backups"`
	MaxAgeDays int    `hcl:"max_age_days"`
}

type RobotConfig struct {
	Listen          []string `hcl:"listen"`
	ReadTimeoutSec  int      `hcl:"read_timeout_sec"`
	WriteTimeoutSec int      `hcl:"write_timeout_sec"`
	ReadLimit       int      `hcl:"read_limit"`
}

func (rc *RobotConfig) ReadTimeout() time.Duration {
	return helpers.IntSecondDefault(rc.ReadTimeoutSec, 600*time.Second)
}
func (rc *RobotConfig) WriteTimeout() time.Duration {
	return helpers.IntSecondDefault(rc.WriteTimeoutSec, 10*time.Second)
}

type ConsoleConfig struct {
	Listen          string   `hcl:"listen"`
	AuthSecret      string   `hcl:"auth_secret"`
	AllowedOrigins  []string `hcl:"allowed_origins"`
	MaxMessageSize  int      `hcl:"max_message_size"`
	WriteTimeoutSec int      `hcl:"write_timeout_sec"`
}

func (cc *ConsoleConfig) WriteTimeout() time.Duration {
	return helpers.IntSecondDefault(cc.WriteTimeoutSec, 10*time.Second)
}

type HeartbeatConfig struct {
	IntervalSec int `hcl:"interval_sec"`
	IdleMs      int `hcl:"idle_ms"`
	MaxFailures int `hcl:"max_failures"`
}

func (hc *HeartbeatConfig) Interval() time.Duration {
	return helpers.IntSecondDefault(hc.IntervalSec, 15*time.Second)
}
func (hc *HeartbeatConfig) Idle() time.Duration {
	return helpers.IntMillisecondDefault(hc.IdleMs, 7500*time.Millisecond)
}

type TrajectoryConfig struct {
	WheelRadius   float64 `hcl:"wheel_radius"`
	RobotRadius   float64 `hcl:"robot_radius"`
	MaxPoints     int     `hcl:"max_points"`
	MinDistance   float64 `hcl:"min_distance"`
	MinAngle      float64 `hcl:"min_angle"`
	SnapshotEvery int     `hcl:"snapshot_every"`
	MaxDt         float64 `hcl:"max_dt"`
	IMUHeading    bool    `hcl:"imu_heading"`
	Queue         int     `hcl:"queue"`
}

type StoreConfig struct {
	Driver        string `hcl:"driver"`
	DSN           string `hcl:"dsn"`
	RetryDelaySec int    `hcl:"retry_delay_sec"`
	RetryMax      int    `hcl:"retry_max"`
	MaxOpenConns  int    `hcl:"max_open_conns"`
	Queue         int    `hcl:"queue"`
}

func (sc *StoreConfig) RetryDelay() time.Duration {
	return helpers.IntSecondDefault(sc.RetryDelaySec, 5*time.Second)
}

type UplinkConfig struct {
	Enable        bool   `hcl:"enable"`
	Broker        string `hcl:"broker"`
	ClientID      string `hcl:"client_id"`
	Username      string `hcl:"username"`
	Password      string `hcl:"password"`
	TopicPrefix   string `hcl:"topic_prefix"`
	RetryDelaySec int    `hcl:"retry_delay_sec"`
	RetryMax      int    `hcl:"retry_max"`
}

func (uc *UplinkConfig) RetryDelay() time.Duration {
	return helpers.IntSecondDefault(uc.RetryDelaySec, 5*time.Second)
}

// ApplyDefaults fills zero values. Called by ReadConfig, exported for tests
// that build Config literals.
func (c *Config) ApplyDefaults() {
	if len(c.Robot.Listen) == 0 {
		c.Robot.Listen = []string{DefaultRobotListen}
	}
	if c.Robot.ReadTimeoutSec == 0 {
		c.Robot.ReadTimeoutSec = 600
	}
	if c.Robot.WriteTimeoutSec == 0 {
		c.Robot.WriteTimeoutSec = 10
	}
	if c.Robot.ReadLimit == 0 {
		c.Robot.ReadLimit = 64 << 10
	}
	if c.Console.Listen == "" {
		c.Console.Listen = DefaultConsoleListen
	}
	if c.Console.MaxMessageSize == 0 {
		c.Console.MaxMessageSize = 64 << 10
	}
	if c.Heartbeat.IntervalSec == 0 {
		c.Heartbeat.IntervalSec = 15
	}
	if c.Heartbeat.IdleMs == 0 {
		c.Heartbeat.IdleMs = 7500
	}
	if c.Heartbeat.MaxFailures == 0 {
		c.Heartbeat.MaxFailures = 10
	}
	t := &c.Trajectory
	if t.WheelRadius == 0 {
		t.WheelRadius = 0.03
	}
	if t.RobotRadius == 0 {
		t.RobotRadius = 0.153
	}
	if t.MaxPoints == 0 {
		t.MaxPoints = 500
	}
	if t.MinDistance == 0 {
		t.MinDistance = 0.05
	}
	if t.MinAngle == 0 {
		t.MinAngle = 0.1
	}
	if t.SnapshotEvery == 0 {
		t.SnapshotEvery = 10
	}
	if t.MaxDt == 0 {
		t.MaxDt = 1.0
	}
	if t.Queue == 0 {
		t.Queue = 256
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.DSN == "" {
		c.Store.DSN = DefaultStoreDSN
	}
	if c.Store.RetryDelaySec == 0 {
		c.Store.RetryDelaySec = 5
	}
	if c.Store.RetryMax == 0 {
		c.Store.RetryMax = 12
	}
	if c.Store.MaxOpenConns == 0 {
		c.Store.MaxOpenConns = 4
	}
	if c.Store.Queue == 0 {
		c.Store.Queue = 1024
	}
	if c.Uplink.Broker == "" {
		c.Uplink.Broker = "tcp://localhost:1883"
	}
	if c.Uplink.ClientID == "" {
		c.Uplink.ClientID = "omnirelay"
	}
	if c.Uplink.TopicPrefix == "" {
		c.Uplink.TopicPrefix = "omnirelay"
	}
	if c.Uplink.RetryDelaySec == 0 {
		c.Uplink.RetryDelaySec = 5
	}
	if c.Uplink.RetryMax == 0 {
		c.Uplink.RetryMax = 12
	}
}

func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if _, err := log2.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, errors.NotValidf("log.level=%s", c.Log.Level))
	}
	for _, l := range c.Robot.Listen {
		if u, err := url.ParseRequestURI(l); err != nil || u.Host == "" && u.Scheme != "unix" {
			errs = append(errs, errors.NotValidf("robot.listen=%s", l))
		}
	}
	switch c.Store.Driver {
	case "sqlite", "mysql", "none":
	default:
		errs = append(errs, errors.NotValidf("store.driver=%s", c.Store.Driver))
	}
	if c.Trajectory.WheelRadius <= 0 || c.Trajectory.RobotRadius <= 0 {
		errs = append(errs, errors.NotValidf("trajectory radius wheel=%v robot=%v",
			c.Trajectory.WheelRadius, c.Trajectory.RobotRadius))
	}
	if c.Trajectory.MaxPoints < 1 {
		errs = append(errs, errors.NotValidf("trajectory.max_points=%d", c.Trajectory.MaxPoints))
	}
	if c.Uplink.Enable && !strings.Contains(c.Uplink.Broker, "://") {
		errs = append(errs, errors.NotValidf("uplink.broker=%s", c.Uplink.Broker))
	}
	return helpers.FoldErrors(errs)
}

func (c *Config) read(log *log2.Log, fs FullReader, source Source, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []Source
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig reads names in order, later values override earlier.
// Relative includes resolve against directory of first name.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.Errorf("code error ReadConfig() without names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		dir, name := filepath.Split(names[0])
		if dir != "" {
			osfs.SetBase(dir)
		}
		names = append([]string{name}, names[1:]...)
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, Source{Name: name}, &errs)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return nil, err
	}
	c.ApplyDefaults()
	return c, errors.Annotate(c.Validate(), "config")
}

// Default is config with no file read.
func Default() *Config {
	c := &Config{includeSeen: make(map[string]struct{})}
	c.ApplyDefaults()
	return c
}
