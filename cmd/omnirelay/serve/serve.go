// Relay service, main mode of operation.
package serve

import (
	"context"
	"expvar"
	"sync"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/cmd/omnirelay/subcmd"
	"github.com/omnibot/omnirelay/config"
	"github.com/omnibot/omnirelay/heartbeat"
	"github.com/omnibot/omnirelay/log2"
	"github.com/omnibot/omnirelay/registry"
	"github.com/omnibot/omnirelay/relay"
	"github.com/omnibot/omnirelay/store"
	"github.com/omnibot/omnirelay/trajectory"
	"github.com/omnibot/omnirelay/uplink"
)

var Mod = subcmd.Mod{Name: "serve", Usage: "run relay", Main: Main}
var MigrateMod = subcmd.Mod{Name: "migrate", Usage: "create or update store tables", Main: MigrateMain}

const driverNone = "none"

func Main(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	subcmd.SdNotify(log, "start")
	var wg sync.WaitGroup
	var st *store.Store
	ctx, cancel := context.WithCancel(ctx)
	// servers are closed first, then recorder flushes into store
	defer func() {
		cancel()
		wg.Wait()
		if st != nil {
			_ = st.Close()
		}
	}()

	reg := registry.New(log.Component("registry"))
	hb := heartbeat.NewMonitor(log.Component("heartbeat"), reg)
	hb.Interval = cfg.Heartbeat.Interval()
	hb.Idle = cfg.Heartbeat.Idle()
	hb.MaxFailures = cfg.Heartbeat.MaxFailures

	var recorder relay.Recorder
	var querier relay.Querier
	if cfg.Store.Driver != driverNone {
		var err error
		if st, err = store.Connect(ctx, StoreOptions(cfg, log)); err != nil {
			return errors.Annotate(err, "store")
		}
		r := store.NewRecorder(log.Component("recorder"), st, cfg.Store.Queue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
		recorder, querier = r, st
		publish("store", func() interface{} {
			return map[string]interface{}{
				"available": st.Available(),
				"pending":   r.Pending(),
				"written":   r.Written.Value(),
				"failed":    r.Failed.Value(),
				"dropped":   r.Dropped.Value(),
			}
		})
	}

	up, err := uplink.New(ctx, cfg.Uplink.Enable, uplink.Options{
		Broker:      cfg.Uplink.Broker,
		ClientID:    cfg.Uplink.ClientID,
		Username:    cfg.Uplink.Username,
		Password:    cfg.Uplink.Password,
		TopicPrefix: cfg.Uplink.TopicPrefix,
		RetryDelay:  cfg.Uplink.RetryDelay(),
		RetryMax:    cfg.Uplink.RetryMax,
		LogDebug:    log.Enabled(log2.LDebug),
		Log:         log.Component("uplink"),
	})
	if err != nil {
		return errors.Annotate(err, "uplink")
	}
	defer up.Close()

	bridge := relay.NewBridge(relay.BridgeOptions{
		Log:         log.Component("bridge"),
		Registry:    reg,
		Trajectory:  TrajectoryOptions(cfg),
		Recorder:    recorder,
		Uplink:      up,
		Heartbeat:   hb,
		SendTimeout: cfg.Robot.WriteTimeout(),
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		bridge.Run(ctx)
	}()

	robots := relay.NewRobotServer(log.Component("robot"), bridge)
	listens := make([]relay.ListenOptions, 0, len(cfg.Robot.Listen))
	for _, l := range cfg.Robot.Listen {
		listens = append(listens, relay.ListenOptions{
			StreamURL: l,
			ConnOptions: relay.ConnOptions{
				ReadTimeout:  cfg.Robot.ReadTimeout(),
				WriteTimeout: cfg.Robot.WriteTimeout(),
				ReadLimit:    cfg.Robot.ReadLimit,
			},
		})
	}
	if err = robots.Listen(ctx, listens); err != nil {
		_ = robots.Close()
		return errors.Annotate(err, "robot listen")
	}
	defer robots.Close()

	consoles, err := relay.NewConsoleServer(log.Component("console"), bridge, relay.ConsoleOptions{
		Listen:         cfg.Console.Listen,
		AuthSecret:     cfg.Console.AuthSecret,
		AllowedOrigins: cfg.Console.AllowedOrigins,
		MaxMessageSize: cfg.Console.MaxMessageSize,
		WriteTimeout:   cfg.Console.WriteTimeout(),
		Querier:        querier,
	})
	if err != nil {
		return errors.Annotate(err, "console")
	}
	if err = consoles.Listen(ctx); err != nil {
		return errors.Annotate(err, "console listen")
	}
	defer consoles.Close()

	publishVar("bridge", &bridge.Stat)
	publishVar("robot", robots.Stat())
	publishVar("console", consoles.Stat())
	publish("heartbeat", func() interface{} {
		return map[string]int64{
			"pings":    hb.Stats.Pings.Value(),
			"failures": hb.Stats.Failures.Value(),
			"evicted":  hb.Stats.Evicted.Value(),
		}
	})
	publish("trajectory", func() interface{} {
		return map[string]int64{"dropped": bridge.Estimator().Dropped.Value()}
	})

	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("omnirelay running robot=%v console=%s store=%s uplink=%v",
		robots.Addrs(), consoles.Addr(), cfg.Store.Driver, cfg.Uplink.Enable)

	<-ctx.Done()
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	log.Infof("omnirelay stopping")
	return nil
}

func MigrateMain(ctx context.Context, cfg *config.Config, log *log2.Log, args []string) error {
	if cfg.Store.Driver == driverNone {
		return errors.NotValidf("migrate with store.driver=none")
	}
	opt := StoreOptions(cfg, log)
	opt.RetryMax = 1
	st, err := store.Connect(ctx, opt)
	if err != nil {
		return errors.Annotate(err, "store")
	}
	defer st.Close()
	if err = st.Migrate(ctx); err != nil {
		return errors.Annotate(err, "migrate")
	}
	log.Infof("migrate complete driver=%s", cfg.Store.Driver)
	return nil
}

func StoreOptions(cfg *config.Config, log *log2.Log) store.Options {
	return store.Options{
		Driver:       cfg.Store.Driver,
		DSN:          cfg.Store.DSN,
		RetryDelay:   cfg.Store.RetryDelay(),
		RetryMax:     cfg.Store.RetryMax,
		MaxOpenConns: cfg.Store.MaxOpenConns,
		Log:          log.Component("store"),
	}
}

func TrajectoryOptions(cfg *config.Config) trajectory.Options {
	tc := cfg.Trajectory
	return trajectory.Options{
		Geometry:      trajectory.Geometry{WheelRadius: tc.WheelRadius, RobotRadius: tc.RobotRadius},
		MaxPoints:     tc.MaxPoints,
		MinDistance:   tc.MinDistance,
		MinAngle:      tc.MinAngle,
		SnapshotEvery: tc.SnapshotEvery,
		MaxDt:         tc.MaxDt,
		IMUHeading:    tc.IMUHeading,
		Queue:         tc.Queue,
	}
}

func publish(name string, f func() interface{}) { publishVar(name, expvar.Func(f)) }

func publishVar(name string, v expvar.Var) {
	if expvar.Get(name) == nil {
		expvar.Publish(name, v)
	}
}
