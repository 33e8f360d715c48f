package serve

import (
	"context"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/omnibot/omnirelay/config"
	"github.com/omnibot/omnirelay/log2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Robot.Listen = []string{"tcp://127.0.0.1:0"}
	cfg.Console.Listen = "127.0.0.1:0"
	cfg.Store.Driver = "sqlite"
	cfg.Store.DSN = ":memory:"
	return cfg
}

func TestServeStartStop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := Main(ctx, testConfig(), log2.NewTest(t, log2.LDebug), nil)
	assert.NoError(t, err)
}

func TestServeBadListen(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Store.Driver = driverNone
	cfg.Robot.Listen = []string{"udp://127.0.0.1:0"}
	err := Main(context.Background(), cfg, log2.NewTest(t, log2.LDebug), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robot listen")
}

func TestMigrate(t *testing.T) {
	t.Parallel()
	log := log2.NewTest(t, log2.LDebug)
	require.NoError(t, MigrateMain(context.Background(), testConfig(), log, nil))

	cfg := testConfig()
	cfg.Store.Driver = driverNone
	assert.True(t, errors.IsNotValid(MigrateMain(context.Background(), cfg, log, nil)))
}

func TestTrajectoryOptions(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Trajectory.IMUHeading = true
	opt := TrajectoryOptions(cfg)
	assert.Equal(t, 0.03, opt.WheelRadius)
	assert.Equal(t, 0.153, opt.RobotRadius)
	assert.Equal(t, 500, opt.MaxPoints)
	assert.Equal(t, 10, opt.SnapshotEvery)
	assert.True(t, opt.IMUHeading)

	sopt := StoreOptions(cfg, nil)
	assert.Equal(t, "sqlite", sopt.Driver)
	assert.Equal(t, 5*time.Second, sopt.RetryDelay)
}
