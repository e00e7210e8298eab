package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/device"
	"github.com/fxnlabs/dpuvec/internal/runtime"
	"github.com/fxnlabs/dpuvec/internal/vector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Runtime.Units = 4
	cfg.Runtime.UnitCapacity = 1 << 16
	cfg.Runtime.DrainPollInterval = 5 * time.Millisecond
	cfg.Simulator.Lanes = 2
	return cfg
}

func testLogger(t *testing.T) fx.Option {
	return fx.Decorate(func() *zap.Logger { return zaptest.NewLogger(t) })
}

func TestModule_RuntimeLifecycle(t *testing.T) {
	var rt *runtime.Context
	var ms *MetricsServer

	app := fxtest.New(t, Options(testConfig()), testLogger(t), fx.Populate(&rt, &ms))
	app.RequireStart()

	require.NotNil(t, rt)
	assert.False(t, rt.IsInitialized(), "units are acquired lazily")
	assert.Empty(t, ms.Addr(), "no listen address configured")

	v, err := vector.FromHost(context.Background(), rt, []int32{1, 2, 3, 4, 5}, "v")
	require.NoError(t, err)
	assert.True(t, rt.IsInitialized())
	assert.Equal(t, 4, rt.Units())

	info, err := rt.Info()
	require.NoError(t, err)
	assert.Equal(t, device.BackendSimulator, info.Backend)
	require.NoError(t, v.Free())

	app.RequireStop()
	assert.False(t, rt.IsInitialized(), "stopping the app releases the units")
}

func TestModule_UnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Runtime.Backend = "fpga"

	app := fx.New(Options(cfg), testLogger(t), fx.Invoke(func(*runtime.Context) {}))
	err := app.Err()
	require.Error(t, err)
	assert.ErrorContains(t, err, device.ErrUnknownBackend.Error())
}

func TestModule_MetricsServer(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics.ListenAddress = "127.0.0.1:0"

	var rt *runtime.Context
	var ms *MetricsServer
	app := fxtest.New(t, Options(cfg), testLogger(t), fx.Populate(&rt, &ms))
	app.RequireStart()
	defer app.RequireStop()

	require.NoError(t, rt.EnsureInit())
	require.NotEmpty(t, ms.Addr())

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", ms.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "dpuvec_units 4")
	assert.Contains(t, string(body), "go_goroutines")
}
