//go:build integration
// +build integration

package integration

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/fxnlabs/dpuvec/internal/app"
	"github.com/fxnlabs/dpuvec/internal/config"
	"github.com/fxnlabs/dpuvec/internal/runtime"
	"github.com/fxnlabs/dpuvec/internal/vector"
	"github.com/fxnlabs/dpuvec/internal/verify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newTestApp(t *testing.T, cfg *config.Config) (*fxtest.App, *runtime.Context, *app.MetricsServer) {
	var rt *runtime.Context
	var ms *app.MetricsServer
	fxApp := fxtest.New(t,
		app.Options(cfg),
		fx.Decorate(func() *zap.Logger { return zaptest.NewLogger(t) }),
		fx.Populate(&rt, &ms),
	)
	return fxApp, rt, ms
}

func TestVectorPipeline_EndToEnd(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.DrainPollInterval = 10 * time.Millisecond
	cfg.Metrics.ListenAddress = "127.0.0.1:0"

	fxApp, rt, ms := newTestApp(t, cfg)
	fxApp.RequireStart()
	defer fxApp.RequireStop()

	ctx := context.Background()
	const n = 1024

	a := make([]int32, n)
	b := make([]int32, n)
	for i := range a {
		a[i] = int32(i)
		b[i] = int32(2 * i)
	}

	da, err := vector.FromHost(ctx, rt, a, "a")
	require.NoError(t, err)
	db, err := vector.FromHost(ctx, rt, b, "b")
	require.NoError(t, err)
	assert.Equal(t, config.DefaultUnits, rt.Units())

	sum, err := da.Add(ctx, db)
	require.NoError(t, err)
	got, err := sum.ToHost(ctx)
	require.NoError(t, err)
	for i, v := range got {
		require.Equal(t, int32(3*i), v, "element %d", i)
	}

	for _, v := range []*vector.Vector[int32]{da, db, sum} {
		require.NoError(t, v.Free())
	}

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", ms.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `dpuvec_events_completed_total{kind="compute",status="ok"} 1`)
	assert.Contains(t, string(body), `dpuvec_events_completed_total{kind="transfer_in",status="ok"} 2`)
	assert.Contains(t, string(body), `dpuvec_events_completed_total{kind="transfer_out",status="ok"} 1`)
	assert.Contains(t, string(body), `dpuvec_unit_bytes_in_use{unit="0"} 0`)
}

func TestVectorPipeline_SelfTest(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.DrainPollInterval = 10 * time.Millisecond

	fxApp, rt, _ := newTestApp(t, cfg)
	fxApp.RequireStart()
	defer fxApp.RequireStop()

	results, err := verify.RunSuite(context.Background(), rt, verify.SuiteOptions{Elements: verify.DefaultElements, Seed: 7}, zaptest.NewLogger(t))
	require.NoError(t, err)
	for _, res := range results {
		assert.True(t, res.Passed(), res.Name)
	}
}

func TestVectorPipeline_LazyInitAndRestart(t *testing.T) {
	cfg := config.Default()
	cfg.Runtime.Units = 3
	cfg.Runtime.DrainPollInterval = 10 * time.Millisecond

	fxApp, rt, _ := newTestApp(t, cfg)
	fxApp.RequireStart()
	defer fxApp.RequireStop()

	ctx := context.Background()
	for round := 0; round < 2; round++ {
		assert.False(t, rt.IsInitialized())

		v, err := vector.FromHost(ctx, rt, []float32{-1.5, 2, -3.25, 4, -5}, "v")
		require.NoError(t, err)
		abs, err := v.Abs(ctx)
		require.NoError(t, err)
		got, err := abs.ToHost(ctx)
		require.NoError(t, err)
		assert.Equal(t, []float32{1.5, 2, 3.25, 4, 5}, got)

		require.NoError(t, v.Free())
		require.NoError(t, abs.Free())
		require.NoError(t, rt.Shutdown(ctx))
	}
}
