package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/config"
	"github.com/dreamware/trafficnet/internal/simulation"
)

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.LogLevel = "error"
	cfg.LogFormat = "console"
	return cfg
}

// TestAppLifecycle verifies the wired app serves the API while running and
// stops every node on shutdown.
func TestAppLifecycle(t *testing.T) {
	var (
		srv *server
		sim *simulation.Simulation
	)
	app := fxtest.New(t,
		newApp(testConfig(), clock.NewMock()),
		fx.Populate(&srv, &sim),
	)
	app.RequireStart()

	base := "http://" + srv.Addr().String()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, sim.Session(), health["session"])

	var nodes []cluster.NodeSnapshot
	require.NoError(t, cluster.GetJSON(context.Background(), base+"/nodes", &nodes))
	assert.Len(t, nodes, 3)

	require.NoError(t, cluster.PostJSON(context.Background(), base+"/nodes/Node1/fail", nil, nil))
	snap, err := sim.Snapshot("Node1")
	require.NoError(t, err)
	assert.True(t, snap.Disabled)

	app.RequireStop()

	for _, s := range sim.Snapshots() {
		assert.False(t, s.Active, s.ID)
	}
	_, err = http.Get(base + "/health")
	assert.Error(t, err, "listener is closed after stop")
}

// TestAppRejectsBadConfig verifies construction errors surface from fx.
func TestAppRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LogLevel = "loud"

	app := fx.New(newApp(cfg, clock.NewMock()), fx.NopLogger)
	assert.Error(t, app.Err())
}

// TestAppListenError verifies a taken address fails startup.
func TestAppListenError(t *testing.T) {
	var first *server
	app := fxtest.New(t, newApp(testConfig(), clock.NewMock()), fx.Populate(&first))
	app.RequireStart()
	defer app.RequireStop()

	cfg := testConfig()
	cfg.Listen = first.Addr().String()
	second := fx.New(newApp(cfg, clock.NewMock()))
	require.NoError(t, second.Err())

	err := second.Start(context.Background())
	assert.Error(t, err)
	_ = second.Stop(context.Background())
}
