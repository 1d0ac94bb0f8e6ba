package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/trafficnet/internal/cluster"
	"github.com/dreamware/trafficnet/internal/config"
	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/simulation"
	"github.com/dreamware/trafficnet/internal/storage"
)

type fixture struct {
	srv    *httptest.Server
	sim    *simulation.Simulation
	broker *eventlog.Broker
	clock  *clock.Mock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := clock.NewMock()
	history, err := storage.NewMemoryStore[eventlog.Entry](500)
	require.NoError(t, err)
	broker := eventlog.NewBroker(history, eventlog.WithClock(mock))

	sim, err := simulation.New(config.Default(),
		simulation.WithClock(mock),
		simulation.WithSink(broker),
		simulation.WithSession("api-test"),
	)
	require.NoError(t, err)
	require.NoError(t, sim.Start(context.Background()))

	srv := httptest.NewServer(NewServer(sim, broker, nil).Handler())
	t.Cleanup(func() {
		srv.Close()
		broker.Close()
		sim.Stop()
	})
	return &fixture{srv: srv, sim: sim, broker: broker, clock: mock}
}

func (f *fixture) do(t *testing.T, method, path, body string) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "api-test", body["session"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/nodes", "")

	resp := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `trafficnet_requests_total{op="list_nodes",status="2xx"}`)
	assert.Contains(t, string(raw), "trafficnet_heartbeats_sent_total")
}

func TestListAndGetNodes(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/nodes", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	nodes := decode[[]cluster.NodeSnapshot](t, resp)
	require.Len(t, nodes, 3)
	assert.Equal(t, "Node1", nodes[0].ID)
	assert.Equal(t, cluster.PhaseGreen, nodes[1].Phase)

	resp = f.do(t, http.MethodGet, "/nodes/Node2", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Node1", "Node3"}, decode[cluster.NodeSnapshot](t, resp).Neighbors)

	resp = f.do(t, http.MethodGet, "/nodes/Ghost", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decode[cluster.ErrorResponse](t, resp).Error, "unknown node")
}

func TestAddNode(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/nodes", `{"id":"Node7"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	snap := decode[cluster.NodeSnapshot](t, resp)
	assert.Equal(t, "Node7", snap.ID)
	assert.Equal(t, []string{"Node1", "Node2", "Node3"}, snap.Neighbors)

	resp = f.do(t, http.MethodPost, "/nodes", `{}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Node8", decode[cluster.NodeSnapshot](t, resp).ID, "empty id takes the suggestion")

	resp = f.do(t, http.MethodPost, "/nodes", "")
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "Node9", decode[cluster.NodeSnapshot](t, resp).ID)

	resp = f.do(t, http.MethodPost, "/nodes", `{"id":"Node7"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/nodes", `{"id":"  "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/nodes", `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestFailAndRevive(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/nodes/Node1/fail", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	snap, err := f.sim.Snapshot("Node2")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), snap.GreenDurationMs)
	assert.Equal(t, int64(7500), snap.RedDurationMs)

	resp = f.do(t, http.MethodPost, "/nodes/Node1/revive", "")
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	snap, _ = f.sim.Snapshot("Node2")
	assert.Equal(t, int64(10000), snap.GreenDurationMs)

	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/nodes/Ghost/fail", "").StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodPost, "/nodes/Ghost/revive", "").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, f.do(t, http.MethodGet, "/nodes/Node1/fail", "").StatusCode)
}

func TestHeartbeatsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/nodes/Node3/fail", "")
	f.clock.Add(9 * time.Second)

	resp := f.do(t, http.MethodGet, "/heartbeats", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	hb := decode[[]cluster.HeartbeatStatus](t, resp)
	require.Len(t, hb, 3)
	assert.Equal(t, "Node3", hb[2].NodeID)
	assert.True(t, hb[2].Stale)
	assert.GreaterOrEqual(t, hb[2].AgeMs, int64(9000))
}

func TestConnections(t *testing.T) {
	f := newFixture(t)
	f.sim.AddNode("Node4")
	f.sim.Disconnect("Node4", "Node1")

	resp := f.do(t, http.MethodPost, "/connections", `{"a":"Node4","b":"Node1"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.do(t, http.MethodGet, "/connections", "")
	conns := decode[[]cluster.Connection](t, resp)
	assert.Contains(t, conns, cluster.Connection{A: "Node1", B: "Node4"})

	resp = f.do(t, http.MethodDelete, "/connections", `{"a":"Node1","b":"Node4"}`)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.NotContains(t, f.sim.Connections(), cluster.Connection{A: "Node1", B: "Node4"})

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/connections", `{"a":"Node1","b":"Node1"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodPost, "/connections", `{"a":"Node1"}`).StatusCode)
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodDelete, "/connections", `{"a":"Node1","b":"Ghost"}`).StatusCode)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodPost, "/nodes/Node1/fail", "")

	resp := f.do(t, http.MethodGet, "/logs?tail=4", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lines := decode[[]cluster.LogLine](t, resp)
	require.Len(t, lines, 4)
	assert.Equal(t, "Node1: Node Node1 simulated failure", lines[0].Line)
	assert.Equal(t, "Node2: Adjusted timings - Red: 7500ms, Green: 15000ms", lines[1].Line)
	assert.Equal(t, "Node3: Adjusted timings - Red: 7500ms, Green: 15000ms", lines[2].Line)
	assert.Equal(t, "Notified 2 nodes about failure of Node1", lines[3].Line)
	assert.Equal(t, "failure", lines[3].Kind)
	assert.Empty(t, lines[3].Source)

	resp = f.do(t, http.MethodGet, "/logs", "")
	all := decode[[]cluster.LogLine](t, resp)
	assert.Greater(t, len(all), 4)

	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/logs?tail=-1", "").StatusCode)
	assert.Equal(t, http.StatusBadRequest, f.do(t, http.MethodGet, "/logs?tail=x", "").StatusCode)
}

func TestLogStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/logs/stream?tail=1"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var first cluster.LogLine
	require.NoError(t, conn.ReadJSON(&first), "tail entry arrives first")

	f.do(t, http.MethodPost, "/nodes/Node2/fail", "")

	found := false
	for !found {
		var line cluster.LogLine
		require.NoError(t, conn.ReadJSON(&line))
		found = line.Line == "Notified 2 nodes about failure of Node2"
	}
	assert.True(t, found)
}

func TestLogStreamClosesWithBroker(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/logs/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	f.broker.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			return
		}
	}
}
