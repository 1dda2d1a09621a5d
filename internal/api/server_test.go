package api

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	json "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/webpilot/internal/agent"
	"github.com/xkilldash9x/webpilot/internal/config"
	"github.com/xkilldash9x/webpilot/internal/store"
)

type memJournal struct {
	mu      sync.Mutex
	records map[string]store.TaskRecord
	listErr error
}

func (j *memJournal) Record(_ context.Context, rec store.TaskRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.ID] = rec
	return nil
}

func (j *memJournal) List(context.Context, int) ([]store.TaskRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.listErr != nil {
		return nil, j.listErr
	}
	var out []store.TaskRecord
	for _, r := range j.records {
		out = append(out, r)
	}
	return out, nil
}

func (j *memJournal) Get(_ context.Context, id string) (store.TaskRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rec, ok := j.records[id]
	if !ok {
		return store.TaskRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (j *memJournal) Close() error { return nil }

type fixture struct {
	server  *Server
	intake  *agent.CommandIntake
	bus     *agent.EventBus
	journal *memJournal
	http    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	f := &fixture{
		intake:  agent.NewCommandIntake(),
		bus:     agent.NewEventBus(logger),
		journal: &memJournal{records: map[string]store.TaskRecord{}},
	}
	cfg := config.NewDefaultConfig().Server
	f.server = NewServer(cfg, 50, f.intake, f.bus, f.journal, logger)
	f.http = httptest.NewServer(f.server.Router())
	t.Cleanup(func() {
		f.http.CloseClientConnections()
		f.http.Close()
		f.bus.Close()
	})
	return f
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestCommandEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.http.URL+"/command", "application/json", strings.NewReader(`{"command":"search for rust"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	cmd, err := f.intake.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "search for rust", cmd)

	for _, bad := range []string{`not json`, `{"command":""}`, `{"command":"   "}`, `{}`} {
		resp, err := http.Post(f.http.URL+"/command", "application/json", strings.NewReader(bad))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}
	assert.False(t, f.intake.Pending())
}

func TestCommandEndpoint_WaitsForFreeSlot(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.intake.Submit(context.Background(), "first"))

	done := make(chan int, 1)
	go func() {
		resp, err := http.Post(f.http.URL+"/command", "application/json", strings.NewReader(`{"command":"second"}`))
		if err != nil {
			done <- 0
			return
		}
		resp.Body.Close()
		done <- resp.StatusCode
	}()

	select {
	case <-done:
		t.Fatal("second command answered while the slot was full")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := f.intake.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, <-done)

	cmd, err := f.intake.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", cmd)
}

func TestStaticRoutes(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.http.URL + "/favicon.ico")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "new EventSource('/events')")

	resp, err = http.Get(f.http.URL + "/healthz")
	require.NoError(t, err)
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health["status"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "not exposed by default")

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{Name: "webpilot_events_dropped_total", Help: "h"},
		func() float64 { return float64(f.bus.Dropped()) }))
	f.server.ExposeMetrics(reg)
	srv := httptest.NewServer(f.server.Router())
	defer srv.Close()

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "webpilot_events_dropped_total 0")
}

func TestTaskEndpoints(t *testing.T) {
	f := newFixture(t)
	started := time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)
	f.journal.records["t1"] = store.TaskRecord{ID: "t1", Command: "c", Outcome: "completed", Steps: 3, StartedAt: started}

	resp, err := http.Get(f.http.URL + "/tasks")
	require.NoError(t, err)
	var list []store.TaskRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	require.Len(t, list, 1)
	assert.Equal(t, "t1", list[0].ID)

	resp, err = http.Get(f.http.URL + "/tasks/t1")
	require.NoError(t, err)
	var rec store.TaskRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	resp.Body.Close()
	assert.Equal(t, 3, rec.Steps)

	resp, err = http.Get(f.http.URL + "/tasks/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = http.Get(f.http.URL + "/tasks?limit=zero")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	f.journal.listErr = errors.New("db down")
	resp, err = http.Get(f.http.URL + "/tasks")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestTaskEndpoints_EmptyJournalIsArray(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := agent.NewEventBus(logger)
	defer bus.Close()
	srv := NewServer(config.NewDefaultConfig().Server, 50, agent.NewCommandIntake(), bus, nil, logger)

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/tasks", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", rec.Body.String())
}

func TestEventStream(t *testing.T) {
	f := newFixture(t)
	f.server.heartbeat = 20 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.http.URL+"/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	waitFor(t, func() bool { return f.bus.SubscriberCount() == 1 })
	f.bus.Publish(agent.Event{Kind: agent.EventStep, TaskID: "t1", Step: &agent.StepRecord{Number: 1, Description: "Screenshot"}})
	f.bus.Publish(agent.Event{Kind: agent.EventReady, TaskID: "t1"})

	reader := bufio.NewReader(resp.Body)
	var frames []string
	var sawHeartbeat bool
	for len(frames) < 2 || !sawHeartbeat {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == ": heartbeat":
			sawHeartbeat = true
		case strings.HasPrefix(line, "event: "):
			data, err := reader.ReadString('\n')
			require.NoError(t, err)
			frames = append(frames, line+"|"+strings.TrimRight(data, "\n"))
		}
	}

	require.Len(t, frames, 2)
	kind, data, _ := strings.Cut(frames[0], "|")
	assert.Equal(t, "event: step", kind)
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &payload))
	assert.Equal(t, map[string]any{"number": float64(1), "description": "Screenshot", "task_id": "t1"}, payload)
	assert.True(t, strings.HasPrefix(frames[1], "event: ready|data: "))

	cancel()
	waitFor(t, func() bool { return f.bus.SubscriberCount() == 0 })
}

func TestWebSocketHub(t *testing.T) {
	f := newFixture(t)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		f.server.Hub().Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()
	waitFor(t, func() bool { return f.bus.SubscriberCount() == 1 })

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	waitFor(t, func() bool { return f.server.Hub().ClientCount() == 1 })

	f.bus.Publish(agent.Event{Kind: agent.EventTaskComplete, TaskID: "t9", Summary: "done"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var env agent.Envelope
	require.NoError(t, json.Unmarshal(msg, &env))
	assert.Equal(t, agent.EventTaskComplete, env.Type)
	assert.Equal(t, "t9", env.TaskID)
	assert.Equal(t, "done", env.Data["summary"])
	assert.NotZero(t, env.Seq)

	// Inbound commands go to the intake.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"open example.com"}`)))
	cmdCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	cmd, err := f.intake.Next(cmdCtx)
	require.NoError(t, err)
	assert.Equal(t, "open example.com", cmd)

	// Stopping the hub disconnects the client.
	stopHub()
	<-hubDone
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketHub_BusySlotDoesNotStallConnection(t *testing.T) {
	f := newFixture(t)

	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		f.server.Hub().Run(hubCtx)
	}()
	defer func() {
		stopHub()
		<-hubDone
	}()
	waitFor(t, func() bool { return f.bus.SubscriberCount() == 1 })

	require.NoError(t, f.intake.Submit(context.Background(), "first"))

	wsURL := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	waitFor(t, func() bool { return f.server.Hub().ClientCount() == 1 })

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":"second"}`)))

	// The server still answers pings while "second" waits for the slot.
	pongs := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		pongs <- struct{}{}
		return nil
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	require.NoError(t, conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(time.Second)))
	select {
	case <-pongs:
	case <-time.After(2 * time.Second):
		t.Fatal("no pong while a command was waiting for the slot")
	}

	// Disconnecting abandons the waiting command.
	require.NoError(t, conn.Close())
	waitFor(t, func() bool { return f.server.Hub().ClientCount() == 0 })

	cmd, err := f.intake.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", cmd)
	assert.Never(t, f.intake.Pending, 200*time.Millisecond, 10*time.Millisecond)
}

func TestListen_PortFallback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer busy.Close()
	port := busy.Addr().(*net.TCPAddr).Port

	_, err = Listen(config.ServerConfig{Host: "127.0.0.1", Port: port, PortFallback: 0}, logger)
	assert.Error(t, err)

	ln, err := Listen(config.ServerConfig{Host: "127.0.0.1", Port: port, PortFallback: 9}, logger)
	if err != nil {
		t.Skipf("no free port near %d: %v", port, err)
	}
	defer ln.Close()
	_, gotPort, _ := net.SplitHostPort(ln.Addr().String())
	n, _ := strconv.Atoi(gotPort)
	assert.Greater(t, n, port)
	assert.LessOrEqual(t, n, port+9)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	logger := zaptest.NewLogger(t)
	bus := agent.NewEventBus(logger)
	defer bus.Close()
	srv := NewServer(config.NewDefaultConfig().Server, 50, agent.NewCommandIntake(), bus, nil, logger)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	waitFor(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	})

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
