package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/raphaelgruber/fleetjobs/internal/config"
	"github.com/raphaelgruber/fleetjobs/internal/jobs"
	"github.com/raphaelgruber/fleetjobs/internal/metrics"
	"github.com/raphaelgruber/fleetjobs/internal/models"
	"github.com/raphaelgruber/fleetjobs/internal/remote"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubStream replays canned lines and an exit result.
type stubStream struct {
	lines chan string
	err   error
}

func newStubStream(lines []string, err error) *stubStream {
	s := &stubStream{lines: make(chan string, len(lines)+1), err: err}
	for _, l := range lines {
		s.lines <- l
	}
	close(s.lines)
	return s
}

func (s *stubStream) Lines() <-chan string { return s.lines }
func (s *stubStream) Wait() error          { return s.err }
func (s *stubStream) Kill() error          { return nil }

// stubExecutor answers every command with the same canned output.
type stubExecutor struct {
	lines []string
	err   error
}

func (e *stubExecutor) Dial(ctx context.Context, host string) (remote.Conn, error) {
	return e, nil
}

func (e *stubExecutor) Start(ctx context.Context, command string) (remote.Stream, error) {
	return newStubStream(e.lines, e.err), nil
}

func (e *stubExecutor) Close() error { return nil }

func newTestServer(t *testing.T, exec remote.Executor) (*httptest.Server, *jobs.Store) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	inv, err := config.ParseInventory([]byte("hosts:\n  - name: gpu-01\n    addr: 10.0.0.11:22\n    user: ops\n    key: /dev/null\n"))
	require.NoError(t, err)

	stats := metrics.NewCollector()
	store := jobs.NewStore(15*time.Minute, logger)
	controller := jobs.NewController(store, exec, inv, jobs.Options{}, logger, stats)

	ts := httptest.NewServer(New(store, controller, stats, logger).Router())
	t.Cleanup(ts.Close)
	return ts, store
}

func startJob(t *testing.T, ts *httptest.Server, req models.StartJobRequest) string {
	t.Helper()

	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+"/api/jobs", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started models.StartJobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.JobID)
	return started.JobID
}

func getStatus(t *testing.T, ts *httptest.Server, id string) (models.JobStatus, int) {
	t.Helper()

	resp, err := http.Get(ts.URL + "/api/jobs/" + id)
	require.NoError(t, err)
	defer resp.Body.Close()

	var status models.JobStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	return status, resp.StatusCode
}

func pollUntilTerminal(t *testing.T, ts *httptest.Server, id string) models.JobStatus {
	t.Helper()

	var status models.JobStatus
	require.Eventually(t, func() bool {
		var code int
		status, code = getStatus(t, ts, id)
		return code == http.StatusOK && status.Terminal()
	}, 2*time.Second, 10*time.Millisecond)
	return status
}

func TestServer_StartAndPollPull(t *testing.T) {
	exec := &stubExecutor{lines: []string{
		"latest: Pulling from library/redis",
		"aaaaaaaaaaaa: Pulling fs layer",
		"aaaaaaaaaaaa: Pull complete",
		"Status: Downloaded newer image for redis:latest",
	}}
	ts, _ := newTestServer(t, exec)

	id := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:latest"})

	status := pollUntilTerminal(t, ts, id)
	assert.True(t, status.Found)
	assert.Equal(t, id, status.JobID)
	assert.Equal(t, "completed", status.State)
	assert.Equal(t, 100, status.OverallPercent)
	require.Len(t, status.Layers, 1)
	assert.Len(t, status.Log, 4)
	require.NotNil(t, status.FinishedAt)
}

func TestServer_StartRejectsBadRequest(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{})

	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind":"reboot","host":"gpu-01"}`},
		{"missing image", `{"kind":"image-pull","host":"gpu-01"}`},
		{"malformed json", `{"kind":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(ts.URL+"/api/jobs", "application/json", strings.NewReader(tt.body))
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestServer_UnknownHostJobFails(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{})

	id := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-77", Image: "redis:latest"})

	status, code := getStatus(t, ts, id)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "failed", status.State)
	assert.Contains(t, status.Error, "not in inventory")
}

func TestServer_GetUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{})

	status, code := getStatus(t, ts, "deadbeef")
	assert.Equal(t, http.StatusNotFound, code)
	assert.False(t, status.Found)
}

func TestServer_BulkEndpoint(t *testing.T) {
	exec := &stubExecutor{}
	ts, _ := newTestServer(t, exec)

	body := `{"kind":"bulk-delete","host":"gpu-01","paths":["/scratch/a","/scratch/b"]}`
	resp, err := http.Post(ts.URL+"/api/jobs/bulk", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started models.StartJobResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))

	status := pollUntilTerminal(t, ts, started.JobID)
	assert.Equal(t, "completed", status.State)
	require.NotNil(t, status.Bulk)
	assert.Equal(t, 2, status.Bulk.SuccessCount)
	assert.Equal(t, 0, status.Bulk.FailCount)
}

func TestServer_CancelUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{})

	resp, err := http.Post(ts.URL+"/api/jobs/deadbeef/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var ack models.CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.False(t, ack.Acknowledged)
}

func TestServer_CancelTerminalJobIsAcked(t *testing.T) {
	exec := &stubExecutor{lines: []string{"Status: Downloaded newer image"}}
	ts, _ := newTestServer(t, exec)

	id := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:latest"})
	before := pollUntilTerminal(t, ts, id)

	resp, err := http.Post(ts.URL+"/api/jobs/"+id+"/cancel", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var ack models.CancelResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.True(t, ack.Acknowledged)

	after, _ := getStatus(t, ts, id)
	assert.Equal(t, before.State, after.State)
}

func TestServer_ListJobs(t *testing.T) {
	exec := &stubExecutor{lines: []string{"Status: Downloaded newer image"}}
	ts, _ := newTestServer(t, exec)

	first := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:7"})
	pollUntilTerminal(t, ts, first)
	second := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:8"})
	pollUntilTerminal(t, ts, second)

	resp, err := http.Get(ts.URL + "/api/jobs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var list []models.JobStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.Len(t, list, 2)
	// Most recent first.
	assert.Equal(t, second, list[0].JobID)
}

func TestServer_Stats(t *testing.T) {
	exec := &stubExecutor{lines: []string{"Status: Downloaded newer image"}}
	ts, _ := newTestServer(t, exec)

	id := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:latest"})
	pollUntilTerminal(t, ts, id)

	resp, err := http.Get(ts.URL + "/api/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, int64(1), snap.Counters[metrics.CounterJobsStarted])
	assert.Equal(t, int64(1), snap.Counters[metrics.CounterJobsCompleted])
	assert.Contains(t, snap.Operations, metrics.OpDial)
}

func TestServer_Healthz(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_LogTailWebsocket(t *testing.T) {
	exec := &stubExecutor{lines: []string{
		"latest: Pulling from library/redis",
		"Status: Downloaded newer image for redis:latest",
	}}
	ts, _ := newTestServer(t, exec)

	id := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:latest"})
	pollUntilTerminal(t, ts, id)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/" + id + "/log/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	var got []string
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected close frame, got %v", err)
			assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
			assert.Equal(t, "completed", closeErr.Text)
			break
		}
		got = append(got, string(msg))
	}
	assert.Equal(t, exec.lines, got)
}

// liveStream is fed by the test while the job is running.
type liveStream struct {
	lines chan string
	wait  chan error

	waitOnce sync.Once
	waitErr  error
}

func (s *liveStream) Lines() <-chan string { return s.lines }

func (s *liveStream) Wait() error {
	s.waitOnce.Do(func() { s.waitErr = <-s.wait })
	return s.waitErr
}

func (s *liveStream) Kill() error { return nil }

type liveExecutor struct {
	stream *liveStream
}

func (e *liveExecutor) Dial(ctx context.Context, host string) (remote.Conn, error) {
	return e, nil
}

func (e *liveExecutor) Start(ctx context.Context, command string) (remote.Stream, error) {
	return e.stream, nil
}

func (e *liveExecutor) Close() error { return nil }

func TestServer_LogTailStreamsPastLogCap(t *testing.T) {
	pre := jobs.MaxLogLines + 10
	stream := &liveStream{
		lines: make(chan string, pre+16),
		wait:  make(chan error, 1),
	}
	ts, store := newTestServer(t, &liveExecutor{stream: stream})

	id := startJob(t, ts, models.StartJobRequest{Kind: "image-pull", Host: "gpu-01", Image: "redis:latest"})

	for i := range pre {
		stream.lines <- fmt.Sprintf("line %d", i)
	}
	require.Eventually(t, func() bool {
		snap, ok := store.Get(id)
		return ok && snap.LogTotal == pre
	}, 5*time.Second, 10*time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/jobs/" + id + "/log/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	// Replay of the capped buffer: the oldest lines are gone.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var last string
	for range jobs.MaxLogLines {
		_, msg, err := conn.ReadMessage()
		require.NoError(t, err)
		last = string(msg)
	}
	assert.Equal(t, fmt.Sprintf("line %d", pre-1), last)

	// A line appended after the cap is hit must still be delivered.
	stream.lines <- "appended after the cap"
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "appended after the cap", string(msg))

	close(stream.lines)
	stream.wait <- nil

	// The tail closes with the terminal state once the job finishes.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			closeErr, ok := err.(*websocket.CloseError)
			require.True(t, ok, "expected close frame, got %v", err)
			assert.Equal(t, "completed", closeErr.Text)
			break
		}
	}
}

func TestServer_LogTailUnknownJob(t *testing.T) {
	ts, _ := newTestServer(t, &stubExecutor{})

	resp, err := http.Get(ts.URL + "/api/jobs/deadbeef/log/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
