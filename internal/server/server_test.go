package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/ChuLiYu/beaver-backfill/internal/checkpoint"
	"github.com/ChuLiYu/beaver-backfill/internal/coordinator"
	"github.com/ChuLiYu/beaver-backfill/internal/metrics"
	"github.com/ChuLiYu/beaver-backfill/internal/processor"
	"github.com/ChuLiYu/beaver-backfill/internal/worker"
	"github.com/ChuLiYu/beaver-backfill/pkg/types"
)

// jobDoc 4 個批次：OK 兩個成功，BAD 兩個永久失敗
func jobDoc(id string) string {
	return `
id: ` + id + `
processor: test
entities: [ok, bad]
start: 2024-01-01
end: 2024-01-04
batch_size: 2
max_concurrency: 2
retry: {max_attempts: 1, base_delay: 1ms, max_delay: 1ms, multiplier: 1}
rate_limit: {requests: 1000, window: 1s}
`
}

func newEngine(t *testing.T) (*coordinator.Coordinator, *prometheus.Registry) {
	t.Helper()
	procs := processor.NewRegistry()
	procs.Register("test", worker.ProcessorFunc(func(ctx context.Context, b types.Batch) error {
		if slices.Contains(b.Entities, "BAD") {
			return types.Permanent("bad entity in %s", b.ID)
		}
		return nil
	}))

	reg := prometheus.NewRegistry()
	c := coordinator.New(checkpoint.NewMemoryStore(), procs, coordinator.Config{},
		coordinator.WithListener(metrics.NewCollector(reg)))
	t.Cleanup(func() { c.Close() })
	return c, reg
}

func startBufconn(t *testing.T, engine Engine) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := New(engine, nil, Config{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, lis, nil) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestGRPCRoundTrip(t *testing.T) {
	engine, _ := newEngine(t)
	client := startBufconn(t, engine)
	ctx := context.Background()

	id, err := client.Submit(ctx, []byte(jobDoc("grpc-job")))
	require.NoError(t, err)
	assert.Equal(t, "grpc-job", id)

	var run types.JobRun
	require.Eventually(t, func() bool {
		run, err = client.Status(ctx, id)
		return err == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, types.RunCompletedWithErrors, run.Status)
	assert.Equal(t, 4, run.Total)
	assert.Equal(t, 2, run.Succeeded)
	assert.Equal(t, 2, run.Failed)
	require.Len(t, run.Failures, 2)
	assert.Equal(t, types.KindPermanent, run.Failures[0].Kind)

	jobs, err := client.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "grpc-job", jobs[0].JobID)

	n, err := client.ResetFailed(ctx, id, run.Failures[0].BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = client.ResetFailed(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGRPCErrors(t *testing.T) {
	engine, _ := newEngine(t)
	client := startBufconn(t, engine)
	ctx := context.Background()

	_, err := client.Submit(ctx, []byte("id: x\nstart: 2024-02-01\nend: 2024-01-01\n"))
	assert.ErrorIs(t, err, types.ErrConfiguration)

	_, err = client.Status(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrJobNotFound)

	assert.ErrorIs(t, client.Cancel(ctx, "nope"), types.ErrJobNotFound)
}

func TestFromStatus(t *testing.T) {
	tests := []struct {
		code codes.Code
		msg  string
		want error
	}{
		{codes.InvalidArgument, "configuration error: bad", types.ErrConfiguration},
		{codes.NotFound, "job not found: x", types.ErrJobNotFound},
		{codes.FailedPrecondition, "job is already running: x", types.ErrJobRunning},
		{codes.FailedPrecondition, "invalid batch state transition: reset", types.ErrInvalidTransition},
		{codes.Unavailable, "coordinator closed", coordinator.ErrClosed},
	}
	for _, tt := range tests {
		err := fromStatus(status.Error(tt.code, tt.msg))
		assert.ErrorIs(t, err, tt.want, tt.msg)
	}

	// 連線錯誤保持原樣
	raw := status.Error(codes.Unavailable, "connection refused")
	assert.Equal(t, raw, fromStatus(raw))
}

func TestHTTPRoutes(t *testing.T) {
	engine, reg := newEngine(t)
	srv := httptest.NewServer(NewHandler(engine, reg, nil).Router())
	defer srv.Close()
	hc := srv.Client()

	resp, err := hc.Post(srv.URL+"/jobs", "application/yaml", strings.NewReader(jobDoc("http-job")))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run types.JobRun
	require.Eventually(t, func() bool {
		resp, err := hc.Get(srv.URL + "/jobs/http-job")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		run = types.JobRun{}
		return json.NewDecoder(resp.Body).Decode(&run) == nil && run.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, types.RunCompletedWithErrors, run.Status)

	resp, err = hc.Get(srv.URL + "/jobs")
	require.NoError(t, err)
	var list struct {
		Jobs []types.JobRun `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Len(t, list.Jobs, 1)

	resp, err = hc.Post(srv.URL+"/jobs/http-job/reset", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	var reset map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reset))
	resp.Body.Close()
	assert.Equal(t, 2, reset["reset"])

	resp, err = hc.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "backfill_batches_succeeded_total 2")
}

func TestHTTPErrors(t *testing.T) {
	engine, _ := newEngine(t)
	srv := httptest.NewServer(NewHandler(engine, nil, nil).Router())
	defer srv.Close()
	hc := srv.Client()

	resp, err := hc.Post(srv.URL+"/jobs", "application/json", strings.NewReader(`{"id": "x", "start": "bad"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = hc.Get(srv.URL + "/jobs/missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/missing", nil)
	resp, err = hc.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = hc.Post(srv.URL+"/jobs/missing/reset", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, err = hc.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode, "metrics disabled without a gatherer")

	resp, err = hc.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServeStopsOnCancel(t *testing.T) {
	engine, _ := newEngine(t)
	srv := New(engine, nil, Config{GRPCAddr: "127.0.0.1:0", HTTPAddr: "127.0.0.1:0"}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
