package pushgw

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type request struct {
	method string
	path   string
}

type fakeGateway struct {
	mu       sync.Mutex
	requests []request
	status   int
}

func (g *fakeGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	g.requests = append(g.requests, request{method: r.Method, path: r.URL.Path})
	status := g.status
	g.mu.Unlock()
	if status == 0 {
		status = http.StatusAccepted
	}
	w.WriteHeader(status)
}

func newTestClient(t *testing.T, g *fakeGateway) *Client {
	t.Helper()
	srv := httptest.NewServer(g)
	t.Cleanup(srv.Close)
	c, err := NewClient(newTestLogger(), Config{URL: srv.URL, Job: "trafficcop", Timeout: 2 * time.Second})
	require.NoError(t, err)
	return c
}

func TestPushGW_Config_Validate(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	require.ErrorContains(t, cfg.Validate(), "url is required")

	cfg = Config{URL: "http://127.0.0.1:19091"}
	require.ErrorContains(t, cfg.Validate(), "job is required")

	cfg = Config{URL: "http://127.0.0.1:19091", Job: "trafficcop"}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultTimeout, cfg.Timeout)
}

func TestPushGW_HostPort(t *testing.T) {
	t.Parallel()

	require.Equal(t, "127.0.0.1:19091", HostPort("http://127.0.0.1:19091"))
	require.Equal(t, "pushgateway", HostPort("http://pushgateway/"))
	require.Equal(t, "", HostPort("::not a url"))
}

func TestPushGW_DeleteInstance(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	c := newTestClient(t, g)

	require.NoError(t, c.DeleteInstance(context.Background(), "node-a"))
	require.Equal(t, []request{{http.MethodDelete, "/metrics/job/trafficcop/instance/node-a"}}, g.requests)
}

func TestPushGW_DeleteNode(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	c := newTestClient(t, g)

	require.NoError(t, c.DeleteNode(context.Background(), 12, "node-01"))
	require.Equal(t, []request{{http.MethodDelete, "/metrics/job/trafficcop/node_id/12/instance/node-01"}}, g.requests)

	g.mu.Lock()
	g.status = http.StatusBadGateway
	g.mu.Unlock()
	require.ErrorContains(t, c.DeleteNode(context.Background(), 12, "node-01"), "push endpoint delete_node")
}

func TestPushGW_ZeroNode(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{}
	c := newTestClient(t, g)

	require.NoError(t, c.ZeroNode(context.Background(), 12, "node-01"))
	require.Equal(t, []request{
		{http.MethodDelete, "/metrics/job/trafficcop/node_id/12/instance/node-01"},
		{http.MethodPut, "/metrics/job/trafficcop/node_id/12/instance/node-01"},
	}, g.requests)
}

func TestPushGW_Failure(t *testing.T) {
	t.Parallel()

	g := &fakeGateway{status: http.StatusInternalServerError}
	c := newTestClient(t, g)

	err := c.ZeroNode(context.Background(), 12, "node-01")
	require.ErrorContains(t, err, "push endpoint delete_node")
	require.Len(t, g.requests, 1)
}
