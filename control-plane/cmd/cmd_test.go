package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/saintparish4/trafficcop/control-plane/config"
	"github.com/saintparish4/trafficcop/control-plane/discovery"
	"github.com/saintparish4/trafficcop/control-plane/scheduler"
	"github.com/saintparish4/trafficcop/shared/utils"
	"github.com/stretchr/testify/require"
)

// fakeProm answers series listings with one agent and every query with an
// empty vector
func fakeProm(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/series":
			_, _ = io.WriteString(w, `{"status":"success","data":[{"__name__":"push_time_seconds","job":"trafficcop","node_id":"7","instance":"node-a"}]}`)
		default:
			_, _ = io.WriteString(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeEnvFile(t *testing.T, extra ...string) string {
	t.Helper()
	prom := fakeProm(t)
	dir := t.TempDir()
	lines := append([]string{
		"PROM_URL=" + prom.URL,
		"PG_URL=http://127.0.0.1:1",
		"SCHEDULER_TZ=UTC",
		"DB_PATH=" + filepath.Join(dir, "data", "trafficcop.db"),
	}, extra...)
	path := filepath.Join(dir, "settings.env")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o600))
	return path
}

func run(t *testing.T, clock clockwork.Clock, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCommand(&rootOptions{clock: clock, stderr: io.Discard})
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCmd_SyncNodes(t *testing.T) {
	t.Parallel()

	env := writeEnvFile(t)
	out, err := run(t, clockwork.NewRealClock(), "--env-file", env, "sync-nodes")
	require.NoError(t, err)

	var report discovery.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Equal(t, []discovery.Change{{NodeID: 7, Instance: "node-a"}}, report.Added)

	out, err = run(t, clockwork.NewRealClock(), "--env-file", env, "sync-nodes")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Empty(t, report.Added)
	require.Equal(t, 1, report.Total)
}

func TestCmd_BaselineAndSummary(t *testing.T) {
	t.Parallel()

	env := writeEnvFile(t)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 15, 0, 10, 0, 0, time.UTC))

	out, err := run(t, clock, "--env-file", env, "baseline")
	require.NoError(t, err)
	var baseline scheduler.BaselineReport
	require.NoError(t, json.Unmarshal([]byte(out), &baseline))
	require.Equal(t, 15, baseline.Day)
	require.Equal(t, "202405", baseline.MonthKey)

	out, err = run(t, clock, "--env-file", env, "summary", "--date", "2024-05-14")
	require.NoError(t, err)
	var summary scheduler.SummaryReport
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	require.Equal(t, "2024-05-14", summary.Date)

	_, err = run(t, clock, "--env-file", env, "summary", "--date", "yesterday")
	require.ErrorContains(t, err, "--date")
}

func TestCmd_Token(t *testing.T) {
	t.Parallel()

	_, err := run(t, clockwork.NewRealClock(), "--env-file", writeEnvFile(t), "token")
	require.ErrorContains(t, err, "ADMIN_JWT_SECRET is not set")

	out, err := run(t, clockwork.NewRealClock(), "--env-file", writeEnvFile(t, "ADMIN_JWT_SECRET=s3cret"), "token", "--ttl", "1h")
	require.NoError(t, err)
	require.Len(t, strings.Split(strings.TrimSpace(out), "."), 3)
}

func TestCmd_InvalidConfig(t *testing.T) {
	t.Parallel()

	_, err := run(t, clockwork.NewRealClock(), "--env-file", writeEnvFile(t, "PANEL_PORT=0"), "sync-nodes")
	require.ErrorContains(t, err, "PANEL_PORT")
}

func TestCmd_Version(t *testing.T) {
	t.Parallel()

	out, err := run(t, clockwork.NewRealClock(), "version")
	require.NoError(t, err)
	require.Contains(t, out, "trafficcop ")
}

func TestCmd_Serve(t *testing.T) {
	t.Parallel()

	env := writeEnvFile(t)
	cfg, err := config.Load(env)
	require.NoError(t, err)
	a, err := newApp(utils.NewLogger(io.Discard, false), cfg, clockwork.NewRealClock())
	require.NoError(t, err)
	defer a.Close()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.serve(ctx, ln) }()

	url := fmt.Sprintf("http://%s/healthz", ln.Addr().String())
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := http.Post(fmt.Sprintf("http://%s/nodes/register", ln.Addr().String()), "application/json", strings.NewReader(`{"instance":"node-01"}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
}
