package utils

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUtils_GiBString(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0", GiBString(0))
	require.Equal(t, "1", GiBString(gib))
	require.Equal(t, "10.5", GiBString(GiBToBytes(10.5)))
	require.Equal(t, "0.25", GiBString(gib/4))
}

func TestUtils_HumanBytes(t *testing.T) {
	t.Parallel()

	require.Equal(t, "0 B", HumanBytes(0))
	require.Equal(t, "0 B", HumanBytes(-5))
	require.Equal(t, "1.0 KiB", HumanBytes(1024))
}

func TestUtils_PushPathAndPlaceholder(t *testing.T) {
	t.Parallel()

	require.Equal(t, "/metrics/job/trafficcop/node_id/12/instance/node-01", PushPath("trafficcop", 12, "node-01"))
	require.Equal(t, "node-12", DefaultAgentInstance(12))
	require.Equal(t, "pending-3-1700000000", PlaceholderInstance(3, time.Unix(1700000000, 0)))
}

func TestUtils_NewLogger(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewLogger(&buf, false)
	log.Debug("hidden")
	log.Info("shown", "empty", "", "node_id", 7)

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "shown")
	require.Contains(t, out, "node_id")
	require.NotContains(t, out, "empty")

	require.Equal(t, "2024-05-15T00:10:00.123Z", formatRFC3339Millis(time.Date(2024, 5, 15, 8, 10, 0, 123_000_000, time.FixedZone("CST", 8*3600))))
}
