package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestModels_ParseLimitMode(t *testing.T) {
	t.Parallel()

	require.Equal(t, LimitModeUpload, ParseLimitMode("upload"))
	require.Equal(t, LimitModeDownload, ParseLimitMode(" Download "))
	require.Equal(t, LimitModeDouble, ParseLimitMode("double"))
	require.Equal(t, LimitModeDouble, ParseLimitMode(""))
	require.Equal(t, LimitModeDouble, ParseLimitMode("sideways"))
}

func TestModels_ClampResetDay(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1, ClampResetDay(0))
	require.Equal(t, 1, ClampResetDay(-3))
	require.Equal(t, 15, ClampResetDay(15))
	require.Equal(t, 28, ClampResetDay(31))
}

func TestModels_NodePatch_Apply(t *testing.T) {
	t.Parallel()

	n := &Node{ID: 1, Instance: "a", ResetDay: 1, LimitMode: LimitModeDouble}
	day := 30
	mode := "bogus"
	name := "  edge  "
	limit := int64(-1)
	NodePatch{ResetDay: &day, LimitMode: &mode, DisplayName: &name, LimitBytes: &limit}.Apply(n)

	require.Equal(t, 28, n.ResetDay)
	require.Equal(t, LimitModeDouble, n.LimitMode)
	require.Equal(t, "edge", n.DisplayName)
	require.Equal(t, int64(0), n.LimitBytes)
	require.Equal(t, "a", n.Instance)
	require.True(t, NodePatch{}.Empty())
}

func TestModels_Node_Validate(t *testing.T) {
	t.Parallel()

	require.Error(t, (&Node{}).Validate())
	require.Error(t, (&Node{Instance: "bad name"}).Validate())
	require.NoError(t, (&Node{Instance: "node-01.eu_2"}).Validate())
}

func TestModels_Keys(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, time.March, 5, 10, 0, 0, 0, time.UTC)
	require.Equal(t, "202403", MonthKey(ts))
	require.Equal(t, "20240305", DateTag(ts))
	require.Equal(t, "2024-03-05", HistoryDate(ts))
}
