package utils

import (
	"fmt"
	"time"
)

// PlaceholderInstance names a node registered before its agent reported an
// instance. The id keeps it unique; discovery replaces it once the agent
// pushes.
func PlaceholderInstance(id int64, now time.Time) string {
	return fmt.Sprintf("pending-%d-%d", id, now.Unix())
}

// DefaultAgentInstance is the instance an agent should push under when it
// registered without one
func DefaultAgentInstance(id int64) string {
	return fmt.Sprintf("node-%d", id)
}

// PushPath is the Pushgateway grouping path an agent writes to
func PushPath(job string, id int64, instance string) string {
	return fmt.Sprintf("/metrics/job/%s/node_id/%d/instance/%s", job, id, instance)
}
