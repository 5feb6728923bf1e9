package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// LimitMode selects which traffic direction counts against a node's cap
type LimitMode string

const (
	LimitModeDouble   LimitMode = "double"
	LimitModeDownload LimitMode = "download"
	LimitModeUpload   LimitMode = "upload"
)

const (
	MinResetDay = 1
	MaxResetDay = 28
)

var instancePattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

// ParseLimitMode maps a stored or user-supplied value to a LimitMode.
// Anything unrecognized falls back to bidirectional accounting.
func ParseLimitMode(s string) LimitMode {
	switch LimitMode(strings.ToLower(strings.TrimSpace(s))) {
	case LimitModeDownload:
		return LimitModeDownload
	case LimitModeUpload:
		return LimitModeUpload
	default:
		return LimitModeDouble
	}
}

// Label returns a short human label for the mode
func (m LimitMode) Label() string {
	switch m {
	case LimitModeDownload:
		return "download-only"
	case LimitModeUpload:
		return "upload-only"
	default:
		return "bidirectional"
	}
}

// ClampResetDay keeps a reset day inside the range every month has.
func ClampResetDay(day int) int {
	if day < MinResetDay {
		return MinResetDay
	}
	if day > MaxResetDay {
		return MaxResetDay
	}
	return day
}

// ValidInstance reports whether name is acceptable as an instance label
func ValidInstance(name string) bool {
	return instancePattern.MatchString(name)
}

// Node is a metered agent. ID is the durable identity; Instance is the
// agent-controlled name and may be rebound.
type Node struct {
	ID           int64     `json:"id"`
	Instance     string    `json:"instance"`
	DisplayName  string    `json:"display_name"`
	SortOrder    int       `json:"sort_order"`
	ResetDay     int       `json:"reset_day"`
	LimitBytes   int64     `json:"limit_bytes"`
	LimitMode    LimitMode `json:"limit_mode"`
	BandwidthBps int64     `json:"bandwidth_bps"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// NodePatch carries a partial edit. Nil fields are left untouched.
type NodePatch struct {
	Instance     *string `json:"instance,omitempty"`
	DisplayName  *string `json:"display_name,omitempty"`
	SortOrder    *int    `json:"sort_order,omitempty"`
	ResetDay     *int    `json:"reset_day,omitempty"`
	LimitBytes   *int64  `json:"limit_bytes,omitempty"`
	LimitMode    *string `json:"limit_mode,omitempty"`
	BandwidthBps *int64  `json:"bandwidth_bps,omitempty"`
}

// Empty reports whether the patch changes nothing
func (p NodePatch) Empty() bool {
	return p.Instance == nil && p.DisplayName == nil && p.SortOrder == nil &&
		p.ResetDay == nil && p.LimitBytes == nil && p.LimitMode == nil &&
		p.BandwidthBps == nil
}

// Apply copies the set fields onto n and normalizes them. The instance is
// not applied here; callers route it through the uniqueness check.
func (p NodePatch) Apply(n *Node) {
	if p.DisplayName != nil {
		n.DisplayName = strings.TrimSpace(*p.DisplayName)
	}
	if p.SortOrder != nil {
		n.SortOrder = *p.SortOrder
	}
	if p.ResetDay != nil {
		n.ResetDay = *p.ResetDay
	}
	if p.LimitBytes != nil {
		n.LimitBytes = *p.LimitBytes
	}
	if p.LimitMode != nil {
		n.LimitMode = LimitMode(*p.LimitMode)
	}
	if p.BandwidthBps != nil {
		n.BandwidthBps = *p.BandwidthBps
	}
	n.Normalize()
}

// Normalize clamps and defaults fields that have a restricted domain
func (n *Node) Normalize() {
	n.Instance = strings.TrimSpace(n.Instance)
	n.ResetDay = ClampResetDay(n.ResetDay)
	n.LimitMode = ParseLimitMode(string(n.LimitMode))
	if n.LimitBytes < 0 {
		n.LimitBytes = 0
	}
	if n.BandwidthBps < 0 {
		n.BandwidthBps = 0
	}
}

// Unlimited reports whether the node has no traffic cap
func (n *Node) Unlimited() bool {
	return n.LimitBytes <= 0
}

// Validate validates the node data
func (n *Node) Validate() error {
	if n.Instance == "" {
		return fmt.Errorf("instance is required")
	}
	if !ValidInstance(n.Instance) {
		return fmt.Errorf("invalid instance %q", n.Instance)
	}
	return nil
}

// AgentConfig is the read-only projection agents pull to configure themselves
type AgentConfig struct {
	NodeID       int64     `json:"node_id"`
	Instance     string    `json:"instance"`
	DisplayName  string    `json:"display_name"`
	ResetDay     int       `json:"reset_day"`
	LimitBytes   int64     `json:"limit_bytes"`
	LimitMode    LimitMode `json:"limit_mode"`
	BandwidthBps int64     `json:"bandwidth_bps"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AgentConfig projects the node into the config document served to agents
func (n *Node) AgentConfig(now time.Time) AgentConfig {
	return AgentConfig{
		NodeID:       n.ID,
		Instance:     n.Instance,
		DisplayName:  n.DisplayName,
		ResetDay:     n.ResetDay,
		LimitBytes:   n.LimitBytes,
		LimitMode:    n.LimitMode,
		BandwidthBps: n.BandwidthBps,
		UpdatedAt:    now.UTC(),
	}
}
