package models

import (
	"time"
)

// IfaceTotal is the interface key used for the all-interfaces aggregate
const IfaceTotal = "total"

// Baseline is the raw counter snapshot that opens a billing cycle.
// (Instance, Iface, MonthKey) is unique.
type Baseline struct {
	Instance   string    `json:"instance"`
	Iface      string    `json:"iface"`
	MonthKey   string    `json:"month_key"`
	NodeID     int64     `json:"node_id"`
	RxBase     int64     `json:"rx_base"`
	TxBase     int64     `json:"tx_base"`
	CapturedAt time.Time `json:"captured_at"`
}

// HistoryRecord is one node's traffic for one calendar day. Records are
// append-only.
type HistoryRecord struct {
	Seq        uint64    `json:"seq"`
	NodeID     int64     `json:"node_id"`
	Instance   string    `json:"instance"`
	Date       string    `json:"date"`
	RxBytes    int64     `json:"rx_bytes"`
	TxBytes    int64     `json:"tx_bytes"`
	TotalBytes int64     `json:"total_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// MonthKey returns the baseline month key (YYYYMM) for t
func MonthKey(t time.Time) string {
	return t.Format("200601")
}

// DateTag returns the agent date label (YYYYMMDD) for t
func DateTag(t time.Time) string {
	return t.Format("20060102")
}

// HistoryDate returns the history row date (YYYY-MM-DD) for t
func HistoryDate(t time.Time) string {
	return t.Format("2006-01-02")
}
