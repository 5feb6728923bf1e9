package reporter

// Counter turns a kernel counter that restarts at zero on reboot into a
// monotonic total, and tracks how much of the total belongs to today.
type Counter struct {
	Last     uint64 `json:"last"`
	Offset   uint64 `json:"offset"`
	DayStart uint64 `json:"day_start"`
}

func (c *Counter) observe(raw uint64) {
	if raw < c.Last {
		c.Offset += c.Last
	}
	c.Last = raw
}

// Total is the monotonic byte count
func (c Counter) Total() uint64 {
	return c.Offset + c.Last
}

// Today is the byte count since the current day started
func (c Counter) Today() uint64 {
	return c.Total() - c.DayStart
}

// IfaceCounters holds both directions of one interface
type IfaceCounters struct {
	Rx Counter `json:"rx"`
	Tx Counter `json:"tx"`
}

// Ledger is the persisted counter state of every reported interface
type Ledger struct {
	Day    string                    `json:"day"`
	Ifaces map[string]*IfaceCounters `json:"ifaces"`
}

// Observe folds new readings in. A change of day moves every day start to
// the current total before the readings are applied. Interfaces seen for
// the first time start their day at the first reading.
func (l *Ledger) Observe(day string, readings []Reading) {
	if l.Ifaces == nil {
		l.Ifaces = make(map[string]*IfaceCounters)
	}
	if day != l.Day {
		for _, c := range l.Ifaces {
			c.Rx.DayStart = c.Rx.Total()
			c.Tx.DayStart = c.Tx.Total()
		}
		l.Day = day
	}

	for _, r := range readings {
		c, ok := l.Ifaces[r.Iface]
		if !ok {
			c = &IfaceCounters{
				Rx: Counter{Last: r.Rx, DayStart: r.Rx},
				Tx: Counter{Last: r.Tx, DayStart: r.Tx},
			}
			l.Ifaces[r.Iface] = c
			continue
		}
		c.Rx.observe(r.Rx)
		c.Tx.observe(r.Tx)
	}
}
