package reporter

import (
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
)

const loopback = "lo"

// Reading is one interface's raw kernel byte counters
type Reading struct {
	Iface string
	Rx    uint64
	Tx    uint64
}

// ReadNetDev reads <procRoot>/net/dev. With no interfaces named, every
// interface except loopback is returned; named interfaces that do not exist
// are an error. Readings are sorted by interface name.
func ReadNetDev(procRoot string, ifaces []string) ([]Reading, error) {
	fs, err := procfs.NewFS(procRoot)
	if err != nil {
		return nil, fmt.Errorf("open procfs %s: %w", procRoot, err)
	}
	dev, err := fs.NetDev()
	if err != nil {
		return nil, fmt.Errorf("read net/dev: %w", err)
	}

	var out []Reading
	if len(ifaces) == 0 {
		for name, line := range dev {
			if name == loopback {
				continue
			}
			out = append(out, Reading{Iface: name, Rx: line.RxBytes, Tx: line.TxBytes})
		}
	} else {
		for _, name := range ifaces {
			line, ok := dev[name]
			if !ok {
				return nil, fmt.Errorf("interface %q not found", name)
			}
			out = append(out, Reading{Iface: name, Rx: line.RxBytes, Tx: line.TxBytes})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Iface < out[j].Iface })
	return out, nil
}
