package dbusstack

import (
	"log"
	"sync"
	"time"

	ping "github.com/prometheus-community/pro-bing"

	"github.com/bleapdu/transport/transport"
)

// healthMonitor periodically probes whether the local host's network stack
// is responsive, as a cheap proxy for "is the machine running the Bluetooth
// controller wedged". It reuses pro-bing's timeout/statistics machinery the
// same way a connectivity checker would, against the loopback address
// instead of a remote host. After failThreshold consecutive failures it
// publishes one AdapterResetting event, and an AdapterPoweredOn event when a
// probe succeeds again, on the same channel the D-Bus PropertiesChanged
// watcher publishes to.
type healthMonitor struct {
	host          string
	failThreshold int
	interval      time.Duration

	events chan<- transport.AdapterEvent

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newHealthMonitor(events chan<- transport.AdapterEvent) *healthMonitor {
	return &healthMonitor{
		host:          "127.0.0.1",
		failThreshold: 3,
		interval:      5 * time.Second,
		events:        events,
		stopCh:        make(chan struct{}),
	}
}

func (h *healthMonitor) start() {
	h.wg.Add(1)
	go h.run()
}

func (h *healthMonitor) stop() {
	close(h.stopCh)
	h.wg.Wait()
}

func (h *healthMonitor) run() {
	defer h.wg.Done()
	failCount := 0
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			if h.probeOnce() {
				if failCount >= h.failThreshold {
					h.events <- transport.AdapterEvent{Kind: transport.AdapterPoweredOn}
				}
				failCount = 0
				continue
			}
			failCount++
			if failCount == h.failThreshold {
				h.events <- transport.AdapterEvent{Kind: transport.AdapterResetting}
			}
		}
	}
}

// probeOnce runs a single ICMP echo against the local host and reports
// whether it succeeded.
func (h *healthMonitor) probeOnce() bool {
	pinger, err := ping.NewPinger(h.host)
	if err != nil {
		log.Printf("CONN: failed to create health probe pinger: %v", err)
		return false
	}
	pinger.Count = 1
	pinger.Timeout = 1 * time.Second
	pinger.Interval = 1 * time.Second
	pinger.SetPrivileged(true)
	if err := pinger.Run(); err != nil {
		return false
	}
	return pinger.Statistics().PacketsRecv > 0
}
