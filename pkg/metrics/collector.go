package metrics

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector Prometheus metrics collector
type Collector struct {
	GetClients      func() map[string]string // id -> name
	GetActiveClient func() string
	GetViewerCount  func() int

	// Info metric (always 1)
	hubInfo *prometheus.Desc

	// Client metrics
	clientsTotal             *prometheus.Desc
	clientActive             *prometheus.Desc
	clientRegistrationsTotal *prometheus.Desc
	clientDisconnectsTotal   *prometheus.Desc

	// Relay metrics
	videoPacketsTotal *prometheus.Desc
	videoBytesTotal   *prometheus.Desc
	viewersActive     *prometheus.Desc
	viewerDropsTotal  *prometheus.Desc

	// Input routing metrics
	inputEventsTotal *prometheus.Desc
	inputErrorsTotal *prometheus.Desc

	// Serial bridge metrics
	serialHandshakesTotal        *prometheus.Desc
	serialHandshakeFailuresTotal *prometheus.Desc

	// UI command metrics
	uiCommandsTotal *prometheus.Desc

	// Counters (protected by mutex)
	metricsLock         sync.RWMutex
	clientRegistrations map[string]float64
	clientDisconnects   map[string]float64
	videoPacketsByID    map[string]float64
	videoBytesByID      map[string]float64
	viewerDrops         float64
	inputEventsByType   map[string]float64
	inputErrorsByID     map[string]float64
	serialHandshakes    float64
	serialFailures      float64
	uiCommandsByType    map[string]float64
}

// NewCollector creates a new metrics collector
func NewCollector(getClients func() map[string]string, getActiveClient func() string, getViewerCount func() int) *Collector {
	return &Collector{
		GetClients:      getClients,
		GetActiveClient: getActiveClient,
		GetViewerCount:  getViewerCount,
		hubInfo: prometheus.NewDesc(
			"netkvm_hub_info",
			"Hub process info metric (always 1). Present when the hub is listening.",
			[]string{"node", "pod"},
			nil,
		),
		clientsTotal: prometheus.NewDesc(
			"netkvm_hub_clients_total",
			"Number of registered source clients in this hub instance",
			[]string{"node", "pod"},
			nil,
		),
		clientActive: prometheus.NewDesc(
			"netkvm_hub_client_active",
			"Active-client selection by client id (1=active, 0=not active)",
			[]string{"client_id", "client_name", "node", "pod"},
			nil,
		),
		clientRegistrationsTotal: prometheus.NewDesc(
			"netkvm_hub_client_registrations_total",
			"Total client registrations (hello or serial handshake) by client id",
			[]string{"client_id", "node", "pod"},
			nil,
		),
		clientDisconnectsTotal: prometheus.NewDesc(
			"netkvm_hub_client_disconnects_total",
			"Total client removals by client id",
			[]string{"client_id", "node", "pod"},
			nil,
		),
		videoPacketsTotal: prometheus.NewDesc(
			"netkvm_hub_video_packets_total",
			"Total video packets relayed to viewers by source client id",
			[]string{"client_id", "node", "pod"},
			nil,
		),
		videoBytesTotal: prometheus.NewDesc(
			"netkvm_hub_video_bytes_total",
			"Total video payload bytes relayed to viewers by source client id",
			[]string{"client_id", "node", "pod"},
			nil,
		),
		viewersActive: prometheus.NewDesc(
			"netkvm_hub_viewers_active",
			"Current number of connected UI video viewers",
			[]string{"node", "pod"},
			nil,
		),
		viewerDropsTotal: prometheus.NewDesc(
			"netkvm_hub_viewer_drops_total",
			"Total viewers dropped after a failed video write",
			[]string{"node", "pod"},
			nil,
		),
		inputEventsTotal: prometheus.NewDesc(
			"netkvm_hub_input_events_total",
			"Total input events routed to source clients by event type",
			[]string{"event_type", "node", "pod"},
			nil,
		),
		inputErrorsTotal: prometheus.NewDesc(
			"netkvm_hub_input_errors_total",
			"Total input routing failures (target evicted) by client id",
			[]string{"client_id", "node", "pod"},
			nil,
		),
		serialHandshakesTotal: prometheus.NewDesc(
			"netkvm_hub_serial_handshakes_total",
			"Total successful serial agent handshakes",
			[]string{"node", "pod"},
			nil,
		),
		serialHandshakeFailuresTotal: prometheus.NewDesc(
			"netkvm_hub_serial_handshake_failures_total",
			"Total failed serial agent handshakes (bad magic, timeout, open error)",
			[]string{"node", "pod"},
			nil,
		),
		uiCommandsTotal: prometheus.NewDesc(
			"netkvm_hub_ui_commands_total",
			"Total UI commands processed by command type",
			[]string{"command", "node", "pod"},
			nil,
		),
		clientRegistrations: make(map[string]float64),
		clientDisconnects:   make(map[string]float64),
		videoPacketsByID:    make(map[string]float64),
		videoBytesByID:      make(map[string]float64),
		inputEventsByType:   make(map[string]float64),
		inputErrorsByID:     make(map[string]float64),
		uiCommandsByType:    make(map[string]float64),
	}
}

// RecordClientRegistration records a client registration
func (c *Collector) RecordClientRegistration(clientID string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.clientRegistrations[clientID]++
}

// RecordClientDisconnect records a client removal
func (c *Collector) RecordClientDisconnect(clientID string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.clientDisconnects[clientID]++
}

// RecordVideoPacket records one relayed video packet
func (c *Collector) RecordVideoPacket(clientID string, bytes int) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.videoPacketsByID[clientID]++
	c.videoBytesByID[clientID] += float64(bytes)
}

// RecordViewerDrop records a viewer evicted after a failed write
func (c *Collector) RecordViewerDrop() {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.viewerDrops++
}

// RecordInputEvent records a routed input event by type
func (c *Collector) RecordInputEvent(eventType string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.inputEventsByType[eventType]++
}

// RecordInputError records a failed input delivery
func (c *Collector) RecordInputError(clientID string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	c.inputErrorsByID[clientID]++
}

// RecordSerialHandshake records a serial handshake outcome
func (c *Collector) RecordSerialHandshake(ok bool) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	if ok {
		c.serialHandshakes++
	} else {
		c.serialFailures++
	}
}

// RecordUICommand records one processed UI command
func (c *Collector) RecordUICommand(command string) {
	c.metricsLock.Lock()
	defer c.metricsLock.Unlock()
	// Low cardinality: the command vocabulary is fixed; anything else
	// is bucketed as unknown.
	switch command {
	case "get_clients", "set_active_client", "get_active_client", "get_frame",
		"set_input_forwarding", "shutdown_active_client", "restart_agent", "forward_io_event":
		c.uiCommandsByType[command]++
	default:
		c.uiCommandsByType["unknown"]++
	}
}

// Describe implements prometheus.Collector interface
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.hubInfo
	ch <- c.clientsTotal
	ch <- c.clientActive
	ch <- c.clientRegistrationsTotal
	ch <- c.clientDisconnectsTotal
	ch <- c.videoPacketsTotal
	ch <- c.videoBytesTotal
	ch <- c.viewersActive
	ch <- c.viewerDropsTotal
	ch <- c.inputEventsTotal
	ch <- c.inputErrorsTotal
	ch <- c.serialHandshakesTotal
	ch <- c.serialHandshakeFailuresTotal
	ch <- c.uiCommandsTotal
}

// Collect implements prometheus.Collector interface
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	nodeName := os.Getenv("NODE_NAME")
	if nodeName == "" {
		nodeName = "unknown"
	}

	podName := os.Getenv("POD_NAME")
	if podName == "" {
		podName = os.Getenv("HOSTNAME")
		if podName == "" {
			podName = "unknown"
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.hubInfo,
		prometheus.GaugeValue,
		1,
		nodeName, podName,
	)

	clients := c.GetClients()
	active := c.GetActiveClient()

	ch <- prometheus.MustNewConstMetric(
		c.clientsTotal,
		prometheus.GaugeValue,
		float64(len(clients)),
		nodeName, podName,
	)

	for id, name := range clients {
		v := 0.0
		if id == active {
			v = 1.0
		}
		ch <- prometheus.MustNewConstMetric(
			c.clientActive,
			prometheus.GaugeValue,
			v,
			id, name, nodeName, podName,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.viewersActive,
		prometheus.GaugeValue,
		float64(c.GetViewerCount()),
		nodeName, podName,
	)

	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()

	for id, value := range c.clientRegistrations {
		ch <- prometheus.MustNewConstMetric(
			c.clientRegistrationsTotal,
			prometheus.CounterValue,
			value,
			id, nodeName, podName,
		)
	}

	for id, value := range c.clientDisconnects {
		ch <- prometheus.MustNewConstMetric(
			c.clientDisconnectsTotal,
			prometheus.CounterValue,
			value,
			id, nodeName, podName,
		)
	}

	for id, value := range c.videoPacketsByID {
		ch <- prometheus.MustNewConstMetric(
			c.videoPacketsTotal,
			prometheus.CounterValue,
			value,
			id, nodeName, podName,
		)
	}

	for id, value := range c.videoBytesByID {
		ch <- prometheus.MustNewConstMetric(
			c.videoBytesTotal,
			prometheus.CounterValue,
			value,
			id, nodeName, podName,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.viewerDropsTotal,
		prometheus.CounterValue,
		c.viewerDrops,
		nodeName, podName,
	)

	for eventType, value := range c.inputEventsByType {
		ch <- prometheus.MustNewConstMetric(
			c.inputEventsTotal,
			prometheus.CounterValue,
			value,
			eventType, nodeName, podName,
		)
	}

	for id, value := range c.inputErrorsByID {
		ch <- prometheus.MustNewConstMetric(
			c.inputErrorsTotal,
			prometheus.CounterValue,
			value,
			id, nodeName, podName,
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.serialHandshakesTotal,
		prometheus.CounterValue,
		c.serialHandshakes,
		nodeName, podName,
	)
	ch <- prometheus.MustNewConstMetric(
		c.serialHandshakeFailuresTotal,
		prometheus.CounterValue,
		c.serialFailures,
		nodeName, podName,
	)

	for command, value := range c.uiCommandsByType {
		ch <- prometheus.MustNewConstMetric(
			c.uiCommandsTotal,
			prometheus.CounterValue,
			value,
			command, nodeName, podName,
		)
	}
}

// DebugSnapshot returns a stable "id:count" summary of registrations,
// used in debug log lines.
func (c *Collector) DebugSnapshot() string {
	c.metricsLock.RLock()
	defer c.metricsLock.RUnlock()
	if len(c.clientRegistrations) == 0 {
		return "<empty>"
	}
	items := make([]string, 0, len(c.clientRegistrations))
	for id, n := range c.clientRegistrations {
		items = append(items, fmt.Sprintf("%s:%0.f", id, n))
	}
	return strings.Join(items, ",")
}
