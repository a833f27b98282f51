package hub

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/metrics"
	"github.com/netkvm-hub/pkg/state"
	"github.com/prometheus/client_golang/prometheus"
)

// HubServer is the central relay. It owns the client registry, the
// viewer set and the four role listeners; everything else operates
// against the registry snapshot and is transport-agnostic.
type HubServer struct {
	cfg   *config.Config
	state *state.Registry

	// UI video output connections. Membership changes only on
	// connect/disconnect; a failed write removes the member.
	viewers     []net.Conn
	viewersLock sync.Mutex

	registry  *prometheus.Registry
	collector *metrics.Collector

	// Process-wide gate on input routing, togglable from the UI.
	inputForwarding atomic.Bool
	running         atomic.Bool

	controlListener   net.Listener
	videoListener     net.Listener
	uiControlListener net.Listener
	uiVideoListener   net.Listener
}
