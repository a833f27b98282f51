package hub

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/metrics"
	"github.com/netkvm-hub/pkg/state"
	"github.com/netkvm-hub/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHubServer creates a new hub server
func NewHubServer(cfg *config.Config) (*HubServer, error) {
	registry := prometheus.NewRegistry()

	server := &HubServer{
		cfg:      cfg,
		state:    state.NewRegistry(),
		registry: registry,
	}
	server.inputForwarding.Store(true)

	collector := metrics.NewCollector(
		func() map[string]string {
			clients := make(map[string]string)
			for id, rec := range server.state.SnapshotAll() {
				clients[id] = rec.Name
			}
			return clients
		},
		func() string {
			return server.state.GetActiveClient()
		},
		func() int {
			return server.ViewerCount()
		},
	)

	server.collector = collector
	registry.MustRegister(collector)

	return server, nil
}

// Start binds all four role listeners and spawns their accept loops.
// A bind or certificate failure aborts startup; nothing is retried.
func (s *HubServer) Start() error {
	host := s.cfg.Server.Host

	controlAddr := fmt.Sprintf("%s:%d", host, s.cfg.Server.Port)
	var controlListener net.Listener
	var err error
	if s.cfg.Security.UseTLS {
		tlsConfig, err := s.serverTLSConfig()
		if err != nil {
			return fmt.Errorf("failed to load TLS config: %v", err)
		}
		controlListener, err = tls.Listen("tcp", controlAddr, tlsConfig)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", controlAddr, err)
		}
	} else {
		controlListener, err = net.Listen("tcp", controlAddr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %v", controlAddr, err)
		}
	}
	s.controlListener = controlListener

	videoAddr := fmt.Sprintf("%s:%d", host, s.cfg.Server.VideoPort)
	s.videoListener, err = net.Listen("tcp", videoAddr)
	if err != nil {
		controlListener.Close()
		return fmt.Errorf("failed to listen on %s: %v", videoAddr, err)
	}

	uiControlAddr := fmt.Sprintf("%s:%d", host, s.cfg.Server.UIControlPort)
	s.uiControlListener, err = net.Listen("tcp", uiControlAddr)
	if err != nil {
		controlListener.Close()
		s.videoListener.Close()
		return fmt.Errorf("failed to listen on %s: %v", uiControlAddr, err)
	}

	uiVideoAddr := fmt.Sprintf("%s:%d", host, s.cfg.Server.UIVideoPort)
	s.uiVideoListener, err = net.Listen("tcp", uiVideoAddr)
	if err != nil {
		controlListener.Close()
		s.videoListener.Close()
		s.uiControlListener.Close()
		return fmt.Errorf("failed to listen on %s: %v", uiVideoAddr, err)
	}

	s.running.Store(true)

	scheme := "tcp"
	if s.cfg.Security.UseTLS {
		scheme = "tls"
	}
	logging.Logf("[listen] control addr=%s proto=%s", controlAddr, scheme)
	logging.Logf("[listen] video addr=%s", videoAddr)
	logging.Logf("[listen] ui-control addr=%s", uiControlAddr)
	logging.Logf("[listen] ui-video addr=%s", uiVideoAddr)

	go s.acceptControlConnections()
	go s.acceptVideoConnections()
	go s.acceptUIControlConnections()
	go s.acceptUIVideoConnections()

	return nil
}

// serverTLSConfig builds the mutual-TLS listener configuration. For
// loopback testing client certificates are not required, matching the
// lenient localhost mode of the deployment tooling.
func (s *HubServer) serverTLSConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(
		s.cfg.CertPath(s.cfg.Security.ServerCert),
		s.cfg.CertPath(s.cfg.Security.ServerKey),
	)
	if err != nil {
		return nil, fmt.Errorf("load server cert: %v", err)
	}

	caPEM, err := os.ReadFile(s.cfg.CertPath(s.cfg.Security.CACert))
	if err != nil {
		return nil, fmt.Errorf("load CA cert: %v", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates parsed from %s", s.cfg.Security.CACert)
	}

	clientAuth := tls.RequireAndVerifyClientCert
	if s.cfg.Server.Host == "127.0.0.1" || s.cfg.Server.Host == "localhost" {
		clientAuth = tls.NoClientCert
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    caPool,
		ClientAuth:   clientAuth,
	}, nil
}

// Running reports whether the hub is accepting connections.
func (s *HubServer) Running() bool {
	return s.running.Load()
}

// Registry exposes the client registry to the serial bridge, which
// registers its peers alongside network clients.
func (s *HubServer) Registry() *state.Registry {
	return s.state
}

// Collector exposes the metrics collector to the serial bridge.
func (s *HubServer) Collector() *metrics.Collector {
	return s.collector
}

// Stop shuts the hub down: flip the running flag, close every
// registered client handle, then close the listening sockets. Closing
// the sockets is what unblocks pending accept/read calls, so handler
// goroutines notice the flag and exit.
func (s *HubServer) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}

	for id, rec := range s.state.SnapshotAll() {
		if err := rec.Conn.Close(); err != nil {
			logging.Logf("[shutdown] error closing client %s: %v", id, err)
		}
		if vc := rec.VideoConn(); vc != nil {
			_ = vc.Close()
		}
	}

	s.viewersLock.Lock()
	for _, v := range s.viewers {
		_ = v.Close()
	}
	s.viewers = nil
	s.viewersLock.Unlock()

	for _, l := range []net.Listener{s.controlListener, s.videoListener, s.uiControlListener, s.uiVideoListener} {
		if l != nil {
			_ = l.Close()
		}
	}
	logging.Log("Hub stopped.")
}

// StartMetricsServer starts the metrics server
func (s *HubServer) StartMetricsServer(metricsAddr, metricsPath string) error {
	http.Handle(metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	http.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>
<head><title>NetKVM Hub</title></head>
<body>
<h1>NetKVM Hub</h1>
<p><a href="` + metricsPath + `">Metrics</a></p>
</body>
</html>`))
	})

	logging.Logf("[listen] metrics addr=%s path=%s health=/healthz", metricsAddr, metricsPath)
	return http.ListenAndServe(metricsAddr, nil)
}

// RegisterClient inserts a record and auto-activates the first client.
// Used by the control handler and by the serial bridge, which registers
// its peers into the same registry as network clients.
func (s *HubServer) RegisterClient(id string, rec *types.ClientRecord) {
	s.state.AddClient(id, rec)
	if s.state.SetActiveIfNone(id) {
		logging.Logf("[registry] first client auto-activated id=%s", id)
	}
	if s.collector != nil {
		s.collector.RecordClientRegistration(id)
	}
}

// RemoveClient closes a client's handles and deletes its record. If
// the client was active the selection is cleared atomically with the
// removal. Idempotent.
func (s *HubServer) RemoveClient(id string) {
	rec := s.state.GetClient(id)
	if rec == nil {
		return
	}
	if err := rec.Conn.Close(); err != nil {
		logging.Logf("[registry] error closing client connection id=%s: %v", id, err)
	}
	if vc := rec.VideoConn(); vc != nil {
		_ = vc.Close()
	}
	wasActive := s.state.GetActiveClient() == id
	s.state.RemoveClient(id)
	if s.collector != nil {
		s.collector.RecordClientDisconnect(id)
	}
	logging.Logf("[registry] removed client id=%s name=%s", id, rec.Name)
	if wasActive {
		logging.Log("Active client disconnected. No active client now.")
	}
}
