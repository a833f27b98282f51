package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/netkvm-hub/pkg/agent"
	"github.com/netkvm-hub/pkg/config"
	"github.com/netkvm-hub/pkg/hub"
	"github.com/netkvm-hub/pkg/logging"
	"github.com/netkvm-hub/pkg/usb"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	configFile    = kingpin.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress = kingpin.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").Default(":9090").String()
	telemetryPath = kingpin.Flag("web.telemetry-path", "Path under which to expose metrics.").Default("/metrics").String()

	hubCmd = kingpin.Command("hub", "Run the hub relay server.").Default()

	agentCmd    = kingpin.Command("agent", "Run a source agent that streams to a hub.")
	agentName   = agentCmd.Flag("name", "Client name reported in the hello.").String()
	agentServer = agentCmd.Flag("server", "Hub control host to connect to.").String()
	agentSerial = agentCmd.Flag("serial-port", "Connect over this serial port instead of the network ('auto' scans all ports).").String()

	// Global config
	appConfig *config.Config
)

func main() {
	command := kingpin.Parse()

	// Load configuration
	var err error
	appConfig, err = config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Logf("Warning: Failed to load config file: %v, using defaults", err)
		appConfig = &config.Config{}
		appConfig.SetDefaults()
		appConfig.ApplyEnvOverrides()
	}

	hubID := logging.GetHubID()
	logging.Logf("Instance initialized with ID: %s", hubID)

	switch command {
	case agentCmd.FullCommand():
		if err := runAgent(); err != nil {
			logging.Fatalf("Agent error: %v", err)
		}
	case hubCmd.FullCommand():
		if err := runHub(); err != nil {
			logging.Fatalf("Hub error: %v", err)
		}
	}
}

func runHub() error {
	server, err := hub.NewHubServer(appConfig)
	if err != nil {
		return err
	}

	if err := server.Start(); err != nil {
		return err
	}

	bridge := usb.NewBridge(appConfig, server)
	bridge.Start()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		bridge.Stop()
		server.Stop()
		logging.Flush()
		os.Exit(0)
	}()

	// Get metrics config from command line or config file
	metricsPath := *telemetryPath
	metricsAddr := *listenAddress
	if appConfig.Server.TelemetryPath != "" {
		metricsPath = appConfig.Server.TelemetryPath
	}
	if appConfig.Server.ListenAddress != "" {
		metricsAddr = appConfig.Server.ListenAddress
	}

	return server.StartMetricsServer(metricsAddr, metricsPath)
}

func runAgent() error {
	if *agentName != "" {
		appConfig.Agent.ClientName = *agentName
	}
	if *agentServer != "" {
		appConfig.Agent.ServerHost = *agentServer
	}
	if *agentSerial != "" {
		appConfig.Agent.SerialPort = *agentSerial
	}

	// Capture and injection backends are platform-specific and plug in
	// behind the agent's interfaces; the bare binary registers and
	// handles control traffic only.
	var a interface {
		Run() error
		Stop()
	}
	if appConfig.Agent.SerialPort != "" {
		a = agent.NewSerialAgent(appConfig, nil, nil)
	} else {
		a = agent.New(appConfig, nil, nil)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logging.Log("Received shutdown signal, shutting down gracefully...")
		a.Stop()
	}()

	return a.Run()
}
