// ABOUTME: mDNS advertisement of the playout diagnostics server
// ABOUTME: Publishes _playout._tcp with the status and event paths in TXT records
package discovery

import (
	"context"
	"fmt"
	"net"

	"github.com/charmbracelet/log"
	"github.com/hashicorp/mdns"
)

// ServiceType is the DNS-SD type advertised for diagnostics.
const ServiceType = "_playout._tcp"

// Config holds discovery configuration
type Config struct {
	ServiceName string
	Port        int
	Version     string
	SampleRate  int
	Logger      *log.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		config: config,
		logger: config.Logger.WithPrefix("mdns"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// TXT returns the TXT records advertised with the service.
func (m *Manager) TXT() []string {
	txt := []string{"status=/status", "events=/events"}
	if m.config.Version != "" {
		txt = append(txt, "version="+m.config.Version)
	}
	if m.config.SampleRate > 0 {
		txt = append(txt, fmt.Sprintf("rate=%d", m.config.SampleRate))
	}
	return txt
}

// Advertise advertises the diagnostics server until Stop is called.
func (m *Manager) Advertise() error {
	if m.config.ServiceName == "" {
		return fmt.Errorf("service name required")
	}
	if m.config.Port <= 0 || m.config.Port > 65535 {
		return fmt.Errorf("invalid port %d", m.config.Port)
	}

	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.TXT(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.logger.Info("advertising", "name", m.config.ServiceName, "port", m.config.Port, "type", ServiceType)

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()
	return nil
}

// Stop withdraws the advertisement.
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns the IPv4 addresses of every interface that is up.
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil {
				ips = append(ips, ipnet.IP)
			}
		}
	}

	return ips, nil
}
