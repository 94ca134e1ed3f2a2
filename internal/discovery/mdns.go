// ABOUTME: mDNS advertisement and browsing of timesync peers
// ABOUTME: Discovered nodes are kept in an expiring peer set usable as a peer source
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/mdns"
	"go.uber.org/zap"
)

const (
	// ServiceType is the mDNS service timesync nodes advertise
	ServiceType = "_timesync._tcp"

	DefaultBrowseInterval = 10 * time.Second
	DefaultQueryTimeout   = 3 * time.Second

	nodeIDField = "id="
	pathField   = "path="
)

// Config holds discovery configuration
type Config struct {
	// Instance name to advertise (default: random)
	Instance string

	// NodeID identifies this node so its own advertisement is ignored
	NodeID string

	// Port and Path the local transport accepts peers on
	Port int
	Path string

	// Self is our own peer identifier, never returned by Peers
	Self string

	BrowseInterval time.Duration
	QueryTimeout   time.Duration

	// PeerTTL drops peers not seen for this long (default: three browse intervals)
	PeerTTL time.Duration

	// OnPeer is called from the browse goroutine for every newly discovered peer
	OnPeer func(addr string)

	Logger *zap.Logger
}

// Manager handles mDNS operations
type Manager struct {
	config Config
	log    *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	peers  *PeerSet

	mu     sync.Mutex
	server *mdns.Server
	wg     sync.WaitGroup
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	if config.Instance == "" {
		config.Instance = "timesync-" + uuid.New().String()[:8]
	}
	if config.BrowseInterval == 0 {
		config.BrowseInterval = DefaultBrowseInterval
	}
	if config.QueryTimeout == 0 {
		config.QueryTimeout = DefaultQueryTimeout
	}
	if config.PeerTTL == 0 {
		config.PeerTTL = 3 * config.BrowseInterval
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		config: config,
		log:    config.Logger.Named("discovery"),
		ctx:    ctx,
		cancel: cancel,
		peers:  NewPeerSet(config.PeerTTL, config.Self),
	}
}

// Advertise announces this node via mDNS until Stop
func (m *Manager) Advertise() error {
	ips, err := getLocalIPs()
	if err != nil {
		return fmt.Errorf("failed to get local IPs: %w", err)
	}

	service, err := mdns.NewMDNSService(
		m.config.Instance,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		[]string{nodeIDField + m.config.NodeID, pathField + m.config.Path},
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	m.log.Info("advertising mDNS service",
		zap.String("instance", m.config.Instance),
		zap.String("service", ServiceType),
		zap.Int("port", m.config.Port))

	return nil
}

// Browse searches for peers in the background until Stop
func (m *Manager) Browse() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.browseLoop()
	}()
}

// Peers returns the currently known peers; it is meant to be used as a timesync peer source
func (m *Manager) Peers() []string {
	return m.peers.List()
}

// Stop ends advertisement and browsing
func (m *Manager) Stop() {
	m.cancel()

	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server != nil {
		if err := server.Shutdown(); err != nil {
			m.log.Warn("mdns shutdown failed", zap.Error(err))
		}
	}
	m.wg.Wait()
}

// browseLoop queries for peers every BrowseInterval
func (m *Manager) browseLoop() {
	ticker := time.NewTicker(m.config.BrowseInterval)
	defer ticker.Stop()

	for {
		m.query()

		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) query() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			m.handleEntry(entry)
		}
	}()

	params := mdns.DefaultParams(ServiceType)
	params.Timeout = m.config.QueryTimeout
	params.Entries = entries

	if err := mdns.Query(params); err != nil {
		m.log.Debug("mdns query failed", zap.Error(err))
	}
	close(entries)
	<-done
}

func (m *Manager) handleEntry(entry *mdns.ServiceEntry) {
	if entryNodeID(entry) == m.config.NodeID && m.config.NodeID != "" {
		return
	}

	addr, ok := entryAddr(entry)
	if !ok {
		m.log.Debug("ignoring entry without address", zap.String("name", entry.Name))
		return
	}

	if !m.peers.Observe(addr) {
		return
	}
	m.log.Info("discovered peer", zap.String("name", entry.Name), zap.String("addr", addr))
	if m.config.OnPeer != nil {
		m.config.OnPeer(addr)
	}
}

// entryAddr returns host:port of an entry, preferring IPv4
func entryAddr(entry *mdns.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}

	var host string
	switch {
	case entry.AddrV4 != nil:
		host = entry.AddrV4.String()
	case entry.AddrV6 != nil:
		host = entry.AddrV6.String()
	default:
		return "", false
	}
	return net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}

func entryNodeID(entry *mdns.ServiceEntry) string {
	for _, field := range entry.InfoFields {
		if id, ok := strings.CutPrefix(field, nodeIDField); ok {
			return id
		}
	}
	return ""
}

// getLocalIPs returns local IP addresses
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
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
