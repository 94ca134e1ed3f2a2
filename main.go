// ABOUTME: Entry point for the timesyncd daemon
// ABOUTME: Parses CLI flags and runs a synchronizing timesync node
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/internal/config"
	"github.com/Resonate-Protocol/timesync-go/internal/discovery"
	"github.com/Resonate-Protocol/timesync-go/internal/metrics"
	"github.com/Resonate-Protocol/timesync-go/internal/ntpcheck"
	"github.com/Resonate-Protocol/timesync-go/internal/transport/ws"
	"github.com/Resonate-Protocol/timesync-go/internal/ui"
	"github.com/Resonate-Protocol/timesync-go/internal/version"
	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/timesync"
)

const defaultTUILogFile = "timesyncd.log"

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    version.Product,
		Version: version.Version,
		Usage:   "keep a shared clock in sync with a set of peers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "path to a TOML configuration file"},
			&cli.StringFlag{Name: "listen", Usage: "address to accept peer connections on"},
			&cli.StringFlag{Name: "advertise", Usage: "address peers use to reach this node"},
			&cli.StringFlag{Name: "peers", Usage: "comma separated peer addresses"},
			&cli.StringFlag{Name: "server", Usage: "synchronize with a single server instead of peers"},
			&cli.DurationFlag{Name: "interval", Usage: "automatic sync period, negative disables"},
			&cli.DurationFlag{Name: "timeout", Usage: "per-request timeout"},
			&cli.DurationFlag{Name: "delay", Usage: "pause between samples"},
			&cli.IntFlag{Name: "repeat", Usage: "samples per peer and round"},
			&cli.StringFlag{Name: "codec", Usage: "wire codec: json or cbor"},
			&cli.BoolFlag{Name: "mdns", Usage: "advertise and discover peers via mDNS"},
			&cli.StringFlag{Name: "metrics", Usage: "address to serve Prometheus metrics on"},
			&cli.StringFlag{Name: "ntp", Usage: "NTP server to measure drift against"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-file", Usage: "log file path"},
			&cli.BoolFlag{Name: "no-tui", Usage: "disable the dashboard and stream logs instead"},
		},
		Action: run,
	}
}

// loadConfig reads the configuration file, if any, and applies flags on top
func loadConfig(c *cli.Context) (config.Config, error) {
	cfg := config.Default()
	if path := c.String("config"); path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}

	if c.IsSet("listen") {
		cfg.ListenAddr = c.String("listen")
	}
	if c.IsSet("advertise") {
		cfg.AdvertiseAddr = c.String("advertise")
	}
	if c.IsSet("peers") {
		cfg.Peers = timesync.ParsePeers(c.String("peers"))
	}
	if c.IsSet("server") {
		cfg.Server = c.String("server")
	}
	if c.IsSet("interval") {
		if d := c.Duration("interval"); d < 0 {
			cfg.IntervalMs = -1
		} else {
			cfg.IntervalMs = d.Milliseconds()
		}
	}
	if c.IsSet("timeout") {
		cfg.TimeoutMs = c.Duration("timeout").Milliseconds()
	}
	if c.IsSet("delay") {
		cfg.DelayMs = c.Duration("delay").Milliseconds()
	}
	if c.IsSet("repeat") {
		cfg.Repeat = c.Int("repeat")
	}
	if c.IsSet("codec") {
		cfg.Codec = c.String("codec")
	}
	if c.IsSet("mdns") {
		cfg.MDNS = c.Bool("mdns")
	}
	if c.IsSet("metrics") {
		cfg.MetricsAddr = c.String("metrics")
	}
	if c.IsSet("ntp") {
		cfg.NTPServer = c.String("ntp")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-file") {
		cfg.LogFile = c.String("log-file")
	}

	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func run(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// Determine if we should use TUI or streaming logs
	useTUI := !c.Bool("no-tui")
	if useTUI && cfg.LogFile == "" {
		cfg.LogFile = defaultTUILogFile
	}

	// TUI mode logs only to file
	logger, closeLog, err := newLogger(cfg.LogLevel, cfg.LogFile, !useTUI)
	if err != nil {
		return err
	}
	defer closeLog()

	codec, err := protocol.CodecByName(cfg.Codec)
	if err != nil {
		return err
	}

	logger.Info("starting timesyncd",
		zap.String("version", version.Version),
		zap.String("listen", cfg.ListenAddr),
		zap.String("codec", codec.Name()))

	node := ws.NewNode(ws.Config{
		ListenAddr:    cfg.ListenAddr,
		AdvertiseAddr: cfg.AdvertiseAddr,
		Path:          cfg.Path,
		Codec:         codec,
		Logger:        logger,
	})
	if err := node.Start(); err != nil {
		return err
	}
	defer func() {
		if err := node.Close(); err != nil {
			logger.Warn("error closing node", zap.Error(err))
		}
	}()

	var disc *discovery.Manager
	// a newly discovered peer triggers a round instead of waiting for the interval
	discovered := make(chan struct{}, 1)
	if cfg.MDNS {
		disc, err = startDiscovery(node, cfg.Path, func(string) {
			select {
			case discovered <- struct{}{}:
			default:
			}
		}, logger)
		if err != nil {
			return err
		}
		defer disc.Stop()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(registry)
	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, collector, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		}()
	}

	// TUI setup
	var tuiProg *tea.Program
	var controls *ui.Controls

	if useTUI {
		controls = ui.NewControls()
		tuiProg = ui.Run(controls)
		go func() {
			if _, err := tuiProg.Run(); err != nil {
				logger.Error("TUI failed", zap.Error(err))
			}
		}()
		defer tuiProg.Quit()
	}

	// Helper to update TUI
	updateTUI := func(msg ui.StatusMsg) {
		if tuiProg != nil {
			tuiProg.Send(msg)
		}
	}

	mode := "peers"
	switch {
	case cfg.Server != "":
		mode = "server"
	case cfg.MDNS:
		mode = "mdns"
	}
	nodeAddr := node.Addr()
	if nodeAddr == "" {
		nodeAddr = node.ListenAddr()
	}
	updateTUI(ui.StatusMsg{NodeAddr: nodeAddr, Codec: codec.Name(), Mode: mode})

	tsConfig := timesync.Config{
		Peers:     cfg.Peers,
		Server:    cfg.Server,
		Interval:  cfg.Interval(),
		Timeout:   cfg.Timeout(),
		Delay:     cfg.Delay(),
		Repeat:    cfg.Repeat,
		Transport: node,
		OnChange: func(offset float64) {
			updateTUI(ui.StatusMsg{Offset: ui.Ptr(offset)})
		},
		OnSync: func(phase string) {
			updateTUI(ui.StatusMsg{Syncing: ui.Ptr(phase == timesync.SyncStart), At: time.Now()})
		},
		OnError: func(err error) {
			logger.Warn("synchronization error", zap.Error(err))
			updateTUI(ui.StatusMsg{Err: err})
		},
		Logger: logger,
	}
	if disc != nil {
		static := cfg.Peers
		tsConfig.Peers = nil
		tsConfig.PeerSource = func() []string {
			return mergePeers(static, disc.Peers())
		}
	}

	collector.Instrument(&tsConfig)

	ts, err := timesync.New(tsConfig)
	if err != nil {
		return err
	}
	defer ts.Close()

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()

	if cfg.NTPServer != "" {
		checker := ntpcheck.New(cfg.NTPServer, 0, logger)
		go checker.Run(ctx, cfg.NTPInterval(), ts.Time, func(drift time.Duration) {
			collector.SetReferenceDrift(drift)
			updateTUI(ui.StatusMsg{NTPDrift: ui.Ptr(drift)})
		})
	}

	if disc != nil {
		go syncOnDiscovery(ctx, ts.Sync, discovered, logger)
	}

	currentPeers := func() []string {
		switch {
		case cfg.Server != "":
			return []string{cfg.Server}
		case tsConfig.PeerSource != nil:
			return tsConfig.PeerSource()
		default:
			return cfg.Peers
		}
	}

	// Start dashboard handlers if TUI is enabled
	if controls != nil {
		go handleSyncRequests(ctx, ts, controls, logger)
		go statsUpdateLoop(ctx, collector, 2*cfg.Interval(), currentPeers, updateTUI)
	}

	// Handle shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Wait for quit signal from TUI or OS
	if controls != nil {
		select {
		case <-controls.Quit:
			logger.Info("received quit signal from TUI")
		case <-sigChan:
			logger.Info("shutdown signal received")
		}
	} else {
		<-sigChan
		logger.Info("shutdown signal received")
	}

	logger.Info("timesyncd stopping", zap.Float64("offset", ts.Offset()))
	return nil
}

// startDiscovery advertises node via mDNS and browses for peers
func startDiscovery(node *ws.Node, path string, onPeer func(string), logger *zap.Logger) (*discovery.Manager, error) {
	_, portStr, err := net.SplitHostPort(node.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("mdns needs a listening node: %w", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	disc := discovery.NewManager(discovery.Config{
		NodeID: node.ID(),
		Port:   port,
		Path:   path,
		Self:   node.Addr(),
		OnPeer: onPeer,
		Logger: logger,
	})
	if err := disc.Advertise(); err != nil {
		return nil, err
	}
	disc.Browse()
	return disc, nil
}

// serveMetrics exposes the collector on addr until the returned server is shut down
func serveMetrics(addr string, collector *metrics.Collector, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return srv
}

// handleSyncRequests runs a sync round for every dashboard request
func handleSyncRequests(ctx context.Context, ts *timesync.TimeSync, controls *ui.Controls, logger *zap.Logger) {
	for {
		select {
		case <-controls.SyncNow:
			go func() {
				if err := ts.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
					logger.Warn("manual sync failed", zap.Error(err))
				}
			}()
		case <-ctx.Done():
			return
		}
	}
}

// syncOnDiscovery runs a round for every discovery signal until ctx is done.
// Signals arriving during a round collapse into one follow-up round.
func syncOnDiscovery(ctx context.Context, syncNow func(context.Context) error, discovered <-chan struct{}, logger *zap.Logger) {
	for {
		select {
		case <-discovered:
			logger.Debug("syncing with newly discovered peers")
			if err := syncNow(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("sync after discovery failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// statsUpdateLoop periodically updates TUI with peer and round trip statistics.
// A non-positive staleAfter never reports a lost sync for age alone.
func statsUpdateLoop(ctx context.Context, collector *metrics.Collector, staleAfter time.Duration, peers func() []string, updateTUI func(ui.StatusMsg)) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			updateTUI(ui.StatusMsg{
				Peers:   append([]string{}, peers()...),
				RTTP50:  collector.RoundtripPercentile(50),
				RTTP99:  collector.RoundtripPercentile(99),
				Quality: collector.Quality(staleAfter).String(),
			})
		}
	}
}

// mergePeers returns static followed by the discovered peers it does not already contain
func mergePeers(static, discovered []string) []string {
	seen := make(map[string]bool, len(static)+len(discovered))
	merged := make([]string, 0, len(static)+len(discovered))
	for _, list := range [][]string{static, discovered} {
		for _, p := range list {
			if !seen[p] {
				seen[p] = true
				merged = append(merged, p)
			}
		}
	}
	return merged
}
