// ABOUTME: One-shot clock synchronization probe
// ABOUTME: Runs a single sync round against peers and prints per-peer sample statistics
package main

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/Resonate-Protocol/timesync-go/internal/ntpcheck"
	"github.com/Resonate-Protocol/timesync-go/internal/transport/ws"
	"github.com/Resonate-Protocol/timesync-go/internal/version"
	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/stats"
	"github.com/Resonate-Protocol/timesync-go/pkg/timesync"
)

func main() {
	app := &cli.App{
		Name:    "timesync-probe",
		Version: version.Version,
		Usage:   "measure the clock offset to a set of timesync peers once",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "peers", Usage: "comma separated peer addresses"},
			&cli.StringFlag{Name: "server", Usage: "probe a single server instead of peers"},
			&cli.StringFlag{Name: "path", Value: ws.DefaultPath, Usage: "websocket path on the peers"},
			&cli.StringFlag{Name: "codec", Value: protocol.JSON.Name(), Usage: "wire codec: json or cbor"},
			&cli.IntFlag{Name: "repeat", Value: timesync.DefaultRepeat, Usage: "samples per peer"},
			&cli.DurationFlag{Name: "delay", Value: 100 * time.Millisecond, Usage: "pause between samples"},
			&cli.DurationFlag{Name: "timeout", Value: 2 * time.Second, Usage: "per-request timeout"},
			&cli.StringFlag{Name: "ntp", Usage: "NTP server to compare the corrected clock against"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "log to stderr"},
		},
		Action: probe,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func probe(c *cli.Context) error {
	logger := zap.NewNop()
	if c.Bool("verbose") {
		var err error
		if logger, err = zap.NewDevelopment(); err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	peers := timesync.ParsePeers(c.String("peers"))
	server := c.String("server")
	if server == "" && len(peers) == 0 {
		return cli.Exit("either --peers or --server is required", 2)
	}

	codec, err := protocol.CodecByName(c.String("codec"))
	if err != nil {
		return err
	}

	// dial-only node; peers identify us by our remote address
	node := ws.NewNode(ws.Config{
		Path:   c.String("path"),
		Codec:  codec,
		Logger: logger,
	})
	defer node.Close()

	observer := newSampleLog()
	ts, err := timesync.New(timesync.Config{
		Peers:     peers,
		Server:    server,
		Interval:  timesync.IntervalDisabled,
		Timeout:   c.Duration("timeout"),
		Delay:     c.Duration("delay"),
		Repeat:    c.Int("repeat"),
		Transport: node,
		Observer:  observer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer ts.Close()

	fmt.Printf("=== timesync probe (%s) ===\n", codec.Name())
	started := time.Now()
	if err := ts.Sync(c.Context); err != nil {
		return err
	}
	fmt.Printf("Round finished in %v\n\n", time.Since(started).Round(time.Millisecond))

	observer.print()

	fmt.Printf("\nOffset: %+.3fms\n", ts.Offset())
	fmt.Printf("Corrected time: %s\n", ts.Time().Format(time.RFC3339Nano))

	if ntpServer := c.String("ntp"); ntpServer != "" {
		drift, err := ntpcheck.New(ntpServer, 0, logger).Drift(ts.Time)
		if err != nil {
			return err
		}
		fmt.Printf("NTP drift (%s): %+v\n", ntpServer, drift)
	}

	return nil
}

// sampleLog collects every sample of the probe round per peer
type sampleLog struct {
	mu       sync.Mutex
	samples  map[string][]timesync.Sample
	failures map[string]int
	outliers map[string]int
}

func newSampleLog() *sampleLog {
	return &sampleLog{
		samples:  make(map[string][]timesync.Sample),
		failures: make(map[string]int),
		outliers: make(map[string]int),
	}
}

func (l *sampleLog) SampleSucceeded(peer string, s timesync.Sample) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples[peer] = append(l.samples[peer], s)
}

func (l *sampleLog) SampleFailed(peer string, _ error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[peer]++
}

func (l *sampleLog) OutliersRejected(peer string, n int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outliers[peer] += n
}

func (l *sampleLog) print() {
	l.mu.Lock()
	defer l.mu.Unlock()

	peers := make([]string, 0, len(l.samples)+len(l.failures))
	seen := make(map[string]bool)
	for p := range l.samples {
		peers = append(peers, p)
		seen[p] = true
	}
	for p := range l.failures {
		if !seen[p] {
			peers = append(peers, p)
		}
	}
	sort.Strings(peers)

	fmt.Printf("%-28s %4s %4s %4s %12s %12s %12s\n", "PEER", "OK", "FAIL", "OUT", "RTT MEDIAN", "RTT STD", "OFFSET MEAN")
	for _, peer := range peers {
		var roundtrips, offsets []float64
		for _, s := range l.samples[peer] {
			roundtrips = append(roundtrips, s.Roundtrip)
			offsets = append(offsets, s.Offset)
		}

		median, rttStd, mean := "-", "-", "-"
		if m, err := stats.Median(roundtrips); err == nil {
			median = fmt.Sprintf("%.3fms", m)
			rttStd = fmt.Sprintf("%.3fms", stats.Std(roundtrips))
		}
		if m, err := stats.Mean(offsets); err == nil {
			mean = fmt.Sprintf("%+.3fms", m)
		}

		fmt.Printf("%-28s %4d %4d %4d %12s %12s %12s\n",
			peer, len(roundtrips), l.failures[peer], l.outliers[peer], median, rttStd, mean)
	}
}

var _ timesync.SampleObserver = (*sampleLog)(nil)
