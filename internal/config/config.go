// Package config loads the engine's tunables from CLI flags, with the
// defaults spec section 6 specifies.
package config

import (
	"flag"
	"fmt"
	"time"
)

// Config holds everything needed to construct an Engine. No state is
// persisted across runs (spec section 6).
type Config struct {
	Interface   string // network interface to bind the raw socket to, e.g. "eth0"
	DisplayName string // optional name advertised in HELLO/HELLO-ACK
	LogLevel    string // "info", "debug", "warn", "error"

	HelloInterval    time.Duration // period of HELLO broadcasts
	PeerStaleAfter   time.Duration // mark peer STALE
	PeerDeadAfter    time.Duration // remove peer
	ReassemblyTimeout time.Duration // drop incomplete inbound message

	FileWindow             int           // max outstanding file fragments
	FileFragRetryInterval  time.Duration // per-fragment retransmit period
	FileFragMaxRetries     int           // fragment retry ceiling
	FileOfferRetryInterval time.Duration // offer retransmit period
	FileOfferMaxRetries    int           // offer retry ceiling
	FileCompleteTimeout    time.Duration // wait for FILE-COMPLETE
	FileRecvStallTimeout   time.Duration // receiver stall limit
	FileAcceptTimeout      time.Duration // default accept window
}

// defaults returns a Config populated with spec section 6's defaults;
// Interface and DisplayName have no sensible default and are left
// blank for the flag parser (or a direct struct literal in tests) to
// fill in.
func defaults() Config {
	return Config{
		LogLevel: "info",

		HelloInterval:     5 * time.Second,
		PeerStaleAfter:    15 * time.Second,
		PeerDeadAfter:     30 * time.Second,
		ReassemblyTimeout: 30 * time.Second,

		FileWindow:             16,
		FileFragRetryInterval:  1 * time.Second,
		FileFragMaxRetries:     5,
		FileOfferRetryInterval: 2 * time.Second,
		FileOfferMaxRetries:    3,
		FileCompleteTimeout:    10 * time.Second,
		FileRecvStallTimeout:   30 * time.Second,
		FileAcceptTimeout:      2 * time.Second,
	}
}

// Load reads configuration from CLI flags, falling back to spec
// section 6's defaults for anything not set on the command line.
func Load() (*Config, error) {
	cfg := defaults()

	iface := flag.String("interface", cfg.Interface, "network interface to bind the raw link-layer socket to")
	name := flag.String("name", cfg.DisplayName, "display name advertised in HELLO/HELLO-ACK")
	loglevel := flag.String("loglevel", cfg.LogLevel, "log level (debug, info, warn, error)")

	helloInterval := flag.Duration("hello-interval", cfg.HelloInterval, "period of HELLO broadcasts")
	peerStaleAfter := flag.Duration("peer-stale-after", cfg.PeerStaleAfter, "mark a silent peer STALE after this long")
	peerDeadAfter := flag.Duration("peer-dead-after", cfg.PeerDeadAfter, "remove a silent peer after this long")
	reassemblyTimeout := flag.Duration("reassembly-timeout", cfg.ReassemblyTimeout, "drop an incomplete inbound message after this long")

	fileWindow := flag.Int("file-window", cfg.FileWindow, "max outstanding unacknowledged file fragments")
	fileFragRetryInterval := flag.Duration("file-frag-retry-interval", cfg.FileFragRetryInterval, "per-fragment retransmit period")
	fileFragMaxRetries := flag.Int("file-frag-max-retries", cfg.FileFragMaxRetries, "fragment retry ceiling before the transfer fails")
	fileOfferRetryInterval := flag.Duration("file-offer-retry-interval", cfg.FileOfferRetryInterval, "FILE-OFFER retransmit period")
	fileOfferMaxRetries := flag.Int("file-offer-max-retries", cfg.FileOfferMaxRetries, "FILE-OFFER retry ceiling before the transfer fails")
	fileCompleteTimeout := flag.Duration("file-complete-timeout", cfg.FileCompleteTimeout, "how long the sender waits for FILE-COMPLETE")
	fileRecvStallTimeout := flag.Duration("file-recv-stall-timeout", cfg.FileRecvStallTimeout, "receiver-side stall limit")
	fileAcceptTimeout := flag.Duration("file-accept-timeout", cfg.FileAcceptTimeout, "default auto-accept window for inbound file offers")

	flag.Parse()

	if *iface == "" {
		return nil, fmt.Errorf("config: -interface is required")
	}

	cfg.Interface = *iface
	cfg.DisplayName = *name
	cfg.LogLevel = *loglevel
	cfg.HelloInterval = *helloInterval
	cfg.PeerStaleAfter = *peerStaleAfter
	cfg.PeerDeadAfter = *peerDeadAfter
	cfg.ReassemblyTimeout = *reassemblyTimeout
	cfg.FileWindow = *fileWindow
	cfg.FileFragRetryInterval = *fileFragRetryInterval
	cfg.FileFragMaxRetries = *fileFragMaxRetries
	cfg.FileOfferRetryInterval = *fileOfferRetryInterval
	cfg.FileOfferMaxRetries = *fileOfferMaxRetries
	cfg.FileCompleteTimeout = *fileCompleteTimeout
	cfg.FileRecvStallTimeout = *fileRecvStallTimeout
	cfg.FileAcceptTimeout = *fileAcceptTimeout

	return &cfg, nil
}

// Default returns spec section 6's default tunables with the given
// interface and display name filled in, for callers (such as tests)
// that don't go through flag parsing.
func Default(iface, displayName string) Config {
	cfg := defaults()
	cfg.Interface = iface
	cfg.DisplayName = displayName
	return cfg
}
