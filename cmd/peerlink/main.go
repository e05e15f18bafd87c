// Command peerlink runs a standalone node: it listens on the given
// addresses, dials the given peers, and gossips announcements using the
// reference handshake.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prxssh/peerlink"
	"github.com/prxssh/peerlink/identity"
	"github.com/prxssh/peerlink/peermgmt"
	"github.com/prxssh/peerlink/pkg/logging"
	"github.com/prxssh/peerlink/transport"
)

type endpointFlag []string

func (f *endpointFlag) String() string { return strings.Join(*f, ",") }

func (f *endpointFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	var (
		listenFlags  endpointFlag
		connectFlags endpointFlag
		debug        bool
	)
	flag.Var(&listenFlags, "listen", "listen address as transport://host:port (repeatable)")
	flag.Var(&connectFlags, "connect", "peer address as transport://host:port (repeatable)")
	flag.BoolVar(&debug, "debug", false, "enable debug logging")
	flag.Parse()

	setupLogger(debug)

	keypair, err := identity.GenerateKeyPair()
	if err != nil {
		slog.Error("failed to generate keypair", "error", err.Error())
		os.Exit(1)
	}

	gossip := peermgmt.NewHandler(slog.Default(), nil)
	manager, err := peerlink.NewManager(&peerlink.Config{
		Context:               keypair,
		InitConnectionHandler: &peermgmt.Handshaker{Log: slog.Default(), Gossip: gossip},
		MessageHandler:        gossip,
	})
	if err != nil {
		slog.Error("failed to build manager", "error", err.Error())
		os.Exit(1)
	}

	slog.Info("node starting", "peer_id", keypair.PeerID())

	for _, raw := range listenFlags {
		t, addr, err := parseEndpoint(raw)
		if err != nil {
			slog.Error("bad -listen value", "value", raw, "error", err.Error())
			os.Exit(1)
		}
		if err := manager.StartListener(t, addr); err != nil {
			slog.Error("failed to start listener", "addr", addr, "error", err.Error())
			os.Exit(1)
		}
	}

	for _, raw := range connectFlags {
		t, addr, err := parseEndpoint(raw)
		if err != nil {
			slog.Error("bad -connect value", "value", raw, "error", err.Error())
			os.Exit(1)
		}
		if err := manager.TryConnect(t, addr, 5*time.Second); err != nil {
			slog.Warn("connection attempt failed", "addr", addr, "error", err.Error())
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	slog.Info("shutting down",
		"in", manager.NbInConnections(),
		"out", manager.NbOutConnections(),
		"known_peers", len(gossip.KnownPeers()),
	)
	if err := manager.Close(); err != nil {
		slog.Error("shutdown failed", "error", err.Error())
		os.Exit(1)
	}
}

func parseEndpoint(raw string) (transport.Type, netip.AddrPort, error) {
	scheme, rest, found := strings.Cut(raw, "://")
	if !found {
		return 0, netip.AddrPort{}, fmt.Errorf("missing transport scheme in %q", raw)
	}

	t, err := transport.ParseType(scheme)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	addr, err := netip.ParseAddrPort(rest)
	if err != nil {
		return 0, netip.AddrPort{}, err
	}

	return t, addr, nil
}

func setupLogger(debug bool) {
	opts := logging.DefaultOptions()
	if debug {
		opts.Level = slog.LevelDebug
	}

	handler := logging.NewPrettyHandler(os.Stderr, &opts)
	slog.SetDefault(slog.New(handler))
}
