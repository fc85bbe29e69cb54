// Command rdtd runs one rdt node: it binds a UDP socket, optionally
// dials a peer, and bridges stdin/stdout to send_data/delivered messages
// for manual testing.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	charmlog "github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opaquewire/rdt/config"
	corelog "github.com/opaquewire/rdt/core/log"
	"github.com/opaquewire/rdt/transport"
)

func main() {
	confPath := flag.String("config", "", "Path to config file (falls back to RDT_CONFIG env, then config/rdt.toml)")
	dial := flag.String("dial", "", "peer_id@host:port to connect to on startup")
	metricsAddr := flag.String("metrics-addr", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")
	flag.Parse()

	cfg, err := config.Load(*confPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rdtd: %v\n", err)
		os.Exit(1)
	}
	corelog.Init(corelog.Options{Level: cfg.Log.LogLevel()})
	log := corelog.New("rdtd")

	mgr := transport.NewConnectionManager(transport.ManagerConfig{
		LocalPeerID:            cfg.Node.PeerID,
		MaxFramePayload:        cfg.Node.MaxFramePayload,
		FecRedundancyRatio:     cfg.Node.FecRedundancyRatio,
		GlobalDeadline:         cfg.Node.GlobalDeadline(),
		DeliveredQueueCapacity: cfg.Node.DeliveredQueueCapacity,
	}, nil)

	adapter, err := transport.NewUDPAdapter(cfg.Node.ListenAddr, mgr)
	if err != nil {
		log.Fatalf("bind: %v", err)
	}
	mgr.Start()
	adapter.Start()
	defer mgr.Stop()
	defer adapter.Stop()
	log.Infof("listening on %s as %q", adapter.LocalAddr(), cfg.Node.PeerID)

	if *metricsAddr != "" {
		prometheus.MustRegister(mgr.Metrics())
		http.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
				log.Warnf("metrics server stopped: %v", err)
			}
		}()
		log.Infof("metrics on %s/metrics", *metricsAddr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Infof("shutting down")
		cancel()
	}()

	if *dial != "" {
		peerID, addr, err := parsePeer(*dial)
		if err != nil {
			log.Fatalf("-dial: %v", err)
		}
		if _, err := mgr.Connect(ctx, peerID, addr); err != nil {
			log.Fatalf("connect to %s: %v", peerID, err)
		}
		log.Infof("connected to %s", peerID)
	}

	go printDelivered(ctx, mgr)
	readStdinAndSend(ctx, mgr, log)
}

func parsePeer(s string) (peerID string, addr *net.UDPAddr, err error) {
	for i := 0; i < len(s); i++ {
		if s[i] == '@' {
			addr, err = net.ResolveUDPAddr("udp", s[i+1:])
			return s[:i], addr, err
		}
	}
	return "", nil, fmt.Errorf("expected peer_id@host:port, got %q", s)
}

func printDelivered(ctx context.Context, mgr *transport.ConnectionManager) {
	for {
		msg, err := mgr.TakeDeliveredMessage(ctx)
		if err != nil {
			return
		}
		fmt.Printf("[%s] %s\n", msg.PeerID, msg.Payload)
	}
}

func readStdinAndSend(ctx context.Context, mgr *transport.ConnectionManager, log *charmlog.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text()
		peerID, payload, ok := splitCommand(line)
		if !ok {
			fmt.Fprintf(os.Stderr, "usage: <peer_id> <message>\n")
			continue
		}
		if err := sendTo(ctx, mgr, peerID, payload); err != nil {
			log.Warnf("send to %s failed: %v", peerID, err)
		}
	}
}

func splitCommand(line string) (peerID, payload string, ok bool) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[:i], line[i+1:], true
		}
	}
	return "", "", false
}

func sendTo(ctx context.Context, mgr *transport.ConnectionManager, peerID, payload string) error {
	conn, err := connectionForPeer(mgr, peerID)
	if err != nil {
		return err
	}
	return conn.SendData(ctx, []byte(payload))
}

func connectionForPeer(mgr *transport.ConnectionManager, peerID string) (*transport.Connection, error) {
	for _, id := range mgr.ConnectionIDsForPeer(peerID) {
		if c, ok := mgr.Get(id); ok {
			return c, nil
		}
	}
	return nil, fmt.Errorf("no established connection to %s", peerID)
}
