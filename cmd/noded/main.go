// Command noded wires the networking core's Service facade to a TCP
// listener. Config loading, TOML parsing and CLI flags are out of
// scope for this module and are expected to be supplied by whatever
// embeds this package; this binary only exercises the wiring with a
// minimal set of flags.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prozchain/network-core/pkg/network"
)

func main() {
	listenAddr := flag.String("listen", "0.0.0.0:30333", "address to accept inbound peer connections on")
	nodeType := flag.String("node-type", "full", "node type: full, validator, light, archive")
	bootstrap := flag.String("bootstrap", "", "comma-separated bootstrap node host:port list")
	diagAddr := flag.String("diagnostics-listen", "", "optional address for the read-only diagnostics websocket (disabled if empty)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		os.Exit(1)
	}
	defer log.Sync()

	self := randomPeerID()
	config := network.Config{
		ListenAddresses: []string{*listenAddr},
		BootstrapNodes:  splitNonEmpty(*bootstrap),
		NodeType:        *nodeType,
	}
	config.ApplyDefaults()

	svc := network.NewService(config, self, network.TCPDialer{Timeout: config.ConnectionTimeout}, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		log.Fatal("failed to start network service", zap.Error(err))
	}

	listener, err := network.Listen(*listenAddr, log)
	if err != nil {
		log.Fatal("failed to listen", zap.Error(err))
	}
	go listener.Accept(func(conn net.Conn, ep network.Endpoint) {
		log.Info("inbound connection accepted", zap.Stringer("endpoint", ep))
		_ = conn.Close() // Service has no inbound handshake entry point, so the socket is only logged and closed
	})

	var diag *network.DiagnosticsServer
	if *diagAddr != "" {
		diag = network.NewDiagnosticsServer(network.DiagnosticsConfig{ListenAddr: *diagAddr}, svc, log)
		if err := diag.Start(); err != nil {
			log.Fatal("failed to start diagnostics server", zap.Error(err))
		}
	}

	log.Info("noded running", zap.String("listen", *listenAddr), zap.String("node_type", *nodeType))

	<-ctx.Done()
	log.Info("shutdown signal received")
	_ = listener.Close()
	if diag != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = diag.Shutdown(shutdownCtx)
		cancel()
	}
	if err := svc.Shutdown(); err != nil {
		log.Error("error during shutdown", zap.Error(err))
	}
}

func randomPeerID() network.PeerID {
	var id network.PeerID
	_, _ = rand.Read(id[:])
	return id
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}
