package network

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// DiagnosticsConfig configures the optional read-only WebSocket
// control channel external tooling can attach to for live peer state,
// separate from the wire protocol peers speak to each other.
type DiagnosticsConfig struct {
	ListenAddr   string // e.g. "127.0.0.1:30334"
	Path         string // e.g. "/ws/peers"
	PushInterval time.Duration
}

const (
	DefaultDiagnosticsPath         = "/ws/peers"
	DefaultDiagnosticsPushInterval = 2 * time.Second
)

// ApplyDefaults fills in zero-valued fields.
func (c *DiagnosticsConfig) ApplyDefaults() {
	if c.Path == "" {
		c.Path = DefaultDiagnosticsPath
	}
	if c.PushInterval <= 0 {
		c.PushInterval = DefaultDiagnosticsPushInterval
	}
}

// diagnosticsSnapshot is the JSON frame pushed to every attached
// client. It surfaces state a node operator or dashboard cares about;
// it is never consumed by another node.
type diagnosticsSnapshot struct {
	State     string           `json:"state"`
	Inbound   int              `json:"inbound_peers"`
	Outbound  int              `json:"outbound_peers"`
	Peers     []diagnosticPeer `json:"peers"`
	Timestamp time.Time        `json:"timestamp"`
}

type diagnosticPeer struct {
	PeerID    string `json:"peer_id"`
	Endpoint  string `json:"endpoint"`
	Direction string `json:"direction"`
	State     string `json:"state"`
}

// DiagnosticsServer exposes a read-only WebSocket feed of a Service's
// peer table and lifecycle state, upgraded from a plain HTTP server
// the way a dashboard or an operator's CLI would poll it.
type DiagnosticsServer struct {
	config DiagnosticsConfig
	svc    *Service
	log    *zap.Logger

	upgrader websocket.Upgrader

	mu     sync.Mutex
	server *http.Server
}

// NewDiagnosticsServer constructs a server bound to svc. It does
// nothing until Start is called.
func NewDiagnosticsServer(config DiagnosticsConfig, svc *Service, log *zap.Logger) *DiagnosticsServer {
	config.ApplyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &DiagnosticsServer{
		config: config,
		svc:    svc,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Start binds the listener and begins serving upgrade requests in a
// background goroutine. It returns once the listener is bound.
func (d *DiagnosticsServer) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(d.config.Path, d.handleWS)

	d.mu.Lock()
	d.server = &http.Server{Addr: d.config.ListenAddr, Handler: mux}
	server := d.server
	d.mu.Unlock()

	ln, err := net.Listen("tcp", d.config.ListenAddr)
	if err != nil {
		return err
	}
	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			d.log.Warn("diagnostics server stopped", zap.Error(err))
		}
	}()
	d.log.Info("diagnostics websocket listening", zap.String("addr", d.config.ListenAddr), zap.String("path", d.config.Path))
	return nil
}

// Shutdown gracefully stops accepting and closes open connections.
func (d *DiagnosticsServer) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	server := d.server
	d.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (d *DiagnosticsServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.Debug("diagnostics upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ticker := time.NewTicker(d.config.PushInterval)
	defer ticker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := d.snapshot()
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

func (d *DiagnosticsServer) snapshot() diagnosticsSnapshot {
	inbound, outbound := d.svc.conns.Count()
	conns := d.svc.conns.Snapshot()
	peers := make([]diagnosticPeer, 0, len(conns))
	for _, c := range conns {
		peers = append(peers, diagnosticPeer{
			PeerID:    c.PeerID.String(),
			Endpoint:  c.Endpoint.String(),
			Direction: c.Direction.String(),
			State:     c.State.String(),
		})
	}
	return diagnosticsSnapshot{
		State:     d.svc.State().String(),
		Inbound:   inbound,
		Outbound:  outbound,
		Peers:     peers,
		Timestamp: time.Now(),
	}
}
