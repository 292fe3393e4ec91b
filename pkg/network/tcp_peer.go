package network

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// TCPDialer is the production Dialer, a thin wrapper over
// net.Dialer.DialContext (§4.4).
type TCPDialer struct {
	Timeout time.Duration
}

// Dial opens a TCP connection to ep, respecting both ctx and the
// dialer's configured timeout, whichever fires first.
func (d TCPDialer) Dial(ctx context.Context, ep Endpoint) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectionTimeout
	}
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", ep.String())
	if err != nil {
		return nil, errors.Wrapf(ErrConnectionRefused, "dial %s: %v", ep, err)
	}
	return conn, nil
}

// TCPPeer binds a live Connection to a TCP socket, running one
// goroutine that drains the connection's outbound queue onto the wire
// and one that decodes inbound frames and hands them to a handler.
// Neither goroutine holds the ConnectionManager's lock; they only
// touch their own socket and their own Connection.
type TCPPeer struct {
	conn  *Connection
	sock  net.Conn
	codec *Codec
	log   *zap.Logger

	onMessage    func(*Connection, *Message)
	onDisconnect func(*Connection, error)

	done chan struct{}
}

// NewTCPPeer wires a Connection to an already-established socket.
// onMessage is invoked from the reader goroutine for every decoded
// frame; onDisconnect is invoked exactly once, from whichever
// goroutine notices the socket close first.
func NewTCPPeer(conn *Connection, sock net.Conn, codec *Codec, log *zap.Logger, onMessage func(*Connection, *Message), onDisconnect func(*Connection, error)) *TCPPeer {
	if log == nil {
		log = zap.NewNop()
	}
	return &TCPPeer{
		conn:         conn,
		sock:         sock,
		codec:        codec,
		log:          log,
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
		done:         make(chan struct{}),
	}
}

// Run starts the reader and writer goroutines and blocks until both
// exit, typically called in its own goroutine by the caller.
func (p *TCPPeer) Run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		p.runWriter()
	}()

	p.runReader()
	<-writerDone
}

func (p *TCPPeer) runWriter() {
	for {
		select {
		case <-p.done:
			return
		case msg, ok := <-p.conn.outboundQueue:
			if !ok {
				return
			}
			if _, err := p.sock.Write(msg.packet); err != nil {
				p.fail(errors.Wrap(err, "write failed"))
				return
			}
		}
	}
}

func (p *TCPPeer) runReader() {
	header := make([]byte, HeaderSize)
	for {
		if _, err := readFull(p.sock, header); err != nil {
			p.fail(errors.Wrap(err, "read header failed"))
			return
		}
		h, err := ReadHeader(header)
		if err != nil {
			p.fail(err)
			return
		}
		if h.Length > p.codec.MaxMessageSize {
			p.fail(ErrOversizedMessage)
			return
		}
		body := make([]byte, HeaderSize+int(h.Length))
		copy(body, header)
		if h.Length > 0 {
			if _, err := readFull(p.sock, body[HeaderSize:]); err != nil {
				p.fail(errors.Wrap(err, "read payload failed"))
				return
			}
		}
		msg, err := p.codec.Decode(body)
		if err != nil {
			p.fail(err)
			return
		}
		p.conn.Touch()
		if p.onMessage != nil {
			p.onMessage(p.conn, msg)
		}
		select {
		case <-p.done:
			return
		default:
		}
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (p *TCPPeer) fail(err error) {
	select {
	case <-p.done:
		return
	default:
		close(p.done)
	}
	_ = p.sock.Close()
	if p.onDisconnect != nil {
		p.onDisconnect(p.conn, err)
	}
}

// Close tears down the socket and stops both goroutines.
func (p *TCPPeer) Close() {
	p.fail(errors.New("closed locally"))
}

// TCPListener accepts inbound connections and hands each admitted
// socket to a callback that owns turning it into a TCPPeer.
type TCPListener struct {
	listener net.Listener
	log      *zap.Logger
}

// Listen binds addr and returns a TCPListener ready for Accept.
func Listen(addr string, log *zap.Logger) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen %s", addr)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &TCPListener{listener: ln, log: log}, nil
}

// Accept blocks accepting inbound sockets until the listener is
// closed, invoking onAccept for each one.
func (l *TCPListener) Accept(onAccept func(net.Conn, Endpoint)) {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			l.log.Debug("listener accept stopped", zap.Error(err))
			return
		}
		ep, err := ParseEndpoint(conn.RemoteAddr().String())
		if err != nil {
			_ = conn.Close()
			continue
		}
		onAccept(conn, ep)
	}
}

// Close stops accepting new connections.
func (l *TCPListener) Close() error {
	return l.listener.Close()
}
