// ABOUTME: WebSocket transport carrying timesync envelopes between nodes
// ABOUTME: Accepts and dials peer connections and routes inbound frames to a receiver
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/Resonate-Protocol/timesync-go/pkg/protocol"
	"github.com/Resonate-Protocol/timesync-go/pkg/rpc"
)

const (
	// DefaultPath is the HTTP path timesync connections are upgraded on
	DefaultPath = "/timesync"

	// DefaultHandshakeTimeout bounds the hello exchange
	DefaultHandshakeTimeout = 5 * time.Second

	defaultWriteTimeout = 10 * time.Second
)

var (
	// ErrSelfDial is returned when a peer address turns out to be this node
	ErrSelfDial = errors.New("ws: peer is this node")

	// ErrNodeClosed is returned by Send after Close
	ErrNodeClosed = errors.New("ws: node closed")
)

// Config holds node configuration
type Config struct {
	// ListenAddr to accept peers on, e.g. ":8930". Empty means dial only.
	ListenAddr string

	// AdvertiseAddr is the address peers dial to reach us (default: the listen address
	// unless it is a wildcard)
	AdvertiseAddr string

	// Path to serve and dial (default: /timesync)
	Path string

	// Codec for outgoing frames (default: JSON). Inbound frames are decoded by frame type.
	Codec protocol.Codec

	// HandshakeTimeout bounds the hello exchange (default: 5s)
	HandshakeTimeout time.Duration

	Logger *zap.Logger
}

// Node is a WebSocket endpoint implementing rpc.Transport and rpc.Binder
type Node struct {
	config   Config
	nodeID   string
	log      *zap.Logger
	upgrader websocket.Upgrader
	dialer   *websocket.Dialer
	dials    singleflight.Group

	httpServer *http.Server
	listener   net.Listener

	mu       sync.RWMutex
	conns    map[string]*peerConn
	receiver rpc.Receiver
	closed   bool

	wg sync.WaitGroup
}

// peerConn is one established connection; writes are serialized
type peerConn struct {
	peer    string
	ws      *websocket.Conn
	writeMu sync.Mutex
}

// NewNode creates a node. Call Start to accept connections.
func NewNode(config Config) *Node {
	if config.Path == "" {
		config.Path = DefaultPath
	}
	if config.Codec == nil {
		config.Codec = protocol.JSON
	}
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}

	return &Node{
		config: config,
		nodeID: uuid.New().String(),
		log:    config.Logger.Named("ws"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
			// Peers on the local network are trusted
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
			Proxy:            http.ProxyFromEnvironment,
		},
		conns: make(map[string]*peerConn),
	}
}

// ID returns the random node identity announced in hello frames
func (n *Node) ID() string {
	return n.nodeID
}

// Start listens on ListenAddr and serves peer connections in the background
func (n *Node) Start() error {
	if n.config.ListenAddr == "" {
		return nil
	}

	listener, err := net.Listen("tcp", n.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", n.config.ListenAddr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(n.config.Path, n.handleWebSocket)

	n.mu.Lock()
	n.listener = listener
	n.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: n.config.HandshakeTimeout,
	}
	// a wildcard listener is not an address peers can reach us on
	if n.config.AdvertiseAddr == "" && !isWildcard(listener.Addr()) {
		n.config.AdvertiseAddr = listener.Addr().String()
	}
	server := n.httpServer
	n.mu.Unlock()

	n.log.Info("listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("path", n.config.Path),
		zap.String("codec", n.config.Codec.Name()),
		zap.String("node_id", n.nodeID))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			n.log.Error("http server failed", zap.Error(err))
		}
	}()

	return nil
}

// Addr returns the advertised peer identifier of this node
func (n *Node) Addr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.config.AdvertiseAddr
}

// ListenAddr returns the address the listener is bound to, or "" before Start
func (n *Node) ListenAddr() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.listener == nil {
		return ""
	}
	return n.listener.Addr().String()
}

// Bind sets the receiver for inbound envelopes
func (n *Node) Bind(r rpc.Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receiver = r
}

// Peers returns the identifiers of currently connected peers
func (n *Node) Peers() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()

	peers := make([]string, 0, len(n.conns))
	for peer := range n.conns {
		peers = append(peers, peer)
	}
	return peers
}

// Send writes env to peer to, dialing it first when no connection exists
func (n *Node) Send(ctx context.Context, to string, env protocol.Envelope, timeout time.Duration) error {
	c, err := n.connFor(ctx, to)
	if err != nil {
		return err
	}

	data, err := n.config.Codec.Marshal(protocol.Message{Type: protocol.MessageTypeRPC, Envelope: &env})
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	if err := c.write(n.messageType(), data, writeDeadline(ctx, timeout)); err != nil {
		n.drop(c)
		return fmt.Errorf("write to %s: %w", to, err)
	}
	return nil
}

// Close stops accepting, closes every peer connection and waits for readers to exit
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	server := n.httpServer
	conns := n.conns
	n.conns = make(map[string]*peerConn)
	n.mu.Unlock()

	var err error
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = server.Shutdown(ctx)
		cancel()
	}

	for _, c := range conns {
		c.close()
	}

	n.wg.Wait()
	n.log.Info("node stopped")
	return err
}

// handleWebSocket upgrades an inbound connection and runs the acceptor handshake
func (n *Node) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Warn("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	hello, err := n.readHello(conn)
	if err != nil {
		n.log.Warn("handshake failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}

	// answer with our own hello so the dialer can detect a self-dial
	if err := n.writeHello(conn); err != nil {
		n.log.Warn("failed to send hello", zap.String("remote", r.RemoteAddr), zap.Error(err))
		conn.Close()
		return
	}

	if hello.NodeID == n.nodeID {
		conn.Close()
		return
	}

	// Replies must leave on the connection the request came in on. The advertised
	// address is only a dial hint and may be shared or unroutable.
	peer := r.RemoteAddr

	c := &peerConn{peer: peer, ws: conn}
	if !n.register(c) {
		return
	}
	n.log.Info("peer connected",
		zap.String("peer", peer),
		zap.String("advertised", hello.Addr),
		zap.String("node_id", hello.NodeID))

	n.readLoop(c)
}

// connFor returns the connection to peer, dialing once for concurrent callers
func (n *Node) connFor(ctx context.Context, peer string) (*peerConn, error) {
	n.mu.RLock()
	closed := n.closed
	c := n.conns[peer]
	n.mu.RUnlock()

	if closed {
		return nil, ErrNodeClosed
	}
	if c != nil {
		return c, nil
	}

	v, err, _ := n.dials.Do(peer, func() (any, error) {
		return n.dial(ctx, peer)
	})
	if err != nil {
		return nil, err
	}
	return v.(*peerConn), nil
}

func (n *Node) dial(ctx context.Context, peer string) (*peerConn, error) {
	n.mu.RLock()
	if c := n.conns[peer]; c != nil {
		n.mu.RUnlock()
		return c, nil
	}
	n.mu.RUnlock()

	target := n.peerURL(peer)
	n.log.Debug("dialing peer", zap.String("url", target))

	conn, _, err := n.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", target, err)
	}

	if err := n.writeHello(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send hello to %s: %w", peer, err)
	}

	hello, err := n.readHello(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", peer, err)
	}
	if hello.NodeID == n.nodeID {
		conn.Close()
		return nil, fmt.Errorf("%w: %s", ErrSelfDial, peer)
	}

	c := &peerConn{peer: peer, ws: conn}
	if !n.register(c) {
		return nil, ErrNodeClosed
	}
	n.log.Info("connected to peer", zap.String("peer", peer), zap.String("node_id", hello.NodeID))

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(c)
	}()

	return c, nil
}

func (n *Node) peerURL(peer string) string {
	if strings.Contains(peer, "://") {
		return peer
	}
	u := url.URL{Scheme: "ws", Host: peer, Path: n.config.Path}
	return u.String()
}

func (n *Node) writeHello(conn *websocket.Conn) error {
	data, err := n.config.Codec.Marshal(protocol.Message{
		Type: protocol.MessageTypeHello,
		Hello: &protocol.Hello{
			NodeID:  n.nodeID,
			Addr:    n.Addr(),
			Version: protocol.ProtocolVersion,
		},
	})
	if err != nil {
		return err
	}

	conn.SetWriteDeadline(time.Now().Add(n.config.HandshakeTimeout))
	return conn.WriteMessage(n.messageType(), data)
}

func (n *Node) readHello(conn *websocket.Conn) (*protocol.Hello, error) {
	conn.SetReadDeadline(time.Now().Add(n.config.HandshakeTimeout))
	msg, err := readMessage(conn)
	if err != nil {
		return nil, err
	}
	conn.SetReadDeadline(time.Time{})

	if msg.Type != protocol.MessageTypeHello || msg.Hello == nil {
		return nil, fmt.Errorf("expected %s, got %q", protocol.MessageTypeHello, msg.Type)
	}
	if msg.Hello.Version != protocol.ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version %d", msg.Hello.Version)
	}
	return msg.Hello, nil
}

// readLoop forwards rpc frames until the connection fails
func (n *Node) readLoop(c *peerConn) {
	defer n.drop(c)

	for {
		msg, err := readMessage(c.ws)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				n.log.Warn("peer connection lost", zap.String("peer", c.peer), zap.Error(err))
			}
			return
		}

		if msg.Type != protocol.MessageTypeRPC || msg.Envelope == nil {
			n.log.Debug("ignoring frame", zap.String("peer", c.peer), zap.String("type", msg.Type))
			continue
		}

		n.mu.RLock()
		receiver := n.receiver
		n.mu.RUnlock()

		if receiver == nil {
			n.log.Debug("no receiver bound, dropping envelope", zap.String("peer", c.peer))
			continue
		}
		receiver(c.peer, *msg.Envelope)
	}
}

func (n *Node) register(c *peerConn) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		c.close()
		return false
	}
	// a newer connection replaces an older one; the older keeps reading until it closes
	n.conns[c.peer] = c
	return true
}

func (n *Node) drop(c *peerConn) {
	n.mu.Lock()
	if n.conns[c.peer] == c {
		delete(n.conns, c.peer)
	}
	n.mu.Unlock()

	c.close()
}

func isWildcard(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && (tcp.IP == nil || tcp.IP.IsUnspecified())
}

func (n *Node) messageType() int {
	if n.config.Codec.Binary() {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

// readMessage decodes a frame with the codec matching its websocket type
func readMessage(conn *websocket.Conn) (protocol.Message, error) {
	var msg protocol.Message

	messageType, data, err := conn.ReadMessage()
	if err != nil {
		return msg, err
	}

	codec := protocol.JSON
	if messageType == websocket.BinaryMessage {
		codec = protocol.CBOR
	}
	if err := codec.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("decode %s frame: %w", codec.Name(), err)
	}
	return msg, nil
}

func (c *peerConn) write(messageType int, data []byte, deadline time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(messageType, data)
}

func (c *peerConn) close() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.ws.Close()
}

func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if timeout > 0 {
		return time.Now().Add(timeout)
	}
	if deadline, ok := ctx.Deadline(); ok {
		return deadline
	}
	return time.Now().Add(defaultWriteTimeout)
}
