// Package synthpeer drives synthetic peers: fully scriptable nodes that speak
// the gossip protocol well enough to probe a real implementation. A Node can
// initiate and accept handshakes with deliberately malformed or corrupted
// values, exchange framed messages over any number of sessions, and report
// exactly how the remote peer treated each connection.
package synthpeer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/probelab/synthpeer/addrbook"
	"github.com/probelab/synthpeer/handshake"
	"github.com/probelab/synthpeer/session"
	"github.com/probelab/synthpeer/wire"
	"github.com/renproject/id"
	"github.com/renproject/phi"
	"golang.org/x/time/rate"
)

// A Node is one synthetic peer. It maintains a registry of established
// sessions, an address book fed by endpoints advertisements, and counters for
// every connection lifecycle event. All methods are safe for concurrent use.
type Node struct {
	opts       Options
	privKey    *id.PrivKey
	handshaker handshake.Handshaker
	book       *addrbook.Book
	metrics    *Metrics

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session

	// notify is signalled (capacity one, non-blocking) whenever any session
	// may have delivered a message.
	notify chan struct{}

	// slots holds one token per established inbound connection. Inbound peers
	// that find no token free are rejected with an explicit refusal.
	slots chan struct{}

	listenerMu sync.Mutex
	listener   net.Listener

	// rateLimits must only be accessed while the mutex is locked.
	rateLimitsMu       sync.Mutex
	rateLimitsFront    map[string]*rate.Limiter
	rateLimitsBack     map[string]*rate.Limiter
	rateLimitsCapacity int

	quit chan struct{}
	once sync.Once
}

// New returns a Node. It does not listen or connect until told to.
func New(opts Options) *Node {
	if opts.Logger == nil {
		panic("invariant violation: logger cannot be nil")
	}
	privKey := opts.PrivKey
	if privKey == nil {
		privKey = id.NewPrivKey()
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.RecvTimeout <= 0 {
		opts.RecvTimeout = DefaultRecvTimeout
	}
	if opts.RateLimit == 0 && opts.RateLimitBurst == 0 {
		opts.RateLimit = DefaultConnRateLimit
	}
	return &Node{
		opts:       opts,
		privKey:    privKey,
		handshaker: handshake.New(privKey, opts.Handshake, opts.Logger),
		book:       addrbook.NewInMem(),
		metrics:    NewMetrics(opts.MetricsRegisterer),

		sessions: map[string]*session.Session{},
		notify:   make(chan struct{}, 1),
		slots:    make(chan struct{}, opts.MaxConns),

		rateLimitsFront:    make(map[string]*rate.Limiter, 65535),
		rateLimitsBack:     make(map[string]*rate.Limiter, 0),
		rateLimitsCapacity: 65535,

		quit: make(chan struct{}),
	}
}

// Identity returns the signatory of the node's long-term public key.
func (node *Node) Identity() id.Signatory {
	return node.privKey.Signatory()
}

// AddrBook returns the address book fed by endpoints advertisements.
func (node *Node) AddrBook() *addrbook.Book {
	return node.book
}

// Metrics returns the node's connection lifecycle counters.
func (node *Node) Metrics() *Metrics {
	return node.metrics
}

// Listen for inbound connections until the context is done or the node is
// shut down. It returns the bound address, which carries the concrete port
// when the configured port was zero.
func (node *Node) Listen(ctx context.Context) (net.Addr, error) {
	if node.isShutDown() {
		return nil, ErrShutDown
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%v:%v", node.opts.Host, node.opts.Port))
	if err != nil {
		return nil, fmt.Errorf("listening on %v:%v: %v", node.opts.Host, node.opts.Port, err)
	}
	node.listenerMu.Lock()
	if node.listener != nil {
		node.listenerMu.Unlock()
		listener.Close()
		return nil, fmt.Errorf("already listening on %v", node.listener.Addr())
	}
	node.listener = listener
	node.listenerMu.Unlock()

	node.opts.Logger.Infof("listening on %v", listener.Addr())

	go func() {
		// Explicitly close the listener so that the accept loop does not
		// block forever waiting for a new connection.
		select {
		case <-ctx.Done():
		case <-node.quit:
		}
		if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			node.opts.Logger.Errorf("closing listener: %v", err)
		}
	}()
	go node.acceptLoop(ctx, listener)

	return listener.Addr(), nil
}

// ListenAddr returns the bound listen address, or nil when the node is not
// listening.
func (node *Node) ListenAddr() net.Addr {
	node.listenerMu.Lock()
	defer node.listenerMu.Unlock()
	if node.listener == nil {
		return nil
	}
	return node.listener.Addr()
}

func (node *Node) acceptLoop(ctx context.Context, listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-node.quit:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			node.opts.Logger.Errorf("accepting connection: %v", err)
			continue
		}
		go node.handle(ctx, conn)
	}
}

func (node *Node) handle(ctx context.Context, conn net.Conn) {
	remoteIP := remoteIPOf(conn)
	if !node.allowRateLimit(remoteIP) {
		node.opts.Logger.Infof("limiting %v", remoteIP)
		node.metrics.ConnectionsRejected.Inc()
		if err := handshake.Reject(conn, node.opts.Handshake.Ident); err != nil {
			node.opts.Logger.Debugf("refusing %v: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	// Claim a connection slot before running the handshake. A peer that finds
	// the node full is refused immediately rather than left to time out.
	select {
	case node.slots <- struct{}{}:
	default:
		node.opts.Logger.Infof("refusing %v: no connection slots", conn.RemoteAddr())
		node.metrics.ConnectionsRejected.Inc()
		if err := handshake.Reject(conn, node.opts.Handshake.Ident); err != nil {
			node.opts.Logger.Debugf("refusing %v: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	s, err := session.Establish(ctx, conn, session.RoleResponder, node.sessionOptions())
	if err != nil {
		<-node.slots
		hsErr := handshake.Error{}
		if errors.As(err, &hsErr) {
			node.metrics.ConnectionsRejected.Inc()
		} else {
			node.metrics.Errors.Inc()
		}
		node.opts.Logger.Infof("accepting handshake from %v: %v", remoteIP, err)
		return
	}
	node.metrics.ConnectionsAccepted.Inc()
	node.register(s)
}

// Connect dials the address and runs the handshake as initiator. On success
// the session is registered and returned.
func (node *Node) Connect(ctx context.Context, addr string) (*session.Session, error) {
	return node.connect(ctx, net.Dialer{}, addr)
}

// ConnectFrom dials like Connect, but binds the connection to a specific
// local address first. The socket is marked reusable, so many connections can
// share one local address when probing a peer's per-IP accounting.
func (node *Node) ConnectFrom(ctx context.Context, localAddr, addr string) (*session.Session, error) {
	laddr, err := net.ResolveTCPAddr("tcp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("resolving local address %v: %v", localAddr, err)
	}
	dialer := net.Dialer{LocalAddr: laddr, Control: reuseControl}
	return node.connect(ctx, dialer, addr)
}

func (node *Node) connect(ctx context.Context, dialer net.Dialer, addr string) (*session.Session, error) {
	if node.isShutDown() {
		return nil, ErrShutDown
	}

	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		node.metrics.Errors.Inc()
		return nil, newErrDial(addr, err)
	}

	s, err := session.Establish(ctx, conn, session.RoleInitiator, node.sessionOptions())
	if err != nil {
		if !handshake.IsRejected(err) {
			node.metrics.Errors.Inc()
		}
		return nil, err
	}
	node.register(s)
	return s, nil
}

func (node *Node) sessionOptions() session.Options {
	return session.DefaultOptions().
		WithLogger(node.opts.Logger).
		WithHandshaker(node.handshaker).
		WithHandshakeTimeout(node.opts.HandshakeTimeout).
		WithMaxFrameLen(node.opts.MaxFrameLen).
		WithCompress(node.opts.Compress).
		WithOnMessage(node.didReceive).
		WithOnClose(node.didClose)
}

// register records the session under its remote address. The registry keeps
// at most one session per remote address: a newer session evicts the older
// one, which is closed and counted as terminated.
func (node *Node) register(s *session.Session) {
	addr := s.RemoteAddr().String()

	node.sessionsMu.Lock()
	evicted := node.sessions[addr]
	if evicted == s {
		evicted = nil
	}
	node.sessions[addr] = s
	node.sessionsMu.Unlock()

	// Closing outside the lock: the close hook unregisters, which takes the
	// lock again and finds the map already pointing at the new session.
	if evicted != nil {
		node.metrics.ConnectionsTerminated.Inc()
		evicted.Close()
	}

	// The session may have died between establishment and registration, in
	// which case its close hook has already run and found nothing to remove.
	if !s.IsAlive() {
		node.unregister(s)
	}
}

func (node *Node) unregister(s *session.Session) {
	addr := s.RemoteAddr().String()

	node.sessionsMu.Lock()
	registered := node.sessions[addr] == s
	if registered {
		delete(node.sessions, addr)
	}
	node.sessionsMu.Unlock()

	if registered {
		node.metrics.ConnectionsTerminated.Inc()
	}
}

func (node *Node) didReceive(s *session.Session, msg wire.Msg) {
	node.metrics.MessagesReceived.Inc()
	if endpoints, ok := msg.Payload.(*wire.Endpoints); ok {
		for _, endpoint := range endpoints.Endpoints {
			isNew, err := node.book.Insert(endpoint)
			if err != nil {
				node.opts.Logger.Errorf("recording endpoint %v: %v", endpoint.Addr, err)
				continue
			}
			if isNew {
				node.opts.Logger.Debugf("recorded endpoint %v (hops=%d)", endpoint.Addr, endpoint.Hops)
			}
		}
	}
	node.signal()
}

func (node *Node) didClose(s *session.Session, err error) {
	node.unregister(s)
	if s.Role() == session.RoleResponder {
		<-node.slots
	}
	// Wake receivers blocked on this node so they observe the closure.
	node.signal()
}

// IsConnected returns true when there is an established session with the
// exact remote address.
func (node *Node) IsConnected(addr string) bool {
	node.sessionsMu.Lock()
	defer node.sessionsMu.Unlock()
	_, ok := node.sessions[addr]
	return ok
}

// IsConnectedIP returns true when there is an established session whose
// remote host is the given IP, on any port.
func (node *Node) IsConnectedIP(ip string) bool {
	node.sessionsMu.Lock()
	defer node.sessionsMu.Unlock()
	for addr := range node.sessions {
		host, _, err := net.SplitHostPort(addr)
		if err == nil && host == ip {
			return true
		}
	}
	return false
}

// NumConnected returns the number of established sessions.
func (node *Node) NumConnected() int {
	node.sessionsMu.Lock()
	defer node.sessionsMu.Unlock()
	return len(node.sessions)
}

// Sessions returns a snapshot of the established sessions.
func (node *Node) Sessions() []*session.Session {
	node.sessionsMu.Lock()
	defer node.sessionsMu.Unlock()
	sessions := make([]*session.Session, 0, len(node.sessions))
	for _, s := range node.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Session returns the established session with the exact remote address.
func (node *Node) Session(addr string) (*session.Session, bool) {
	node.sessionsMu.Lock()
	defer node.sessionsMu.Unlock()
	s, ok := node.sessions[addr]
	return s, ok
}

// Send one message to the peer at the given address.
func (node *Node) Send(addr string, msg wire.Msg) error {
	s, ok := node.Session(addr)
	if !ok {
		return newErrNotConnected(addr)
	}
	return s.Send(msg)
}

// Broadcast one message to every established session. Sends run in parallel;
// the returned error aggregates any individual failures.
func (node *Node) Broadcast(msg wire.Msg) error {
	sessions := node.Sessions()
	errs := make([]error, len(sessions))
	phi.ParForAll(sessions, func(i int) {
		errs[i] = sessions[i].Send(msg)
	})

	numFailed := 0
	firstErr := error(nil)
	for _, err := range errs {
		if err != nil {
			numFailed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if firstErr != nil {
		return fmt.Errorf("broadcasting to %d of %d sessions failed: %w", numFailed, len(sessions), firstErr)
	}
	return nil
}

// RecvMessageTimeout blocks until any session delivers a message, and returns
// the message along with the session it arrived on. A timeout leaves every
// inbox untouched.
func (node *Node) RecvMessageTimeout(ctx context.Context, timeout time.Duration) (*session.Session, wire.Msg, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if s, msg, ok := node.tryRecvAny(); ok {
			return s, msg, nil
		}
		select {
		case <-node.notify:
		case <-timer.C:
			return nil, wire.Msg{}, session.NewErrRecvTimeout(timeout)
		case <-node.quit:
			return nil, wire.Msg{}, ErrShutDown
		case <-ctx.Done():
			return nil, wire.Msg{}, ctx.Err()
		}
	}
}

// RecvMessage is RecvMessageTimeout with the node's configured receive
// window.
func (node *Node) RecvMessage(ctx context.Context) (*session.Session, wire.Msg, error) {
	return node.RecvMessageTimeout(ctx, node.opts.RecvTimeout)
}

// ExpectMessage blocks until a message of the wanted type arrives on any
// session. Messages of other types received while waiting are discarded.
func (node *Node) ExpectMessage(ctx context.Context, ty wire.MsgType, timeout time.Duration) (wire.Msg, error) {
	return node.ExpectFunc(ctx, func(msg wire.Msg) bool { return msg.Type == ty }, timeout)
}

// ExpectFunc blocks until a message matching the check arrives on any
// session. Messages failing the check while waiting are discarded.
func (node *Node) ExpectFunc(ctx context.Context, check func(wire.Msg) bool, timeout time.Duration) (wire.Msg, error) {
	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wire.Msg{}, session.NewErrRecvTimeout(timeout)
		}
		_, msg, err := node.RecvMessageTimeout(ctx, remaining)
		if err != nil {
			return wire.Msg{}, err
		}
		if check(msg) {
			return msg, nil
		}
		node.opts.Logger.Debugf("discarding unexpected %v", msg.Type)
	}
}

func (node *Node) tryRecvAny() (*session.Session, wire.Msg, bool) {
	for _, s := range node.Sessions() {
		if msg, ok := s.TryRecv(); ok {
			// Other waiters may still have messages to pop.
			node.signal()
			return s, msg, true
		}
	}
	return nil, wire.Msg{}, false
}

// ShutDown closes the listener and every established session. It is
// idempotent.
func (node *Node) ShutDown() error {
	node.once.Do(func() {
		close(node.quit)

		node.listenerMu.Lock()
		listener := node.listener
		node.listenerMu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				node.opts.Logger.Errorf("closing listener: %v", err)
			}
		}

		sessions := node.Sessions()
		phi.ParForAll(sessions, func(i int) {
			sessions[i].Close()
		})
	})
	return nil
}

func (node *Node) isShutDown() bool {
	select {
	case <-node.quit:
		return true
	default:
		return false
	}
}

func (node *Node) signal() {
	select {
	case node.notify <- struct{}{}:
	default:
	}
}

func (node *Node) allowRateLimit(remoteIP string) bool {
	if node.opts.RateLimit == rate.Inf {
		return true
	}

	node.rateLimitsMu.Lock()
	defer node.rateLimitsMu.Unlock()

	if limiter, ok := node.rateLimitsFront[remoteIP]; ok {
		return limiter.Allow()
	}
	if limiter, ok := node.rateLimitsBack[remoteIP]; ok {
		return limiter.Allow()
	}

	if len(node.rateLimitsFront) >= node.rateLimitsCapacity {
		node.rateLimitsBack = node.rateLimitsFront
		node.rateLimitsFront = make(map[string]*rate.Limiter, node.rateLimitsCapacity)
	}
	node.rateLimitsFront[remoteIP] = rate.NewLimiter(node.opts.RateLimit, node.opts.RateLimitBurst)
	return node.rateLimitsFront[remoteIP].Allow()
}

func remoteIPOf(conn net.Conn) string {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	return conn.RemoteAddr().String()
}
