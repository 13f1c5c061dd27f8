// Package session runs an authenticated peer connection after the handshake:
// it frames outgoing messages, decodes incoming ones into an unbounded inbox,
// and tracks liveness.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/probelab/synthpeer/handshake"
	"github.com/probelab/synthpeer/wire"
)

// Role distinguishes which side of the connection ran which half of the
// handshake.
type Role uint8

const (
	// RoleInitiator dialed the connection and sent the upgrade request.
	RoleInitiator = Role(iota)
	// RoleResponder accepted the connection and answered the upgrade request.
	RoleResponder
)

func (role Role) String() string {
	switch role {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

// A Session is an established, authenticated connection to one remote peer.
// Incoming messages accumulate in an unbounded inbox until received; a slow
// consumer never causes the read loop to drop messages or stall the peer.
type Session struct {
	id     uuid.UUID
	opts   Options
	conn   net.Conn
	role   Role
	result handshake.Result

	enc wire.Encoder
	dec wire.Decoder

	inboxMu sync.Mutex
	inbox   []wire.Msg
	// notify is signalled (capacity one, non-blocking) whenever the inbox may
	// have become non-empty.
	notify chan struct{}

	quit  chan struct{}
	once  sync.Once
	alive int32

	writeMu sync.Mutex
}

// Establish runs the handshake over the connection in the given role and, on
// success, returns a running Session. The connection is closed on failure.
func Establish(ctx context.Context, conn net.Conn, role Role, opts Options) (*Session, error) {
	if opts.Handshaker == nil {
		panic("invariant violation: handshaker cannot be nil")
	}

	deadline := time.Now().Add(opts.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting handshake deadline: %v", err)
	}

	result := handshake.Result{}
	err := error(nil)
	switch role {
	case RoleInitiator:
		result, err = opts.Handshaker.Handshake(ctx, conn)
	case RoleResponder:
		result, err = opts.Handshaker.AcceptHandshake(ctx, conn)
	default:
		err = fmt.Errorf("unknown role=%d", role)
	}
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clearing handshake deadline: %v", err)
	}

	session := &Session{
		id:     uuid.New(),
		opts:   opts,
		conn:   conn,
		role:   role,
		result: result,
		enc:    wire.Encoder{Compress: opts.Compress},
		dec:    wire.Decoder{MaxFrameLen: opts.MaxFrameLen},
		notify: make(chan struct{}, 1),
		quit:   make(chan struct{}),
		alive:  1,
	}
	go session.readLoop()
	return session, nil
}

// ID returns the local identifier of the session.
func (s *Session) ID() uuid.UUID {
	return s.id
}

// Role returns which side of the handshake this session ran.
func (s *Session) Role() Role {
	return s.role
}

// Result returns the handshake result describing the remote peer.
func (s *Session) Result() handshake.Result {
	return s.result
}

// RemoteAddr returns the network address of the remote peer.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// LocalAddr returns the local network address of the connection.
func (s *Session) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// IsAlive returns true until the session is closed or the remote peer hangs
// up. A receive timeout does not affect liveness.
func (s *Session) IsAlive() bool {
	return atomic.LoadInt32(&s.alive) == 1
}

// Send one message to the remote peer. Sends are serialised; concurrent
// callers never interleave frames.
func (s *Session) Send(msg wire.Msg) error {
	select {
	case <-s.quit:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.enc.Encode(s.conn, msg); err != nil {
		return fmt.Errorf("sending %v: %w", msg.Type, err)
	}
	return nil
}

// TryRecv pops the oldest message from the inbox without blocking. It returns
// false when the inbox is empty.
func (s *Session) TryRecv() (wire.Msg, bool) {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	if len(s.inbox) == 0 {
		return wire.Msg{}, false
	}
	msg := s.inbox[0]
	s.inbox = s.inbox[1:]
	if len(s.inbox) > 0 {
		s.signal()
	}
	return msg, true
}

// RecvTimeout blocks until a message is available, the window elapses, the
// session dies, or the context is cancelled. A timeout leaves the session and
// its inbox untouched.
func (s *Session) RecvTimeout(ctx context.Context, timeout time.Duration) (wire.Msg, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if msg, ok := s.TryRecv(); ok {
			return msg, nil
		}
		select {
		case <-s.notify:
		case <-timer.C:
			return wire.Msg{}, NewErrRecvTimeout(timeout)
		case <-s.quit:
			// Drain whatever arrived before the remote hung up.
			if msg, ok := s.TryRecv(); ok {
				return msg, nil
			}
			return wire.Msg{}, ErrClosed
		case <-ctx.Done():
			return wire.Msg{}, ctx.Err()
		}
	}
}

// NumPending returns the number of undelivered messages in the inbox.
func (s *Session) NumPending() int {
	s.inboxMu.Lock()
	defer s.inboxMu.Unlock()
	return len(s.inbox)
}

// Close shuts the session down. It is idempotent and safe to call
// concurrently with any other method.
func (s *Session) Close() error {
	s.close(nil)
	return nil
}

func (s *Session) close(err error) {
	s.once.Do(func() {
		atomic.StoreInt32(&s.alive, 0)
		close(s.quit)
		if closeErr := s.conn.Close(); closeErr != nil {
			s.opts.Logger.Debugf("session %v: closing connection: %v", s.id, closeErr)
		}
		if s.opts.OnClose != nil {
			s.opts.OnClose(s, err)
		}
	})
}

func (s *Session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// readLoop reads frames off the connection into the inbox. It grows its
// buffer as needed so that frames larger than the buffer never deadlock the
// decoder, and it consumes every complete frame before reading again.
func (s *Session) readLoop() {
	buf := make([]byte, 0, 4096)
	for {
		if len(buf) == cap(buf) {
			bigger := make([]byte, len(buf), 2*cap(buf))
			copy(bigger, buf)
			buf = bigger
		}
		n, readErr := s.conn.Read(buf[len(buf) : cap(buf) : cap(buf)])
		buf = buf[:len(buf)+n]

		for {
			msg, consumed, err := s.dec.Decode(buf)
			if errors.Is(err, wire.ErrIncompleteFrame) {
				break
			}
			if err != nil {
				s.opts.Logger.Errorf("session %v: decoding frame: %v", s.id, err)
				s.close(err)
				return
			}
			buf = buf[:copy(buf, buf[consumed:])]

			s.inboxMu.Lock()
			s.inbox = append(s.inbox, msg)
			s.inboxMu.Unlock()
			s.signal()
			if s.opts.OnMessage != nil {
				s.opts.OnMessage(s, msg)
			}
		}

		if readErr != nil {
			if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, net.ErrClosed) {
				s.opts.Logger.Debugf("session %v: reading: %v", s.id, readErr)
			}
			s.close(readErr)
			return
		}
	}
}
