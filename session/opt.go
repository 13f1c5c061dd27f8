package session

import (
	"time"

	"github.com/probelab/synthpeer/handshake"
	"github.com/probelab/synthpeer/wire"
	"github.com/sirupsen/logrus"
)

// Options for establishing and running a Session.
type Options struct {
	Logger           logrus.FieldLogger
	Handshaker       handshake.Handshaker
	HandshakeTimeout time.Duration
	MaxFrameLen      uint32
	Compress         bool

	// OnMessage is called from the read loop for every message, after it has
	// been appended to the inbox. It must not block.
	OnMessage func(*Session, wire.Msg)
	// OnClose is called exactly once when the session dies, with the error
	// that killed it (nil for a local Close).
	OnClose func(*Session, error)
}

// DefaultOptions returns Options with sane defaults. A Handshaker must still
// be supplied before the Options can be used.
func DefaultOptions() Options {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return Options{
		Logger:           logger,
		HandshakeTimeout: 10 * time.Second,
		MaxFrameLen:      wire.DefaultMaxFrameLen,
		Compress:         false,
	}
}

func (opts Options) WithLogger(logger logrus.FieldLogger) Options {
	opts.Logger = logger
	return opts
}

func (opts Options) WithHandshaker(handshaker handshake.Handshaker) Options {
	opts.Handshaker = handshaker
	return opts
}

func (opts Options) WithHandshakeTimeout(timeout time.Duration) Options {
	opts.HandshakeTimeout = timeout
	return opts
}

func (opts Options) WithMaxFrameLen(maxFrameLen uint32) Options {
	opts.MaxFrameLen = maxFrameLen
	return opts
}

func (opts Options) WithCompress(compress bool) Options {
	opts.Compress = compress
	return opts
}

func (opts Options) WithOnMessage(onMessage func(*Session, wire.Msg)) Options {
	opts.OnMessage = onMessage
	return opts
}

func (opts Options) WithOnClose(onClose func(*Session, error)) Options {
	opts.OnClose = onClose
	return opts
}
