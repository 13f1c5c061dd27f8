package synthpeer

import (
	"time"

	"github.com/probelab/synthpeer/handshake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/renproject/id"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

var (
	DefaultHost             = "0.0.0.0"
	DefaultPort             = uint16(0)
	DefaultMaxConns         = 128
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRecvTimeout      = 10 * time.Second

	// DefaultConnRateLimit leaves the per-IP accept rate limiter off. Probing
	// a peer's admission behavior needs deterministic accept decisions, so
	// limiting is strictly opt-in.
	DefaultConnRateLimit      = rate.Inf
	DefaultConnRateLimitBurst = 0
)

// Options configure a Node.
type Options struct {
	Logger logrus.FieldLogger

	// PrivKey is the long-term identity key. Nil generates a fresh key.
	PrivKey *id.PrivKey

	// Handshake carries the header values presented during handshakes,
	// including any deliberate corruption.
	Handshake handshake.Config

	Host string
	Port uint16

	// MaxConns bounds the number of simultaneously established inbound
	// connections. Inbound peers beyond the bound are explicitly rejected,
	// not left hanging. Outbound connections are not counted.
	MaxConns int

	HandshakeTimeout time.Duration
	RecvTimeout      time.Duration

	// Compress enables snappy compression of outgoing frames.
	Compress    bool
	MaxFrameLen uint32

	// RateLimit bounds inbound connection attempts per remote IP. rate.Inf,
	// the default, disables limiting.
	RateLimit      rate.Limit
	RateLimitBurst int

	// MetricsRegisterer receives the node's counters. Nil leaves the counters
	// unregistered but still functional.
	MetricsRegisterer prometheus.Registerer
}

// DefaultOptions returns Options that connect cleanly to a well-behaved peer.
func DefaultOptions() Options {
	logger := logrus.New()
	logger.SetLevel(logrus.InfoLevel)
	return Options{
		Logger:           logger,
		Handshake:        handshake.DefaultConfig(),
		Host:             DefaultHost,
		Port:             DefaultPort,
		MaxConns:         DefaultMaxConns,
		HandshakeTimeout: DefaultHandshakeTimeout,
		RecvTimeout:      DefaultRecvTimeout,
		Compress:         false,
		RateLimit:        DefaultConnRateLimit,
		RateLimitBurst:   DefaultConnRateLimitBurst,
	}
}

func (opts Options) WithLogger(logger logrus.FieldLogger) Options {
	opts.Logger = logger
	return opts
}

func (opts Options) WithPrivKey(privKey *id.PrivKey) Options {
	opts.PrivKey = privKey
	return opts
}

func (opts Options) WithHandshake(cfg handshake.Config) Options {
	opts.Handshake = cfg
	return opts
}

func (opts Options) WithHost(host string) Options {
	opts.Host = host
	return opts
}

func (opts Options) WithPort(port uint16) Options {
	opts.Port = port
	return opts
}

func (opts Options) WithMaxConns(maxConns int) Options {
	opts.MaxConns = maxConns
	return opts
}

func (opts Options) WithHandshakeTimeout(timeout time.Duration) Options {
	opts.HandshakeTimeout = timeout
	return opts
}

func (opts Options) WithRecvTimeout(timeout time.Duration) Options {
	opts.RecvTimeout = timeout
	return opts
}

func (opts Options) WithCompress(compress bool) Options {
	opts.Compress = compress
	return opts
}

func (opts Options) WithMaxFrameLen(maxFrameLen uint32) Options {
	opts.MaxFrameLen = maxFrameLen
	return opts
}

func (opts Options) WithRateLimit(limit rate.Limit, burst int) Options {
	opts.RateLimit = limit
	opts.RateLimitBurst = burst
	return opts
}

func (opts Options) WithMetricsRegisterer(reg prometheus.Registerer) Options {
	opts.MetricsRegisterer = reg
	return opts
}
