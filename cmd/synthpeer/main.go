package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/probelab/synthpeer"
	"github.com/probelab/synthpeer/handshake"
	"github.com/probelab/synthpeer/session"
	"github.com/probelab/synthpeer/wire"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagAddr     string
	flagHost     string
	flagPort     uint16
	flagMaxConns int
	flagIdent    string
	flagCorrupt  string
	flagCrawl    string
	flagCompress bool
	flagTimeout  time.Duration
	flagVerbose  bool
)

func main() {
	root := &cobra.Command{
		Use:   "synthpeer",
		Short: "Drive a synthetic peer against a gossip node",
	}

	connect := &cobra.Command{
		Use:   "connect",
		Short: "Connect to a peer and log every message it sends",
		RunE:  runConnect,
	}
	connect.Flags().StringVar(&flagAddr, "addr", "", "address of the peer to connect to")
	connect.Flags().StringVar(&flagIdent, "ident", handshake.DefaultConfig().Ident, "identification string to present")
	connect.Flags().StringVar(&flagCorrupt, "corrupt", "none", "corruption to apply: none, pubkey, or signature")
	connect.Flags().StringVar(&flagCrawl, "crawl", "private", "crawl preference to advertise")
	connect.Flags().BoolVar(&flagCompress, "compress", false, "compress outgoing frames")
	connect.Flags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "handshake and receive timeout")
	connect.Flags().BoolVar(&flagVerbose, "verbose", false, "log at debug level")
	connect.MarkFlagRequired("addr")

	listen := &cobra.Command{
		Use:   "listen",
		Short: "Accept inbound peers and log every message they send",
		RunE:  runListen,
	}
	listen.Flags().StringVar(&flagHost, "host", synthpeer.DefaultHost, "host to listen on")
	listen.Flags().Uint16Var(&flagPort, "port", 0, "port to listen on (0 picks a free port)")
	listen.Flags().IntVar(&flagMaxConns, "max-conns", synthpeer.DefaultMaxConns, "maximum simultaneous inbound connections")
	listen.Flags().StringVar(&flagIdent, "ident", handshake.DefaultConfig().Ident, "identification string to present")
	listen.Flags().BoolVar(&flagVerbose, "verbose", false, "log at debug level")

	root.AddCommand(connect, listen)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newNode() *synthpeer.Node {
	logger := logrus.New()
	if flagVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	corruption := handshake.CorruptNone
	switch flagCorrupt {
	case "", "none":
	case "pubkey":
		corruption = handshake.CorruptPublicKey
	case "signature":
		corruption = handshake.CorruptSignature
	}
	cfg := handshake.DefaultConfig().
		WithIdent(flagIdent).
		WithCrawl(flagCrawl).
		WithCorruption(corruption)
	opts := synthpeer.DefaultOptions().
		WithLogger(logger).
		WithHandshake(cfg).
		WithHost(flagHost).
		WithPort(flagPort).
		WithMaxConns(flagMaxConns).
		WithHandshakeTimeout(flagTimeout).
		WithRecvTimeout(flagTimeout).
		WithCompress(flagCompress)
	return synthpeer.New(opts)
}

func runConnect(cmd *cobra.Command, args []string) error {
	node := newNode()
	defer node.ShutDown()

	ctx, cancel := signalContext()
	defer cancel()

	s, err := node.Connect(ctx, flagAddr)
	if err != nil {
		if handshake.IsRejected(err) {
			return fmt.Errorf("peer rejected the handshake: %w", err)
		}
		return err
	}
	fmt.Printf("connected to %v (%v)\n", s.RemoteAddr(), s.Result().Ident)

	if err := s.Send(wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: 1})); err != nil {
		return err
	}

	return recvLoop(ctx, node)
}

func runListen(cmd *cobra.Command, args []string) error {
	node := newNode()
	defer node.ShutDown()

	ctx, cancel := signalContext()
	defer cancel()

	addr, err := node.Listen(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("listening on %v\n", addr)

	return recvLoop(ctx, node)
}

func recvLoop(ctx context.Context, node *synthpeer.Node) error {
	for {
		s, msg, err := node.RecvMessage(ctx)
		switch {
		case err == nil:
			fmt.Printf("%v <- %v\n", s.RemoteAddr(), msg.Type)
		case session.IsRecvTimeout(err):
			// Quiet peer; keep waiting.
		case ctx.Err() != nil:
			return nil
		default:
			return err
		}
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
