package synthpeer_test

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/probelab/synthpeer"
	"github.com/probelab/synthpeer/handshake"
	"github.com/probelab/synthpeer/session"
	"github.com/probelab/synthpeer/wire"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testOptions() synthpeer.Options {
	return synthpeer.DefaultOptions().
		WithLogger(quietLogger()).
		WithHost("127.0.0.1").
		WithHandshakeTimeout(5 * time.Second).
		WithRecvTimeout(5 * time.Second)
}

// startNode returns a listening node and its address.
func startNode(ctx context.Context, opts synthpeer.Options) (*synthpeer.Node, string) {
	node := synthpeer.New(opts)
	addr, err := node.Listen(ctx)
	Expect(err).ToNot(HaveOccurred())
	return node, addr.String()
}

var _ = Describe("Node", func() {
	Context("when connecting to a listening node", func() {
		It("should register the session on both sides", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			s, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.IsAlive()).To(BeTrue())
			Expect(s.Role()).To(Equal(session.RoleInitiator))

			Expect(client.NumConnected()).To(Equal(1))
			Expect(client.IsConnected(addr)).To(BeTrue())
			Expect(client.IsConnectedIP("127.0.0.1")).To(BeTrue())
			Eventually(server.NumConnected, "5s").Should(Equal(1))

			serverSignatory := server.Identity()
			Expect(s.Result().Remote.Equal(&serverSignatory)).To(BeTrue())
			Expect(testutil.ToFloat64(server.Metrics().ConnectionsAccepted)).To(Equal(float64(1)))
		})
	})

	Context("when connecting from a fixed local address", func() {
		It("should bind the connection to that address", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			s, err := client.ConnectFrom(ctx, "127.0.0.1:0", addr)
			Expect(err).ToNot(HaveOccurred())
			Expect(s.LocalAddr().String()).To(HavePrefix("127.0.0.1:"))
		})
	})

	Context("when reconnecting to the same address", func() {
		It("should evict the old session and keep the new one", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			first, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())

			second, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())
			Expect(second).ToNot(BeIdenticalTo(first))

			Expect(first.IsAlive()).To(BeFalse())
			Expect(second.IsAlive()).To(BeTrue())
			Expect(client.NumConnected()).To(Equal(1))
			s, ok := client.Session(addr)
			Expect(ok).To(BeTrue())
			Expect(s).To(BeIdenticalTo(second))
			Expect(testutil.ToFloat64(client.Metrics().ConnectionsTerminated)).To(Equal(float64(1)))

			// The registry stays responsive after the eviction.
			Expect(client.IsConnectedIP("127.0.0.1")).To(BeTrue())
			Expect(client.Send(addr, wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: 1}))).To(Succeed())
		})
	})

	Context("when rate limiting inbound connections", func() {
		It("should reject limited peers explicitly", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			// One token for the loopback IP, never refilled.
			server, addr := startNode(ctx, testOptions().WithRateLimit(rate.Limit(0), 1))
			defer server.ShutDown()

			first := synthpeer.New(testOptions())
			defer first.ShutDown()
			_, err := first.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())

			second := synthpeer.New(testOptions())
			defer second.ShutDown()
			_, err = second.Connect(ctx, addr)
			Expect(handshake.IsRejected(err)).To(BeTrue())

			Expect(testutil.ToFloat64(server.Metrics().ConnectionsRejected)).To(Equal(float64(1)))
			Eventually(server.NumConnected, "5s").Should(Equal(1))
		})
	})

	Context("when exchanging messages", func() {
		It("should deliver sends and feed the receive loop", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			_, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())

			Expect(client.Send(addr, wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: 3}))).To(Succeed())

			s, msg, err := server.RecvMessageTimeout(ctx, 5*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(msg.Type).To(Equal(wire.MsgTypePing))
			Expect(msg.Payload.(*wire.Ping).Seq).To(Equal(uint32(3)))
			Expect(s).ToNot(BeNil())

			Expect(testutil.ToFloat64(server.Metrics().MessagesReceived)).To(Equal(float64(1)))
		})

		It("should discard other message types while expecting one", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			_, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())

			Expect(client.Send(addr, wire.NewMsg(&wire.Transaction{RawTx: []byte("noise")}))).To(Succeed())
			Expect(client.Send(addr, wire.NewMsg(&wire.StatusChange{Status: 1, LedgerSeq: 5}))).To(Succeed())
			Expect(client.Send(addr, wire.NewMsg(&wire.Ping{PingType: wire.PingTypePong, Seq: 8}))).To(Succeed())

			msg, err := server.ExpectMessage(ctx, wire.MsgTypePing, 5*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(msg.Payload.(*wire.Ping).Seq).To(Equal(uint32(8)))

			// The discarded messages are gone.
			_, _, err = server.RecvMessageTimeout(ctx, 100*time.Millisecond)
			Expect(session.IsRecvTimeout(err)).To(BeTrue())
		})

		It("should time out when no message arrives", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			_, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())

			_, _, err = server.RecvMessageTimeout(ctx, 100*time.Millisecond)
			Expect(session.IsRecvTimeout(err)).To(BeTrue())
		})
	})

	Context("when broadcasting", func() {
		It("should reach every connected peer", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			broadcaster := synthpeer.New(testOptions())
			defer broadcaster.ShutDown()

			const numPeers = 3
			peers := make([]*synthpeer.Node, numPeers)
			for i := 0; i < numPeers; i++ {
				peer, addr := startNode(ctx, testOptions())
				defer peer.ShutDown()
				peers[i] = peer

				_, err := broadcaster.Connect(ctx, addr)
				Expect(err).ToNot(HaveOccurred())
			}
			Expect(broadcaster.NumConnected()).To(Equal(numPeers))

			Expect(broadcaster.Broadcast(wire.NewMsg(&wire.StatusChange{Status: 2, LedgerSeq: 77}))).To(Succeed())

			for _, peer := range peers {
				msg, err := peer.ExpectMessage(ctx, wire.MsgTypeStatusChange, 5*time.Second)
				Expect(err).ToNot(HaveOccurred())
				Expect(msg.Payload.(*wire.StatusChange).LedgerSeq).To(Equal(uint32(77)))
			}
		})
	})

	Context("when receiving endpoints advertisements", func() {
		It("should record them in the address book", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			_, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())

			endpoints := &wire.Endpoints{Endpoints: []wire.Endpoint{
				{Addr: "10.0.0.1:51235", Hops: 1},
				{Addr: "10.0.0.2:51235", Hops: 2},
			}}
			Expect(client.Send(addr, wire.NewMsg(endpoints))).To(Succeed())

			Eventually(func() int {
				num, err := server.AddrBook().Num()
				Expect(err).ToNot(HaveOccurred())
				return num
			}, "5s").Should(Equal(2))

			endpoint, ok, err := server.AddrBook().Get("10.0.0.1:51235")
			Expect(err).ToNot(HaveOccurred())
			Expect(ok).To(BeTrue())
			Expect(endpoint.Hops).To(Equal(uint32(1)))
		})
	})

	Context("when the node is full", func() {
		It("should reject surplus peers explicitly", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			const maxConns = 2
			const numClients = 5
			server, addr := startNode(ctx, testOptions().WithMaxConns(maxConns))
			defer server.ShutDown()

			numEstablished := 0
			numRejected := 0
			for i := 0; i < numClients; i++ {
				client := synthpeer.New(testOptions())
				defer client.ShutDown()

				before := time.Now()
				_, err := client.Connect(ctx, addr)
				switch {
				case err == nil:
					numEstablished++
				case handshake.IsRejected(err):
					numRejected++
					// A rejection must be prompt, not a timeout in disguise.
					Expect(time.Since(before)).To(BeNumerically("<", time.Second))
				default:
					Fail("unexpected connect error: " + err.Error())
				}
			}

			Expect(numEstablished).To(Equal(maxConns))
			Expect(numRejected).To(Equal(numClients - maxConns))
			Expect(server.NumConnected()).To(Equal(maxConns))

			Expect(testutil.ToFloat64(server.Metrics().ConnectionsAccepted)).To(Equal(float64(maxConns)))
			Expect(testutil.ToFloat64(server.Metrics().ConnectionsRejected)).To(Equal(float64(numClients - maxConns)))
			Expect(testutil.ToFloat64(server.Metrics().ConnectionsTerminated)).To(Equal(float64(0)))
		})
	})

	Context("when shutting down", func() {
		It("should close every session and refuse new work", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())

			client := synthpeer.New(testOptions())
			defer client.ShutDown()

			s, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())
			Eventually(server.NumConnected, "5s").Should(Equal(1))

			Expect(server.ShutDown()).To(Succeed())
			Expect(server.ShutDown()).To(Succeed())

			Expect(server.NumConnected()).To(Equal(0))
			Eventually(s.IsAlive, "5s").Should(BeFalse())
			Eventually(client.NumConnected, "5s").Should(Equal(0))

			_, err = server.Connect(ctx, addr)
			Expect(errors.Is(err, synthpeer.ErrShutDown)).To(BeTrue())
			_, err = server.Listen(ctx)
			Expect(errors.Is(err, synthpeer.ErrShutDown)).To(BeTrue())
		})

		It("should unblock a parked receiver", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, _ := startNode(ctx, testOptions())

			recvErrs := make(chan error, 1)
			go func() {
				defer GinkgoRecover()
				_, _, err := server.RecvMessageTimeout(ctx, time.Minute)
				recvErrs <- err
			}()
			Consistently(recvErrs, "100ms").ShouldNot(Receive())

			Expect(server.ShutDown()).To(Succeed())
			Eventually(recvErrs, "5s").Should(Receive(MatchError(synthpeer.ErrShutDown)))
		})

		It("should count terminated sessions", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			client := synthpeer.New(testOptions())
			s, err := client.Connect(ctx, addr)
			Expect(err).ToNot(HaveOccurred())
			Eventually(server.NumConnected, "5s").Should(Equal(1))

			Expect(s.Close()).To(Succeed())
			Eventually(func() float64 {
				return testutil.ToFloat64(server.Metrics().ConnectionsTerminated)
			}, "5s").Should(Equal(float64(1)))
			Eventually(server.NumConnected, "5s").Should(Equal(0))
		})
	})

	Context("when the handshake is corrupted", func() {
		It("should fail the connection for a corrupted session key", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			server, addr := startNode(ctx, testOptions())
			defer server.ShutDown()

			cfg := handshake.DefaultConfig().WithCorruption(handshake.CorruptPublicKey)
			client := synthpeer.New(testOptions().WithHandshake(cfg))
			defer client.ShutDown()

			_, err := client.Connect(ctx, addr)
			Expect(err).To(HaveOccurred())
			Expect(server.NumConnected()).To(Equal(0))
			Expect(testutil.ToFloat64(server.Metrics().ConnectionsRejected)).To(Equal(float64(1)))
		})
	})
})
