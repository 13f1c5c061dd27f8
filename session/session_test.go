package session_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/probelab/synthpeer/handshake"
	"github.com/probelab/synthpeer/session"
	"github.com/probelab/synthpeer/wire"
	"github.com/renproject/id"
	"github.com/sirupsen/logrus"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func quietLogger() logrus.FieldLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func connPair() (net.Conn, net.Conn) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		defer GinkgoRecover()
		conn, err := listener.Accept()
		Expect(err).ToNot(HaveOccurred())
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", listener.Addr().String())
	Expect(err).ToNot(HaveOccurred())
	return dialed, <-accepted
}

func sessionOptions(compress bool) session.Options {
	logger := quietLogger()
	return session.DefaultOptions().
		WithLogger(logger).
		WithHandshaker(handshake.New(id.NewPrivKey(), handshake.DefaultConfig(), logger)).
		WithHandshakeTimeout(5 * time.Second).
		WithCompress(compress)
}

func establishPair(compress bool) (*session.Session, *session.Session) {
	left, right := connPair()

	var initSession, respSession *session.Session
	var initErr, respErr error
	wg := new(sync.WaitGroup)
	wg.Add(2)
	go func() {
		defer wg.Done()
		initSession, initErr = session.Establish(context.Background(), left, session.RoleInitiator, sessionOptions(compress))
	}()
	go func() {
		defer wg.Done()
		respSession, respErr = session.Establish(context.Background(), right, session.RoleResponder, sessionOptions(compress))
	}()
	wg.Wait()

	Expect(initErr).ToNot(HaveOccurred())
	Expect(respErr).ToNot(HaveOccurred())
	return initSession, respSession
}

var _ = Describe("Session", func() {
	Context("when messages are exchanged", func() {
		It("should deliver them in order", func() {
			init, resp := establishPair(false)
			defer init.Close()
			defer resp.Close()

			for seq := uint32(1); seq <= 10; seq++ {
				Expect(init.Send(wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: seq}))).To(Succeed())
			}
			for seq := uint32(1); seq <= 10; seq++ {
				msg, err := resp.RecvTimeout(context.Background(), 5*time.Second)
				Expect(err).ToNot(HaveOccurred())
				Expect(msg.Type).To(Equal(wire.MsgTypePing))
				Expect(msg.Payload.(*wire.Ping).Seq).To(Equal(seq))
			}
		})

		It("should deliver compressed frames", func() {
			init, resp := establishPair(true)
			defer init.Close()
			defer resp.Close()

			sent := wire.NewMsg(&wire.Transaction{RawTx: []byte("compressible compressible compressible")})
			Expect(init.Send(sent)).To(Succeed())

			msg, err := resp.RecvTimeout(context.Background(), 5*time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(msg.Payload).To(Equal(sent.Payload))
		})

		It("should buffer an unbounded backlog without dropping", func() {
			init, resp := establishPair(false)
			defer init.Close()
			defer resp.Close()

			const backlog = 1000
			for seq := uint32(0); seq < backlog; seq++ {
				Expect(init.Send(wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: seq}))).To(Succeed())
			}
			Eventually(resp.NumPending, "5s").Should(Equal(backlog))

			for seq := uint32(0); seq < backlog; seq++ {
				msg, ok := resp.TryRecv()
				Expect(ok).To(BeTrue())
				Expect(msg.Payload.(*wire.Ping).Seq).To(Equal(seq))
			}
		})
	})

	Context("when no message arrives in time", func() {
		It("should time out and stay alive", func() {
			init, resp := establishPair(false)
			defer init.Close()
			defer resp.Close()

			_, ok := resp.TryRecv()
			Expect(ok).To(BeFalse())

			before := time.Now()
			_, err := resp.RecvTimeout(context.Background(), 100*time.Millisecond)
			Expect(session.IsRecvTimeout(err)).To(BeTrue())
			Expect(time.Since(before)).To(BeNumerically(">=", 100*time.Millisecond))
			Expect(resp.IsAlive()).To(BeTrue())

			// The session still works after a timeout.
			Expect(init.Send(wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: 1}))).To(Succeed())
			_, err = resp.RecvTimeout(context.Background(), 5*time.Second)
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Context("when the remote peer hangs up", func() {
		It("should mark the session dead and unblock receivers", func() {
			init, resp := establishPair(false)
			defer resp.Close()

			recvErr := make(chan error, 1)
			go func() {
				_, err := resp.RecvTimeout(context.Background(), 30*time.Second)
				recvErr <- err
			}()

			// Give the receiver time to block before hanging up.
			time.Sleep(50 * time.Millisecond)
			Expect(init.Close()).To(Succeed())

			Eventually(recvErr, "5s").Should(Receive(MatchError(session.ErrClosed)))
			Eventually(resp.IsAlive, "5s").Should(BeFalse())
		})

		It("should deliver messages that arrived before the hangup", func() {
			init, resp := establishPair(false)
			defer resp.Close()

			Expect(init.Send(wire.NewMsg(&wire.Ping{PingType: wire.PingTypePong, Seq: 9}))).To(Succeed())
			Eventually(resp.NumPending, "5s").Should(Equal(1))
			Expect(init.Close()).To(Succeed())
			Eventually(resp.IsAlive, "5s").Should(BeFalse())

			msg, err := resp.RecvTimeout(context.Background(), time.Second)
			Expect(err).ToNot(HaveOccurred())
			Expect(msg.Payload.(*wire.Ping).Seq).To(Equal(uint32(9)))
		})
	})

	Context("when the session is closed locally", func() {
		It("should refuse further sends", func() {
			init, resp := establishPair(false)
			defer resp.Close()

			Expect(init.Close()).To(Succeed())
			err := init.Send(wire.NewMsg(&wire.Ping{PingType: wire.PingTypePing, Seq: 1}))
			Expect(errors.Is(err, session.ErrClosed)).To(BeTrue())
		})

		It("should be idempotent", func() {
			init, resp := establishPair(false)
			defer resp.Close()

			Expect(init.Close()).To(Succeed())
			Expect(init.Close()).To(Succeed())
			Expect(init.IsAlive()).To(BeFalse())
		})
	})

	Context("when the receive context is cancelled", func() {
		It("should return the context error", func() {
			init, resp := establishPair(false)
			defer init.Close()
			defer resp.Close()

			ctx, cancel := context.WithCancel(context.Background())
			go func() {
				time.Sleep(50 * time.Millisecond)
				cancel()
			}()
			_, err := resp.RecvTimeout(ctx, 30*time.Second)
			Expect(errors.Is(err, context.Canceled)).To(BeTrue())
		})
	})

	Context("when many goroutines send concurrently", func() {
		It("should never interleave frames", func() {
			init, resp := establishPair(false)
			defer init.Close()
			defer resp.Close()

			const senders = 8
			const perSender = 50
			wg := new(sync.WaitGroup)
			wg.Add(senders)
			for i := 0; i < senders; i++ {
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					for j := 0; j < perSender; j++ {
						raw := []byte(fmt.Sprintf("sender=%d msg=%d", i, j))
						Expect(init.Send(wire.NewMsg(&wire.Transaction{RawTx: raw}))).To(Succeed())
					}
				}(i)
			}
			wg.Wait()

			for i := 0; i < senders*perSender; i++ {
				msg, err := resp.RecvTimeout(context.Background(), 5*time.Second)
				Expect(err).ToNot(HaveOccurred())
				Expect(msg.Type).To(Equal(wire.MsgTypeTransaction))
			}
		})
	})
})
