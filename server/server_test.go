package server_test

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/coalalib/coapcore"
	"github.com/coalalib/coapcore/config"
	"github.com/coalalib/coapcore/server"
)

func testConfig() config.Config {
	cfg, err := config.Parse()
	if err != nil {
		panic(err)
	}
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.AckRandomPercent = 100
	cfg.MaxRetransmit = 2
	return cfg
}

func startEndpoint() (*server.Server, func()) {
	cfg := testConfig()
	conn, err := net.ListenPacket("udp", cfg.ListenAddr)
	if err != nil {
		panic(err)
	}
	srv, err := server.New(conn, cfg, nil)
	if err != nil {
		panic(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	return srv, func() {
		cancel()
		<-done
	}
}

var _ = Describe("Server", func() {
	var (
		srv, cli         *server.Server
		stopSrv, stopCli func()
		ctx              context.Context
		cancel           context.CancelFunc
		pings            int32
	)

	BeforeEach(func() {
		srv, stopSrv = startEndpoint()
		cli, stopCli = startEndpoint()
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		atomic.StoreInt32(&pings, 0)

		ping := coapcore.NewResource("ping")
		ping.Attributes = []string{`rt="core.ping"`}
		ping.Get = func(r *coapcore.Resource, req *coapcore.Packet, _ []coapcore.Option, addr net.Addr) error {
			atomic.AddInt32(&pings, 1)
			return srv.Respond(req, addr, coapcore.CoapCodeContent, server.Payload(coapcore.MediaTypeTextPlain, []byte("pong")))
		}
		srv.AddResource(ping)
	})

	AfterEach(func() {
		cancel()
		stopCli()
		stopSrv()
	})

	It("Should answer a GET", func() {
		resp, err := cli.Get(ctx, srv.LocalAddr(), "/ping")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Code).To(Equal(coapcore.CoapCodeContent))
		Expect(resp.Format).To(Equal(coapcore.MediaTypeTextPlain))
		Expect(string(resp.Payload)).To(Equal("pong"))
		Expect(testutil.ToFloat64(srv.Metrics().ReceivedMessages.WithLabelValues("CON"))).To(Equal(1.0))
		Expect(testutil.ToFloat64(srv.Metrics().SentMessages.WithLabelValues("ACK"))).To(Equal(1.0))
	})

	It("Should map dispatch errors to response codes", func() {
		resp, err := cli.Get(ctx, srv.LocalAddr(), "/missing")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Code).To(Equal(coapcore.CoapCodeNotFound))

		resp, err = cli.Post(ctx, srv.LocalAddr(), "/ping", coapcore.MediaTypeTextPlain, []byte("x"))
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Code).To(Equal(coapcore.CoapCodeMethodNotAllowed))
	})

	It("Should serve the resource listing block-wise", func() {
		for i := 0; i < 4; i++ {
			r := coapcore.NewResource("sensors", "s"+strconv.Itoa(i))
			r.Attributes = []string{`rt="temperature"`, `if="sensor"`, "obs"}
			srv.AddResource(r)
		}

		resp, err := cli.Get(ctx, srv.LocalAddr(), "/.well-known/core")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp.Code).To(Equal(coapcore.CoapCodeContent))
		Expect(resp.Format).To(Equal(coapcore.MediaTypeApplicationLinkFormat))
		Expect(len(resp.Payload)).To(BeNumerically(">", 64))
		Expect(string(resp.Payload)).To(HavePrefix(`</ping>;rt="core.ping",</sensors/s0>;`))
		Expect(string(resp.Payload)).To(HaveSuffix(`</sensors/s3>;rt="temperature";if="sensor";obs`))

		filtered, err := cli.Get(ctx, srv.LocalAddr(), "/.well-known/core?rt=core.ping")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(filtered.Payload)).To(Equal(`</ping>;rt="core.ping"`))
	})

	It("Should deliver notifications until the client unobserves", func() {
		var value int32
		counter := coapcore.NewResource("counter")
		counter.Get = srv.ObservableGet(func(p *coapcore.Packet) error {
			return server.Payload(coapcore.MediaTypeTextPlain, []byte(strconv.Itoa(int(atomic.LoadInt32(&value)))))(p)
		})
		srv.AddResource(counter)

		got := make(chan string, 10)
		token, err := cli.Observe(srv.LocalAddr(), "/counter", func(resp *coapcore.Packet) {
			got <- string(resp.Payload())
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(token).To(HaveLen(coapcore.TOKEN_MAX_LEN))
		Eventually(got).Should(Receive(Equal("0")))
		Expect(srv.ObserversCount(counter)).To(Equal(1))
		Expect(testutil.ToFloat64(srv.Metrics().Observers)).To(Equal(1.0))

		notify := func(v int32) {
			atomic.StoreInt32(&value, v)
			Expect(srv.Notify(counter, func(p *coapcore.Packet) error {
				return server.Payload(coapcore.MediaTypeTextPlain, []byte(strconv.Itoa(int(v))))(p)
			})).To(Succeed())
		}
		notify(1)
		Eventually(got).Should(Receive(Equal("1")))
		notify(2)
		Eventually(got).Should(Receive(Equal("2")))

		Expect(cli.Unobserve(token)).To(BeTrue())
		notify(3)
		Eventually(func() int { return srv.ObserversCount(counter) }).Should(Equal(0))
		Consistently(got, 100*time.Millisecond).ShouldNot(Receive())
		Expect(testutil.ToFloat64(srv.Metrics().Observers)).To(Equal(0.0))
	})

	It("Should let an observe callback call back into the endpoint", func() {
		counter := coapcore.NewResource("counter")
		counter.Get = srv.ObservableGet(server.Payload(coapcore.MediaTypeTextPlain, []byte("0")))
		srv.AddResource(counter)

		forgotten := make(chan bool, 1)
		_, err := cli.Observe(srv.LocalAddr(), "/counter", func(resp *coapcore.Packet) {
			forgotten <- cli.Unobserve(resp.Token())
		})
		Expect(err).NotTo(HaveOccurred())
		Eventually(forgotten).Should(Receive(BeTrue()))

		resp, err := cli.Get(ctx, srv.LocalAddr(), "/ping")
		Expect(err).NotTo(HaveOccurred())
		Expect(string(resp.Payload)).To(Equal("pong"))
	})

	It("Should give up after the last retransmission", func() {
		silent, err := net.ListenPacket("udp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer silent.Close()

		received := make(chan struct{}, 10)
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := silent.ReadFrom(buf); err != nil {
					return
				}
				received <- struct{}{}
			}
		}()

		_, err = cli.Get(ctx, silent.LocalAddr(), "/ping")
		Expect(err).To(MatchError(coapcore.ErrMaxAttempts))
		Eventually(func() int { return len(received) }).Should(Equal(3))
		Expect(testutil.ToFloat64(cli.Metrics().Retransmissions)).To(Equal(2.0))
		Expect(testutil.ToFloat64(cli.Metrics().ExpiredMessages)).To(Equal(1.0))
	})

	Describe("Raw peer", func() {
		var peer net.PacketConn

		BeforeEach(func() {
			var err error
			peer, err = net.ListenPacket("udp", "127.0.0.1:0")
			Expect(err).NotTo(HaveOccurred())
		})

		AfterEach(func() {
			peer.Close()
		})

		read := func() []byte {
			buf := make([]byte, 1500)
			Expect(peer.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			n, _, err := peer.ReadFrom(buf)
			Expect(err).NotTo(HaveOccurred())
			return buf[:n]
		}

		It("Should replay the response to a duplicate", func() {
			req, err := coapcore.NewPacket(make([]byte, 64), coapcore.CON, []byte{1, 2}, coapcore.GET, 0x77)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.SetPath("/ping")).To(Succeed())

			_, err = peer.WriteTo(req.Bytes(), srv.LocalAddr())
			Expect(err).NotTo(HaveOccurred())
			first := read()
			_, err = peer.WriteTo(req.Bytes(), srv.LocalAddr())
			Expect(err).NotTo(HaveOccurred())
			second := read()

			Expect(second).To(Equal(first))
			Expect(atomic.LoadInt32(&pings)).To(Equal(int32(1)))
			Expect(testutil.ToFloat64(srv.Metrics().DuplicateMessages)).To(Equal(1.0))

			rsp, _, err := coapcore.ParsePacket(first, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(rsp.Type()).To(Equal(coapcore.ACK))
			Expect(rsp.ID()).To(Equal(uint16(0x77)))
			Expect(rsp.Token()).To(Equal([]byte{1, 2}))
			Expect(string(rsp.Payload())).To(Equal("pong"))
		})

		readType := func(t coapcore.CoapType) []byte {
			for {
				if data := read(); coapcore.CoapType(data[0]>>4&0x03) == t {
					return data
				}
			}
		}

		It("Should acknowledge a request the handler left unanswered", func() {
			quiet := coapcore.NewResource("quiet")
			quiet.Get = func(*coapcore.Resource, *coapcore.Packet, []coapcore.Option, net.Addr) error {
				return nil
			}
			srv.AddResource(quiet)

			req, err := coapcore.NewPacket(make([]byte, 64), coapcore.CON, []byte{1, 2}, coapcore.GET, 0x78)
			Expect(err).NotTo(HaveOccurred())
			Expect(req.SetPath("/quiet")).To(Succeed())
			_, err = peer.WriteTo(req.Bytes(), srv.LocalAddr())
			Expect(err).NotTo(HaveOccurred())
			Expect(read()).To(Equal([]byte{0x60, 0x00, 0x00, 0x78}))
		})

		It("Should acknowledge and deliver a separate response", func() {
			req, err := coapcore.NewPacket(make([]byte, 64), coapcore.CON, []byte{9, 9}, coapcore.GET, cli.Session().NextID())
			Expect(err).NotTo(HaveOccurred())
			Expect(req.SetPath("/slow")).To(Succeed())

			done := make(chan *coapcore.Packet, 1)
			go func() {
				defer GinkgoRecover()
				resp, err := cli.Do(ctx, peer.LocalAddr(), req)
				Expect(err).NotTo(HaveOccurred())
				done <- resp
			}()

			got, _, err := coapcore.ParsePacket(readType(coapcore.CON), nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(got.Token()).To(Equal([]byte{9, 9}))
			ack, err := coapcore.InitAck(got, make([]byte, coapcore.HEADER_SIZE), coapcore.CoapCodeEmpty)
			Expect(err).NotTo(HaveOccurred())
			_, err = peer.WriteTo(ack.Bytes(), cli.LocalAddr())
			Expect(err).NotTo(HaveOccurred())

			rsp, err := coapcore.NewPacket(make([]byte, 64), coapcore.CON, []byte{9, 9}, coapcore.CoapCodeContent, 0x4242)
			Expect(err).NotTo(HaveOccurred())
			Expect(server.Payload(coapcore.MediaTypeTextPlain, []byte("late"))(rsp)).To(Succeed())
			_, err = peer.WriteTo(rsp.Bytes(), cli.LocalAddr())
			Expect(err).NotTo(HaveOccurred())

			Expect(readType(coapcore.ACK)).To(Equal([]byte{0x60, 0x00, 0x42, 0x42}))
			var resp *coapcore.Packet
			Eventually(done).Should(Receive(&resp))
			Expect(resp.Code()).To(Equal(coapcore.CoapCodeContent))
			Expect(string(resp.Payload())).To(Equal("late"))
		})

		It("Should reset a separate response nobody waits for", func() {
			rsp, err := coapcore.NewPacket(make([]byte, 64), coapcore.CON, []byte{7, 7, 7}, coapcore.CoapCodeContent, 0x99)
			Expect(err).NotTo(HaveOccurred())
			_, err = peer.WriteTo(rsp.Bytes(), srv.LocalAddr())
			Expect(err).NotTo(HaveOccurred())
			Expect(read()).To(Equal([]byte{0x70, 0x00, 0x00, 0x99}))
		})

		It("Should register one token on several resources", func() {
			a, b := coapcore.NewResource("a"), coapcore.NewResource("b")
			a.Get = srv.ObservableGet(nil)
			b.Get = srv.ObservableGet(nil)
			srv.AddResource(a)
			srv.AddResource(b)

			for i, path := range []string{"/a", "/b"} {
				req, err := coapcore.NewPacket(make([]byte, 64), coapcore.CON, []byte{5, 5}, coapcore.GET, uint16(0x80+i))
				Expect(err).NotTo(HaveOccurred())
				Expect(req.AppendOptionInt(coapcore.OptionObserve, 0)).To(Succeed())
				Expect(req.SetPath(path)).To(Succeed())
				_, err = peer.WriteTo(req.Bytes(), srv.LocalAddr())
				Expect(err).NotTo(HaveOccurred())
				read()
			}
			Expect(srv.ObserversCount(a)).To(Equal(1))
			Expect(srv.ObserversCount(b)).To(Equal(1))
			Expect(testutil.ToFloat64(srv.Metrics().Observers)).To(Equal(2.0))
		})

		It("Should reset an empty confirmable message", func() {
			_, err := peer.WriteTo([]byte{0x40, 0x00, 0xbe, 0xef}, srv.LocalAddr())
			Expect(err).NotTo(HaveOccurred())
			Expect(read()).To(Equal([]byte{0x70, 0x00, 0xbe, 0xef}))
		})

		It("Should drop malformed packets", func() {
			_, err := peer.WriteTo([]byte{0x40, 0x01, 0x00, 0x01, 0xf1}, srv.LocalAddr())
			Expect(err).NotTo(HaveOccurred())
			Eventually(func() float64 {
				return testutil.ToFloat64(srv.Metrics().DroppedMessages.WithLabelValues("malformed"))
			}).Should(Equal(1.0))
		})
	})
})
