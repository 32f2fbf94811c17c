// Package server runs the packet engine over a datagram socket: it owns the
// pools, answers requests from a resource table and retransmits confirmable
// messages until they are acknowledged.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	cache "github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/coalalib/coapcore"
	"github.com/coalalib/coapcore/config"
)

var (
	ErrNoSlot = errors.New("no free slot")
	ErrReset  = errors.New("reset by peer")
)

const maxOptions = 16

// Builder adds options and payload to a packet being prepared.
type Builder func(p *coapcore.Packet) error

// Payload returns a Builder writing a Content-Format option and body.
func Payload(format coapcore.MediaType, body []byte) Builder {
	return func(p *coapcore.Packet) error {
		if err := p.AppendOptionInt(coapcore.OptionContentFormat, uint32(format)); err != nil {
			return err
		}
		if len(body) == 0 {
			return nil
		}
		if err := p.AppendPayloadMarker(); err != nil {
			return err
		}
		return p.AppendPayload(body)
	}
}

// watched ties a notification in flight to the observer it was sent to.
type watched struct {
	resource *coapcore.Resource
	observer *coapcore.Observer
	token    string
}

// delivery is a response handed to an application callback after the
// endpoint's locks are released.
type delivery struct {
	resp    *coapcore.Packet
	handler func(resp *coapcore.Packet)
}

type Server struct {
	conn    net.PacketConn
	session *coapcore.Session
	cfg     config.Config
	metrics *Metrics
	log     *log.Entry

	resMx     sync.RWMutex
	resources []*coapcore.Resource

	// guards the observer pool and the observer lists of the resources
	obsMx     sync.Mutex
	observers []coapcore.Observer

	mx            sync.Mutex
	pendings      []coapcore.Pending
	replies       []coapcore.Reply
	notifications map[uint16]watched
	deliveries    []delivery

	seen *cache.Cache
	wake chan struct{}
}

// New prepares an endpoint on conn. Metrics are registered in reg, a nil reg
// uses a private registry.
func New(conn net.PacketConn, cfg config.Config, reg prometheus.Registerer) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "config")
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	s := &Server{
		conn:          conn,
		session:       coapcore.NewSession(nil),
		cfg:           cfg,
		metrics:       NewMetrics(reg),
		log:           log.WithField("local", conn.LocalAddr().String()),
		observers:     make([]coapcore.Observer, cfg.Observers),
		pendings:      make([]coapcore.Pending, cfg.Pendings),
		replies:       make([]coapcore.Reply, cfg.Replies),
		notifications: make(map[uint16]watched),
		seen:          cache.New(cfg.ExchangeLifetime, cfg.ExchangeLifetime/2),
		wake:          make(chan struct{}, 1),
	}
	if err := s.session.SetTransmissionParameters(cfg.TransmissionParameters()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Server) Session() *coapcore.Session { return s.session }
func (s *Server) Metrics() *Metrics          { return s.metrics }
func (s *Server) LocalAddr() net.Addr        { return s.conn.LocalAddr() }

// AddResource appends r to the dispatch table. Resources are matched in the
// order they were added.
func (s *Server) AddResource(r *coapcore.Resource) {
	s.resMx.Lock()
	s.resources = append(s.resources, r)
	s.resMx.Unlock()
}

func (s *Server) snapshot() []*coapcore.Resource {
	s.resMx.RLock()
	defer s.resMx.RUnlock()
	return append([]*coapcore.Resource(nil), s.resources...)
}

// Serve reads and retransmits until ctx is done or the socket fails. The
// socket is closed on return.
func (s *Server) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(ctx)
	})
	g.Go(func() error {
		return s.retransmitLoop(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return s.conn.Close()
	})
	err := g.Wait()
	s.mx.Lock()
	coapcore.ClearPendings(s.pendings)
	s.mx.Unlock()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) readLoop(ctx context.Context) error {
	for {
		buf := make([]byte, s.cfg.MaxPacketSize)
		n, from, err := s.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read")
		}
		s.receive(buf[:n], from)
	}
}

func (s *Server) retransmitLoop(ctx context.Context) error {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		wait := time.Hour
		s.mx.Lock()
		if p := coapcore.NextToExpire(s.pendings); p != nil {
			wait = max(time.Until(p.Expiry()), 0)
		}
		s.mx.Unlock()
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return nil
		case <-s.wake:
		case <-timer.C:
			s.retransmit(time.Now())
		}
	}
}

func (s *Server) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Server) retransmit(now time.Time) {
	var lost []watched

	s.mx.Lock()
	for i := range s.pendings {
		p := &s.pendings[i]
		if p.Data == nil || p.Timeout == 0 || p.Expiry().After(now) {
			continue
		}
		if p.Cycle() {
			s.metrics.Retransmissions.Inc()
			s.log.WithFields(log.Fields{"peer": p.Addr, "mid": p.ID, "timeout": p.Timeout}).Debug("retransmit")
			s.write(p.Data, p.Addr)
			continue
		}

		s.metrics.ExpiredMessages.Inc()
		s.log.WithFields(log.Fields{"peer": p.Addr, "mid": p.ID}).Info("no acknowledgement")
		s.failReply(p.ID, coapcore.ErrMaxAttempts)
		if w, ok := s.notifications[p.ID]; ok {
			lost = append(lost, w)
			delete(s.notifications, p.ID)
		}
		p.Clear()
	}
	s.mx.Unlock()

	for _, w := range lost {
		s.dropObserver(w)
	}
}

func (s *Server) write(data []byte, addr net.Addr) error {
	if _, err := s.conn.WriteTo(data, addr); err != nil {
		s.metrics.SentMessageErrors.Inc()
		return errors.Wrapf(err, "write to %s", addr)
	}
	if len(data) > 0 {
		t := coapcore.CoapType(data[0] >> 4 & 0x03)
		s.metrics.SentMessages.WithLabelValues(t.String()).Inc()
	}
	return nil
}

func (s *Server) receive(data []byte, from net.Addr) {
	options := make([]coapcore.Option, maxOptions)
	pkt, n, err := coapcore.ParsePacket(data, options)
	if err != nil {
		s.metrics.DroppedMessages.WithLabelValues("malformed").Inc()
		s.log.WithError(err).WithField("peer", from).Debug("drop malformed packet")
		return
	}
	options = options[:n]
	s.metrics.ReceivedMessages.WithLabelValues(pkt.Type().String()).Inc()
	s.log.WithFields(log.Fields{
		"peer":  from,
		"mid":   pkt.ID(),
		"token": pkt.Token(),
		"code":  pkt.Code(),
		"size":  humanize.Bytes(uint64(len(data))),
	}).Debug("receive")

	switch pkt.Type() {
	case coapcore.ACK, coapcore.RST:
		s.acknowledged(pkt, from)
	case coapcore.CON, coapcore.NON:
		if pkt.RawCode() == coapcore.CoapCodeEmpty {
			if pkt.Type() == coapcore.CON {
				s.reset(pkt, from)
			}
			return
		}
		if pkt.IsRequest() {
			s.request(pkt, options, from)
			return
		}
		s.separateResponse(pkt, from)
	}
}

func (s *Server) acknowledged(pkt *coapcore.Packet, from net.Addr) {
	var lost *watched

	s.mx.Lock()
	if p := coapcore.PendingReceived(pkt, s.pendings); p != nil {
		p.Clear()
	}
	if w, ok := s.notifications[pkt.ID()]; ok {
		delete(s.notifications, pkt.ID())
		if pkt.Type() == coapcore.RST {
			lost = &w
		}
	}
	coapcore.ResponseReceived(pkt, from, s.replies)
	queued := s.takeDeliveriesLocked()
	s.mx.Unlock()

	if lost != nil {
		s.dropObserver(*lost)
	}
	deliver(queued)
}

func (s *Server) separateResponse(pkt *coapcore.Packet, from net.Addr) {
	s.mx.Lock()
	matched := coapcore.ResponseReceived(pkt, from, s.replies) != nil
	queued := s.takeDeliveriesLocked()
	s.mx.Unlock()

	if pkt.Type() == coapcore.CON {
		if !matched {
			s.reset(pkt, from)
		} else if ack, err := coapcore.InitAck(pkt, make([]byte, coapcore.HEADER_SIZE), coapcore.CoapCodeEmpty); err == nil {
			s.write(ack.Bytes(), from)
		}
	}
	deliver(queued)
}

func (s *Server) takeDeliveriesLocked() []delivery {
	queued := s.deliveries
	s.deliveries = nil
	return queued
}

func deliver(queued []delivery) {
	for _, d := range queued {
		d.handler(d.resp)
	}
}

func (s *Server) reset(pkt *coapcore.Packet, to net.Addr) {
	rst, err := coapcore.InitRst(pkt, make([]byte, coapcore.HEADER_SIZE))
	if err == nil {
		s.write(rst.Bytes(), to)
	}
}

func (s *Server) request(req *coapcore.Packet, options []coapcore.Option, from net.Addr) {
	key := newExchangeID(req.ID(), from)
	if v, found := s.seen.Get(string(key)); found {
		s.metrics.DuplicateMessages.Inc()
		if cached, _ := v.([]byte); len(cached) > 0 {
			s.write(cached, from)
		}
		return
	}
	s.seen.SetDefault(string(key), []byte{})

	resources := s.snapshot()
	var err error
	if req.Code() == coapcore.GET && coapcore.URIPathMatch(coapcore.WellKnownCorePath, options) {
		var resp *coapcore.Packet
		resp, err = coapcore.WellKnownCoreGet(resources, req, make([]byte, s.cfg.MaxPacketSize))
		if err == nil {
			s.answer(key, resp.Bytes(), from)
		}
	} else {
		err = coapcore.HandleRequest(req, resources, options, from)
	}

	if s.answered(key) {
		if err != nil {
			s.log.WithError(err).WithField("peer", from).Debug("handler failed after responding")
		}
		return
	}
	if err != nil {
		s.log.WithError(err).WithFields(log.Fields{"peer": from, "path": coapcore.URIPath(options)}).Debug("request failed")
		s.Respond(req, from, ErrorCode(err), nil)
		return
	}
	if req.Type() == coapcore.CON {
		ack, err := coapcore.InitAck(req, make([]byte, coapcore.HEADER_SIZE), coapcore.CoapCodeEmpty)
		if err == nil {
			s.answer(key, ack.Bytes(), from)
		}
	}
}

func (s *Server) answered(key exchangeID) bool {
	v, _ := s.seen.Get(string(key))
	cached, _ := v.([]byte)
	return len(cached) > 0
}

func (s *Server) answer(key exchangeID, data []byte, to net.Addr) error {
	s.seen.SetDefault(string(key), append([]byte(nil), data...))
	return s.write(data, to)
}

// ErrorCode maps a handler error to the response code sent to the peer.
func ErrorCode(err error) coapcore.CoapCode {
	switch {
	case errors.Is(err, coapcore.ErrNotFound):
		return coapcore.CoapCodeNotFound
	case errors.Is(err, coapcore.ErrNotPermitted):
		return coapcore.CoapCodeMethodNotAllowed
	case errors.Is(err, coapcore.ErrNotSupported):
		return coapcore.CoapCodeNotImplemented
	case errors.Is(err, coapcore.ErrInvalid):
		return coapcore.CoapCodeBadRequest
	case errors.Is(err, coapcore.ErrMessageSize):
		return coapcore.CoapCodeRequestEntityTooLarge
	}
	return coapcore.CoapCodeInternalServerError
}

// Respond answers req: piggybacked in the ACK of a confirmable request, as a
// NON otherwise. The response is replayed when req is received again.
func (s *Server) Respond(req *coapcore.Packet, to net.Addr, code coapcore.CoapCode, build Builder) error {
	buf := make([]byte, s.cfg.MaxPacketSize)
	var (
		resp *coapcore.Packet
		err  error
	)
	if req.Type() == coapcore.CON {
		resp, err = coapcore.InitAck(req, buf, code)
	} else {
		resp, err = coapcore.NewPacket(buf, coapcore.NON, req.Token(), code, s.session.NextID())
	}
	if err != nil {
		return err
	}
	if build != nil {
		if err := build(resp); err != nil {
			return err
		}
	}
	return s.answer(newExchangeID(req.ID(), to), resp.Bytes(), to)
}
