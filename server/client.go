package server

import (
	"bytes"
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coalalib/coapcore"
)

type result struct {
	resp *coapcore.Packet
	err  error
}

// Response is the outcome of a request that may have spanned several blocks.
type Response struct {
	Code    coapcore.CoapCode
	Format  coapcore.MediaType
	Payload []byte
}

// failReply hands err to the call waiting on message id. Called with s.mx held.
func (s *Server) failReply(id uint16, err error) {
	for i := range s.replies {
		r := &s.replies[i]
		if r.Handler == nil || r.ID != id {
			continue
		}
		if c, ok := r.UserData.(chan result); ok {
			select {
			case c <- result{err: err}:
			default:
			}
		}
		r.Clear()
	}
}

// clone copies req out of the caller's buffer so the retransmission data
// stays valid.
func clone(req *coapcore.Packet) (*coapcore.Packet, error) {
	p, _, err := coapcore.ParsePacket(append([]byte(nil), req.Bytes()...), nil)
	return p, err
}

// Send transmits req to addr. A confirmable req is retransmitted until it is
// acknowledged. When handler is not nil it receives the responses to req.
func (s *Server) Send(addr net.Addr, req *coapcore.Packet, handler coapcore.ReplyHandler, userData interface{}) error {
	req, err := clone(req)
	if err != nil {
		return err
	}

	s.mx.Lock()
	if handler != nil {
		r := coapcore.NextUnusedReply(s.replies)
		if r == nil {
			s.mx.Unlock()
			return errors.Wrap(ErrNoSlot, "replies")
		}
		r.Init(req)
		r.Handler = handler
		r.UserData = userData
	}
	if req.Type() == coapcore.CON {
		p := coapcore.NextUnusedPending(s.pendings)
		if p == nil {
			s.forgetLocked(req.ID(), userData)
			s.mx.Unlock()
			return errors.Wrap(ErrNoSlot, "pendings")
		}
		if err := s.session.InitPending(p, req, addr, nil, time.Now()); err != nil {
			s.forgetLocked(req.ID(), userData)
			s.mx.Unlock()
			return err
		}
		p.Cycle()
	}
	s.mx.Unlock()

	s.log.WithFields(log.Fields{"peer": addr, "mid": req.ID(), "token": req.Token(), "code": req.Code()}).Debug("send")
	err = s.write(req.Bytes(), addr)
	s.kick()
	return err
}

// forgetLocked frees the pending of id and the reply carrying userData.
func (s *Server) forgetLocked(id uint16, userData interface{}) {
	for i := range s.pendings {
		p := &s.pendings[i]
		if p.Data != nil && p.ID == id {
			p.Clear()
		}
	}
	if userData == nil {
		return
	}
	for i := range s.replies {
		if s.replies[i].Handler != nil && s.replies[i].UserData == userData {
			s.replies[i].Clear()
		}
	}
}

func (s *Server) exchange(ctx context.Context, addr net.Addr, req *coapcore.Packet) (*coapcore.Packet, error) {
	c := make(chan result, 1)
	handler := func(resp *coapcore.Packet, _ *coapcore.Reply, _ net.Addr) error {
		if resp.Type() == coapcore.ACK && resp.RawCode() == coapcore.CoapCodeEmpty {
			// the response follows separately
			return nil
		}
		select {
		case c <- result{resp: resp}:
		default:
		}
		return nil
	}
	if err := s.Send(addr, req, handler, c); err != nil {
		return nil, err
	}
	defer func() {
		s.mx.Lock()
		s.forgetLocked(req.ID(), c)
		s.mx.Unlock()
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-c:
		return res.resp, res.err
	}
}

// Do sends a confirmable request and waits for its response.
func (s *Server) Do(ctx context.Context, addr net.Addr, req *coapcore.Packet) (*coapcore.Packet, error) {
	resp, err := s.exchange(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	if resp.Type() == coapcore.RST {
		return nil, ErrReset
	}
	return resp, nil
}

// Ping sends an empty CON and waits for the peer's RST.
func (s *Server) Ping(ctx context.Context, addr net.Addr) error {
	req, err := coapcore.NewPacket(make([]byte, coapcore.HEADER_SIZE), coapcore.CON, nil, coapcore.CoapCodeEmpty, s.session.NextID())
	if err != nil {
		return err
	}
	resp, err := s.exchange(ctx, addr, req)
	if err != nil {
		return err
	}
	if resp.Type() != coapcore.RST {
		return errors.Wrapf(coapcore.ErrBadMessage, "ping answered with %s", resp.Type())
	}
	return nil
}

func (s *Server) newRequest(code coapcore.CoapCode, path string) (*coapcore.Packet, error) {
	token, err := s.session.NextToken()
	if err != nil {
		return nil, err
	}
	req, err := coapcore.NewPacket(make([]byte, s.cfg.MaxPacketSize), coapcore.CON, token, code, s.session.NextID())
	if err != nil {
		return nil, err
	}
	return req, req.SetPath(path)
}

// Get fetches path from addr, following Block2 until the body is complete.
func (s *Server) Get(ctx context.Context, addr net.Addr, path string) (*Response, error) {
	block := coapcore.NewBlockContext(coapcore.BLOCK_1024, 0)
	out := &Response{}
	for first := true; ; first = false {
		req, err := s.newRequest(coapcore.GET, path)
		if err != nil {
			return nil, err
		}
		if !first {
			if err := req.AppendBlock2Option(block); err != nil {
				return nil, err
			}
		}

		resp, err := s.Do(ctx, addr, req)
		if err != nil {
			return nil, err
		}
		out.Code = resp.Code()
		if format, ok := resp.GetOptionInt(coapcore.OptionContentFormat); ok {
			out.Format = coapcore.MediaType(format)
		}
		out.Payload = append(out.Payload, resp.Payload()...)

		if _, ok := resp.GetBlock2Option(); !ok {
			return out, nil
		}
		if err := block.UpdateFromBlock(resp); err != nil {
			return nil, err
		}
		if block.NextBlock(resp) == 0 {
			return out, nil
		}
	}
}

// Post sends body to path in one message.
func (s *Server) Post(ctx context.Context, addr net.Addr, path string, format coapcore.MediaType, body []byte) (*Response, error) {
	req, err := s.newRequest(coapcore.POST, path)
	if err != nil {
		return nil, err
	}
	if err := Payload(format, body)(req); err != nil {
		return nil, err
	}
	resp, err := s.Do(ctx, addr, req)
	if err != nil {
		return nil, err
	}
	return &Response{Code: resp.Code(), Payload: resp.Payload()}, nil
}

// Observe registers on path at addr. Every fresh notification is passed to
// handler on the read loop once the endpoint's locks are released, so
// handler may call back into the endpoint but must not wait for a response.
// The returned token identifies the observation.
func (s *Server) Observe(addr net.Addr, path string, handler func(resp *coapcore.Packet)) ([]byte, error) {
	req, err := s.newRequest(coapcore.GET, path)
	if err != nil {
		return nil, err
	}
	if err := req.AppendOptionInt(coapcore.OptionObserve, 0); err != nil {
		return nil, err
	}

	token := append([]byte(nil), req.Token()...)
	return token, s.Send(addr, req, func(resp *coapcore.Packet, _ *coapcore.Reply, _ net.Addr) error {
		if resp.RawCode() == coapcore.CoapCodeEmpty {
			return nil
		}
		// runs under s.mx
		s.deliveries = append(s.deliveries, delivery{resp: resp, handler: handler})
		return nil
	}, nil)
}

// Unobserve forgets the observation of token. The next notification is
// answered with RST, which ends the observation at the peer.
func (s *Server) Unobserve(token []byte) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	for i := range s.replies {
		r := &s.replies[i]
		if r.Handler != nil && bytes.Equal(r.TokenBytes(), token) {
			r.Clear()
			return true
		}
	}
	return false
}
