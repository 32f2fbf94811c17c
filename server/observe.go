package server

import (
	"net"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/coalalib/coapcore"
)

// RegisterObserver adds the sender of req to the observers of res. A peer
// registering again on res with the same token keeps its slot.
func (s *Server) RegisterObserver(res *coapcore.Resource, req *coapcore.Packet, addr net.Addr) (*coapcore.Observer, error) {
	s.obsMx.Lock()
	defer s.obsMx.Unlock()

	if o := res.FindObserver(addr, req.Token()); o != nil {
		return o, nil
	}
	o := coapcore.NextUnusedObserver(s.observers)
	if o == nil {
		return nil, errors.Wrap(ErrNoSlot, "observers")
	}
	o.Init(req, addr)
	res.RegisterObserver(o)
	s.metrics.Observers.Inc()
	s.log.WithFields(log.Fields{"peer": addr, "token": o.TokenBytes(), "path": res.Path}).Debug("observer added")
	return o, nil
}

// RemoveObserver ends the observation of res by addr with token.
func (s *Server) RemoveObserver(res *coapcore.Resource, addr net.Addr, token []byte) bool {
	s.obsMx.Lock()
	defer s.obsMx.Unlock()
	o := res.FindObserver(addr, token)
	if o == nil {
		return false
	}
	return s.removeObserverLocked(res, o)
}

func (s *Server) removeObserverLocked(res *coapcore.Resource, o *coapcore.Observer) bool {
	if !res.RemoveObserver(o) {
		return false
	}
	s.log.WithFields(log.Fields{"peer": o.Addr, "token": o.TokenBytes(), "path": res.Path}).Debug("observer removed")
	o.Clear()
	s.metrics.Observers.Dec()
	return true
}

// dropObserver removes the observer a notification was sent to unless its
// slot has been reused since.
func (s *Server) dropObserver(w watched) {
	s.obsMx.Lock()
	if string(w.observer.TokenBytes()) == w.token {
		s.removeObserverLocked(w.resource, w.observer)
	}
	s.obsMx.Unlock()
}

// ObserversCount returns the observers of res.
func (s *Server) ObserversCount(res *coapcore.Resource) int {
	s.obsMx.Lock()
	defer s.obsMx.Unlock()
	return res.ObserversCount()
}

// ObservableGet returns a GET handler for res: Observe=0 registers the
// sender, Observe=1 removes it, and every answer carries the current
// sequence number followed by what build adds.
func (s *Server) ObservableGet(build Builder) coapcore.MethodHandler {
	return func(res *coapcore.Resource, req *coapcore.Packet, _ []coapcore.Option, addr net.Addr) error {
		observe, hasObserve := req.GetOptionInt(coapcore.OptionObserve)
		registered := false
		switch {
		case hasObserve && observe == 0:
			if _, err := s.RegisterObserver(res, req, addr); err != nil {
				s.log.WithError(err).WithField("peer", addr).Warn("observe refused")
			} else {
				registered = true
			}
		case hasObserve && observe == 1:
			s.RemoveObserver(res, addr, req.Token())
		}

		s.obsMx.Lock()
		age := res.Age
		s.obsMx.Unlock()

		return s.Respond(req, addr, coapcore.CoapCodeContent, func(p *coapcore.Packet) error {
			if registered {
				if err := p.AppendOptionInt(coapcore.OptionObserve, uint32(age)); err != nil {
					return err
				}
			}
			if build == nil {
				return nil
			}
			return build(p)
		})
	}
}

// Notify sends a confirmable notification built by build to every observer
// of res. Observers that cannot be reached are removed.
func (s *Server) Notify(res *coapcore.Resource, build Builder) error {
	s.obsMx.Lock()
	defer s.obsMx.Unlock()

	res.Notify = func(r *coapcore.Resource, o *coapcore.Observer) {
		if err := s.sendNotification(r, o, build); err != nil {
			s.log.WithError(err).WithField("peer", o.Addr).Info("notification failed")
			s.removeObserverLocked(r, o)
		}
	}
	return res.NotifyObservers()
}

func (s *Server) sendNotification(res *coapcore.Resource, o *coapcore.Observer, build Builder) error {
	p, err := coapcore.NewPacket(make([]byte, s.cfg.MaxPacketSize), coapcore.CON, o.TokenBytes(), coapcore.CoapCodeContent, s.session.NextID())
	if err != nil {
		return err
	}
	if err := p.AppendOptionInt(coapcore.OptionObserve, uint32(res.Age)); err != nil {
		return err
	}
	if build != nil {
		if err := build(p); err != nil {
			return err
		}
	}

	s.mx.Lock()
	s.notifications[p.ID()] = watched{resource: res, observer: o, token: string(o.TokenBytes())}
	s.mx.Unlock()

	if err := s.Send(o.Addr, p, nil, nil); err != nil {
		s.mx.Lock()
		delete(s.notifications, p.ID())
		s.mx.Unlock()
		return err
	}
	return nil
}
