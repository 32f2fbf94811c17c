package coapcore

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// Session is the per-endpoint state: the message id counter, the entropy
// source and the default transmission parameters.
type Session struct {
	entropy   io.Reader
	messageID uint32

	mx     sync.RWMutex
	params TransmissionParameters
}

// NewSession seeds the message id from entropy. A nil entropy uses crypto/rand.
func NewSession(entropy io.Reader) *Session {
	if entropy == nil {
		entropy = rand.Reader
	}
	s := &Session{
		entropy: entropy,
		params:  DefaultTransmissionParameters(),
	}
	var seed [2]byte
	if _, err := io.ReadFull(entropy, seed[:]); err == nil {
		s.messageID = uint32(binary.BigEndian.Uint16(seed[:]))
	}
	return s
}

// NextID returns the next message id. The counter skips 0 when it wraps.
func (s *Session) NextID() uint16 {
	for {
		cur := atomic.LoadUint32(&s.messageID)
		next := cur + 1
		if next > 0xffff {
			next = 1
		}
		if atomic.CompareAndSwapUint32(&s.messageID, cur, next) {
			return uint16(next)
		}
	}
}

// NextToken returns TOKEN_MAX_LEN random bytes.
func (s *Session) NextToken() ([]byte, error) {
	token := make([]byte, TOKEN_MAX_LEN)
	if _, err := io.ReadFull(s.entropy, token); err != nil {
		return nil, errors.Wrap(err, "token entropy")
	}
	return token, nil
}

func (s *Session) TransmissionParameters() TransmissionParameters {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.params
}

func (s *Session) SetTransmissionParameters(params TransmissionParameters) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.mx.Lock()
	s.params = params
	s.mx.Unlock()
	return nil
}

// InitPending arms p with params, or the session defaults when params is nil.
func (s *Session) InitPending(p *Pending, req *Packet, addr net.Addr, params *TransmissionParameters, now time.Time) error {
	use := s.TransmissionParameters()
	if params != nil {
		use = *params
	}
	return p.Init(req, addr, use, s.entropy, now)
}
