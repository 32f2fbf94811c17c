package coapcore

import (
	"encoding/binary"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

const (
	ACK_TIMEOUT        = 2 * time.Second
	BACKOFF_PERCENT    = 200
	MAX_RETRANSMIT     = 4
	ACK_RANDOM_PERCENT = 150
)

// TransmissionParameters drive the retransmission of confirmable messages.
// An AckRandomPercent of 100 or less disables jitter on the first timeout.
type TransmissionParameters struct {
	AckTimeout        time.Duration
	BackoffPercent    int
	MaxRetransmission int
	AckRandomPercent  int
}

func DefaultTransmissionParameters() TransmissionParameters {
	return TransmissionParameters{
		AckTimeout:        ACK_TIMEOUT,
		BackoffPercent:    BACKOFF_PERCENT,
		MaxRetransmission: MAX_RETRANSMIT,
		AckRandomPercent:  ACK_RANDOM_PERCENT,
	}
}

func (params TransmissionParameters) Validate() error {
	if params.AckTimeout <= 0 {
		return errors.Wrapf(ErrInvalid, "ack timeout %s", params.AckTimeout)
	}
	if params.BackoffPercent < 100 {
		return errors.Wrapf(ErrInvalid, "backoff percent %d", params.BackoffPercent)
	}
	if params.MaxRetransmission < 0 {
		return errors.Wrapf(ErrInvalid, "max retransmission %d", params.MaxRetransmission)
	}
	return nil
}

// Pending is a confirmable message waiting for its acknowledgement. A slot
// with nil Data is free, a slot with zero Timeout is not scheduled.
type Pending struct {
	ID      uint16
	Addr    net.Addr
	Data    []byte
	T0      time.Time
	Timeout time.Duration
	Retries int
	Params  TransmissionParameters

	entropy io.Reader
}

// Init arms p for req. Data aliases the packet buffer, which must outlive p.
func (p *Pending) Init(req *Packet, addr net.Addr, params TransmissionParameters, entropy io.Reader, now time.Time) error {
	if req == nil {
		return ErrInvalid
	}
	*p = Pending{
		ID:      req.ID(),
		Addr:    addr,
		Data:    req.Bytes(),
		T0:      now,
		Retries: params.MaxRetransmission,
		Params:  params,
		entropy: entropy,
	}
	return nil
}

func (p *Pending) initAckTimeout() time.Duration {
	lo := p.Params.AckTimeout
	hi := lo * time.Duration(p.Params.AckRandomPercent) / 100
	if hi <= lo || p.entropy == nil {
		return lo
	}
	var b [8]byte
	if _, err := io.ReadFull(p.entropy, b[:]); err != nil {
		return lo
	}
	return lo + time.Duration(binary.BigEndian.Uint64(b[:])%uint64(hi-lo))
}

// Cycle is called on every (re)transmission. The first call sets the initial
// timeout. It returns false once the retransmissions are used up.
func (p *Pending) Cycle() bool {
	if p.Timeout == 0 {
		p.Timeout = p.initAckTimeout()
		return true
	}
	if p.Retries == 0 {
		return false
	}

	p.T0 = p.T0.Add(p.Timeout)
	p.Timeout = p.Timeout * time.Duration(p.Params.BackoffPercent) / 100
	p.Retries--
	return true
}

// Expiry is the instant at which the current transmission times out.
func (p *Pending) Expiry() time.Time {
	return p.T0.Add(p.Timeout)
}

func (p *Pending) Clear() {
	p.Timeout = 0
	p.Data = nil
}

func (p *Pending) active() bool {
	return p.Timeout != 0
}

func NextUnusedPending(pendings []Pending) *Pending {
	for i := range pendings {
		if pendings[i].Data == nil {
			return &pendings[i]
		}
	}
	return nil
}

// PendingReceived returns the scheduled pending whose id matches resp.
func PendingReceived(resp *Packet, pendings []Pending) *Pending {
	id := resp.ID()
	for i := range pendings {
		if pendings[i].active() && pendings[i].ID == id {
			return &pendings[i]
		}
	}
	return nil
}

// NextToExpire returns the scheduled pending with the earliest expiry.
func NextToExpire(pendings []Pending) *Pending {
	var found *Pending
	for i := range pendings {
		p := &pendings[i]
		if !p.active() {
			continue
		}
		if found == nil || p.Expiry().Before(found.Expiry()) {
			found = p
		}
	}
	return found
}

func PendingsCount(pendings []Pending) int {
	n := 0
	for i := range pendings {
		if pendings[i].Data != nil {
			n++
		}
	}
	return n
}

func ClearPendings(pendings []Pending) {
	for i := range pendings {
		pendings[i].Clear()
	}
}
