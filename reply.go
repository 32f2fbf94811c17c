package coapcore

import (
	"bytes"
	"net"
)

// ReplyHandler receives a response matched to an outstanding request.
type ReplyHandler func(resp *Packet, reply *Reply, from net.Addr) error

// Reply waits for the responses to one request. A slot with a nil Handler
// is free. Age is the last accepted Observe sequence number, -1 accepts any.
type Reply struct {
	Handler  ReplyHandler
	UserData interface{}
	Age      int
	ID       uint16
	Token    [TOKEN_MAX_LEN]byte
	TKL      int
}

// Init copies the id and token of req. An Observe=0 request accepts the
// first notification whatever its sequence number.
func (r *Reply) Init(req *Packet) {
	r.ID = req.ID()
	r.TKL = copy(r.Token[:], req.Token())
	r.Age = 0
	if RequestIsObserve(req) {
		r.Age = -1
	}
}

func (r *Reply) Clear() {
	*r = Reply{}
}

func (r *Reply) TokenBytes() []byte {
	return r.Token[:r.TKL]
}

func NextUnusedReply(replies []Reply) *Reply {
	for i := range replies {
		if replies[i].Handler == nil {
			return &replies[i]
		}
	}
	return nil
}

func ClearReplies(replies []Reply) {
	for i := range replies {
		replies[i].Clear()
	}
}

// RequestIsObserve reports whether req registers an observation.
func RequestIsObserve(req *Packet) bool {
	v, ok := req.GetOptionInt(OptionObserve)
	return ok && v == 0
}

// AgeIsNewer compares two 24 bit Observe sequence numbers, v1 being the one
// seen before v2.
func AgeIsNewer(v1, v2 int) bool {
	const half = 1 << 23
	return (v1 < v2 && v2-v1 < half) || (v1 > v2 && v1-v2 > half)
}

// ResponseReceived finds the reply waiting for resp. Responses with an empty
// token match on the message id. The handler is called for fresh responses
// only: stale Observe notifications and 2.31 Continue are matched silently.
func ResponseReceived(resp *Packet, from net.Addr, replies []Reply) *Reply {
	if resp.Code() != CoapCodeEmpty && resp.IsRequest() {
		return nil
	}

	id := resp.ID()
	token := resp.Token()
	for i := range replies {
		r := &replies[i]
		if r.Handler == nil {
			continue
		}
		if len(token) == 0 {
			if r.ID != id {
				continue
			}
		} else if !bytes.Equal(r.TokenBytes(), token) {
			continue
		}

		age, observed := resp.GetOptionInt(OptionObserve)
		if !observed || r.Age == -1 || AgeIsNewer(r.Age, int(age)) {
			if observed {
				r.Age = int(age)
			}
			if resp.Code() != CoapCodeContinue {
				r.Handler(resp, r, from)
			}
		}
		return r
	}
	return nil
}
