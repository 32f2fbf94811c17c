package coapcore

import (
	"encoding/binary"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Packet is a view over a caller supplied buffer. The packet never grows the
// buffer: the capacity is len(buf) as passed to NewPacket or ParsePacket.
type Packet struct {
	data   []byte
	offset int
	hdrLen int
	optLen int
	delta  int
}

// NewPacket writes a fresh header and token into buf.
func NewPacket(buf []byte, t CoapType, token []byte, code CoapCode, id uint16) (*Packet, error) {
	p := &Packet{}
	if err := p.Init(buf, t, token, code, id); err != nil {
		return nil, err
	}
	return p, nil
}

// Init resets p to encode a new message into buf.
func (p *Packet) Init(buf []byte, t CoapType, token []byte, code CoapCode, id uint16) error {
	if buf == nil || t > RST {
		return ErrInvalid
	}
	if len(token) > TOKEN_MAX_LEN {
		return errors.Wrapf(ErrInvalid, "token length %d", len(token))
	}
	if len(buf) < HEADER_SIZE+len(token) {
		return errors.Wrapf(ErrInvalid, "buffer of %d bytes", len(buf))
	}

	*p = Packet{data: buf}
	buf[DataHeader] = VERSION_1<<6 | byte(t)<<4 | byte(len(token))
	buf[DataCode] = byte(code)
	binary.BigEndian.PutUint16(buf[DataMsgIDStart:DataMsgIDEnd], id)
	copy(buf[DataTokenStart:], token)

	p.offset = HEADER_SIZE + len(token)
	p.hdrLen = p.offset
	return nil
}

// InitAck prepares an acknowledgement of req in buf. An empty ACK carries no token.
func InitAck(req *Packet, buf []byte, code CoapCode) (*Packet, error) {
	var token []byte
	if code != CoapCodeEmpty {
		token = req.Token()
	}
	return NewPacket(buf, ACK, token, code, req.ID())
}

// InitRst prepares a reset for req in buf.
func InitRst(req *Packet, buf []byte) (*Packet, error) {
	return NewPacket(buf, RST, nil, CoapCodeEmpty, req.ID())
}

// ParsePacket decodes data in place. Options are copied into options until it
// is full; any further options are still validated. The number of stored
// options is returned.
func ParsePacket(data []byte, options []Option) (*Packet, int, error) {
	if data == nil || len(data) < HEADER_SIZE {
		return nil, 0, errors.Wrapf(ErrInvalid, "packet of %d bytes", len(data))
	}

	p := &Packet{data: data, offset: len(data)}
	tkl := int(data[DataHeader] & 0x0f)
	if tkl > TOKEN_MAX_LEN {
		return nil, 0, errors.Wrapf(ErrBadMessage, "token length %d", tkl)
	}
	p.hdrLen = HEADER_SIZE + tkl
	if p.hdrLen > len(data) {
		return nil, 0, errors.Wrap(ErrBadMessage, "truncated token")
	}

	for i := range options {
		options[i] = Option{}
	}

	count := 0
	num := 0
	pos := p.hdrLen
	end := len(data)
	p.optLen = end - p.hdrLen
	for pos < end {
		delta, length, valueAt, marker, err := readOptionHeader(data, pos, end)
		if err != nil {
			log.WithError(err).Debug("coap: rejected option")
			return nil, 0, err
		}
		if marker {
			if valueAt >= end {
				return nil, 0, errors.Wrap(ErrIllegalSequence, "payload marker without payload")
			}
			p.optLen = pos - p.hdrLen
			break
		}

		num += delta
		if num > OPTION_NUMBER_MAX {
			return nil, 0, errors.Wrapf(ErrIllegalSequence, "option number %d out of order", num)
		}
		if count < len(options) {
			if length > OPTION_VALUE_MAX_LEN {
				return nil, 0, errors.Wrapf(ErrIllegalSequence, "option %d value of %d bytes", num, length)
			}
			options[count].Code = OptionCode(num)
			options[count].Len = copy(options[count].Value[:], data[valueAt:valueAt+length])
			count++
		}
		pos = valueAt + length
	}
	p.delta = num

	return p, count, nil
}

func (p *Packet) Bytes() []byte { return p.data[:p.offset] }
func (p *Packet) Offset() int   { return p.offset }
func (p *Packet) MaxLen() int   { return len(p.data) }
func (p *Packet) HdrLen() int   { return p.hdrLen }
func (p *Packet) OptLen() int   { return p.optLen }

// Delta is the number of the last encoded option, 0 when there is none.
func (p *Packet) Delta() int { return p.delta }

func (p *Packet) Version() uint8 {
	return p.data[DataHeader] >> 6
}

func (p *Packet) Type() CoapType {
	return CoapType(p.data[DataHeader] >> 4 & 0x03)
}

func (p *Packet) TokenLen() int {
	return p.hdrLen - HEADER_SIZE
}

// Token returns the token bytes. The slice aliases the packet buffer.
func (p *Packet) Token() []byte {
	return p.data[DataTokenStart:p.hdrLen]
}

func (p *Packet) ID() uint16 {
	return binary.BigEndian.Uint16(p.data[DataMsgIDStart:DataMsgIDEnd])
}

// Code returns the message code, any undefined value reads as CoapCodeEmpty.
func (p *Packet) Code() CoapCode {
	c := p.RawCode()
	if !c.IsDefined() {
		return CoapCodeEmpty
	}
	return c
}

func (p *Packet) RawCode() CoapCode {
	return CoapCode(p.data[DataCode])
}

// IsRequest reports whether the code belongs to the request class.
func (p *Packet) IsRequest() bool {
	return p.Code().Class() == 0
}

// Payload returns the bytes after the payload marker, nil when there are none.
// The slice aliases the packet buffer.
func (p *Packet) Payload() []byte {
	start := p.hdrLen + p.optLen
	if p.offset-start <= 1 {
		return nil
	}
	return p.data[start+1 : p.offset]
}

// splice replaces n bytes at pos with parts, shifting the tail of the
// message. Nothing is written when the result would not fit.
func (p *Packet) splice(pos, n int, parts ...[]byte) (int, error) {
	add := 0
	for _, part := range parts {
		add += len(part)
	}
	if p.offset-n+add > len(p.data) {
		return 0, errors.Wrapf(ErrInvalid, "%d bytes do not fit into %d", p.offset-n+add, len(p.data))
	}

	copy(p.data[pos+add:], p.data[pos+n:p.offset])
	at := pos
	for _, part := range parts {
		at += copy(p.data[at:], part)
	}
	p.offset += add - n
	return add - n, nil
}

// AppendOption encodes an option. Options may be appended in any order: a
// number lower than the last one is inserted at its sorted position.
func (p *Packet) AppendOption(code OptionCode, value []byte) error {
	if code < 0 || code > OPTION_NUMBER_MAX {
		return errors.Wrapf(ErrInvalid, "option number %d", code)
	}
	if len(value) > OPTION_NUMBER_MAX {
		return errors.Wrapf(ErrInvalid, "option value of %d bytes", len(value))
	}
	if int(code) < p.delta {
		return p.insertOption(code, value)
	}

	var hdr [5]byte
	h := encodeOptionHeader(&hdr, int(code)-p.delta, len(value))
	grown, err := p.splice(p.hdrLen+p.optLen, 0, hdr[:h], value)
	if err != nil {
		return err
	}
	p.optLen += grown
	p.delta = int(code)
	return nil
}

func (p *Packet) insertOption(code OptionCode, value []byte) error {
	log.WithField("option", code).WithField("last", p.delta).Debug("coap: inserting option out of order")

	end := p.hdrLen + p.optLen
	prev := 0
	pos := p.hdrLen
	for pos < end {
		delta, length, valueAt, _, err := readOptionHeader(p.data, pos, end)
		if err != nil {
			return err
		}
		num := prev + delta
		if num > int(code) {
			// pos is the header of the option that now follows the new one.
			var hdr, next [5]byte
			h := encodeOptionHeader(&hdr, int(code)-prev, len(value))
			n := encodeOptionHeader(&next, num-int(code), length)
			grown, err := p.splice(pos, valueAt-pos, hdr[:h], value, next[:n])
			if err != nil {
				return err
			}
			p.optLen += grown
			return nil
		}
		prev = num
		pos = valueAt + length
	}
	return errors.Wrapf(ErrInvalid, "no option above %d", code)
}

// AppendOptionInt encodes val as an unsigned option in the fewest bytes.
func (p *Packet) AppendOptionInt(code OptionCode, val uint32) error {
	var buf [4]byte
	return p.AppendOption(code, encodeInt(&buf, val))
}

// RemoveOption deletes the first occurrence of code. Removing an absent
// option is not an error.
func (p *Packet) RemoveOption(code OptionCode) error {
	end := p.hdrLen + p.optLen
	prev := 0
	pos := p.hdrLen
	for pos < end {
		delta, length, valueAt, _, err := readOptionHeader(p.data, pos, end)
		if err != nil {
			return err
		}
		num := prev + delta
		if num > int(code) {
			return nil
		}
		if num < int(code) {
			prev = num
			pos = valueAt + length
			continue
		}

		after := valueAt + length
		if after == end {
			shrunk, _ := p.splice(pos, after-pos)
			p.optLen += shrunk
			p.delta = prev
			return nil
		}

		nextDelta, nextLen, nextValueAt, _, err := readOptionHeader(p.data, after, end)
		if err != nil {
			return err
		}
		var hdr [5]byte
		h := encodeOptionHeader(&hdr, num+nextDelta-prev, nextLen)
		// Removal only ever shrinks the message.
		shrunk, err := p.splice(pos, nextValueAt-pos, hdr[:h])
		if err != nil {
			return err
		}
		p.optLen += shrunk
		return nil
	}
	return nil
}

// FindOptions copies the options numbered code into out and returns how many
// were found. Scanning stops at the first higher option number.
func (p *Packet) FindOptions(code OptionCode, out []Option) int {
	end := p.hdrLen + p.optLen
	num := 0
	pos := p.hdrLen
	count := 0
	for pos < end && count < len(out) {
		delta, length, valueAt, marker, err := readOptionHeader(p.data, pos, end)
		if err != nil || marker {
			break
		}
		num += delta
		if num > int(code) {
			break
		}
		if num == int(code) {
			if length > OPTION_VALUE_MAX_LEN {
				break
			}
			out[count].Code = code
			out[count].Len = copy(out[count].Value[:], p.data[valueAt:valueAt+length])
			count++
		}
		pos = valueAt + length
	}
	return count
}

// GetOptionInt returns the value of the first option numbered code.
func (p *Packet) GetOptionInt(code OptionCode) (uint32, bool) {
	var opt [1]Option
	if p.FindOptions(code, opt[:]) == 0 {
		return 0, false
	}
	return opt[0].IntValue(), true
}

// AppendPayloadMarker writes the 0xff separator. It may be written once.
func (p *Packet) AppendPayloadMarker() error {
	if p.offset > p.hdrLen+p.optLen {
		return errors.Wrap(ErrInvalid, "payload marker already present")
	}
	_, err := p.splice(p.offset, 0, []byte{PAYLOAD_MARKER})
	return err
}

// AppendPayload adds bytes after the payload marker.
func (p *Packet) AppendPayload(payload []byte) error {
	if len(payload) == 0 {
		return errors.Wrap(ErrInvalid, "empty payload")
	}
	if p.offset <= p.hdrLen+p.optLen {
		return errors.Wrap(ErrInvalid, "payload without marker")
	}
	_, err := p.splice(p.offset, 0, payload)
	return err
}
