package coapcore

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Option is one decoded option. Code holds the absolute option number,
// Value is an inline copy of at most OPTION_VALUE_MAX_LEN bytes.
type Option struct {
	Code  OptionCode
	Len   int
	Value [OPTION_VALUE_MAX_LEN]byte
}

// NewOption copies value into an Option. Values longer than the inline
// buffer are rejected.
func NewOption(code OptionCode, value []byte) (Option, error) {
	var o Option
	if len(value) > OPTION_VALUE_MAX_LEN {
		return o, errors.Wrapf(ErrInvalid, "option %d value of %d bytes", code, len(value))
	}
	o.Code = code
	o.Len = copy(o.Value[:], value)
	return o, nil
}

func (o *Option) Bytes() []byte {
	return o.Value[:o.Len]
}

func (o *Option) String() string {
	return string(o.Value[:o.Len])
}

// Determines if an option is elective
func (o *Option) IsElective() bool {
	return int(o.Code)%2 == 0
}

// Determines if an option is critical
func (o *Option) IsCritical() bool {
	return int(o.Code)%2 != 0
}

// IntValue decodes the value as a big-endian unsigned integer.
func (o *Option) IntValue() uint32 {
	return OptionValueToInt(o.Bytes())
}

// OptionValueToInt decodes 0 to 4 big-endian bytes. Longer values yield 0.
func OptionValueToInt(v []byte) uint32 {
	switch len(v) {
	case 0:
		return 0
	case 1:
		return uint32(v[0])
	case 2:
		return uint32(binary.BigEndian.Uint16(v))
	case 3:
		return uint32(v[0])<<16 | uint32(v[1])<<8 | uint32(v[2])
	case 4:
		return binary.BigEndian.Uint32(v)
	}
	return 0
}

// encodeInt writes val in the fewest big-endian bytes; zero takes none.
func encodeInt(buf *[4]byte, val uint32) []byte {
	switch {
	case val == 0:
		return buf[:0]
	case val < 1<<8:
		buf[0] = byte(val)
		return buf[:1]
	case val < 1<<16:
		binary.BigEndian.PutUint16(buf[:2], uint16(val))
		return buf[:2]
	case val < 1<<24:
		buf[0] = byte(val >> 16)
		buf[1] = byte(val >> 8)
		buf[2] = byte(val)
		return buf[:3]
	}
	binary.BigEndian.PutUint32(buf[:], val)
	return buf[:4]
}

// Option header nibbles 13 and 14 announce one or two extension bytes,
// 15 is reserved (and 0xff is the payload marker).
const (
	extendOneByte  = 13
	extendTwoBytes = 14
	extendReserved = 15
)

// optionNibble maps a delta or length to its 4-bit field and extension bytes.
func optionNibble(n int, ext []byte) (nibble byte, extLen int) {
	switch {
	case n < 13:
		return byte(n), 0
	case n < 269:
		ext[0] = byte(n - 13)
		return extendOneByte, 1
	}
	binary.BigEndian.PutUint16(ext, uint16(n-269))
	return extendTwoBytes, 2
}

// encodeOptionHeader writes the header of an option with the given delta and
// value length into hdr and returns its size (1 to 5 bytes).
func encodeOptionHeader(hdr *[5]byte, delta, length int) int {
	var dExt, lExt [2]byte
	dNibble, dLen := optionNibble(delta, dExt[:])
	lNibble, lLen := optionNibble(length, lExt[:])

	hdr[0] = dNibble<<4 | lNibble
	n := 1
	n += copy(hdr[n:], dExt[:dLen])
	n += copy(hdr[n:], lExt[:lLen])
	return n
}

func readExtended(data []byte, pos, end int, nibble byte) (int, int, error) {
	switch nibble {
	case extendOneByte:
		if pos+1 > end {
			return 0, pos, errors.Wrap(ErrIllegalSequence, "truncated option extension")
		}
		return int(data[pos]) + 13, pos + 1, nil
	case extendTwoBytes:
		if pos+2 > end {
			return 0, pos, errors.Wrap(ErrIllegalSequence, "truncated option extension")
		}
		return int(binary.BigEndian.Uint16(data[pos:])) + 269, pos + 2, nil
	case extendReserved:
		return 0, pos, errors.Wrap(ErrIllegalSequence, "reserved option nibble 15")
	}
	return int(nibble), pos, nil
}

// readOptionHeader decodes the option header at data[pos:end]. It returns
// the delta, the value length and the offset of the value. A payload marker
// yields marker=true with the offset right after it.
func readOptionHeader(data []byte, pos, end int) (delta, length, valueAt int, marker bool, err error) {
	if pos >= end {
		return 0, 0, pos, false, errors.Wrap(ErrIllegalSequence, "option past end of packet")
	}
	b := data[pos]
	pos++
	if b == PAYLOAD_MARKER {
		return 0, 0, pos, true, nil
	}

	if delta, pos, err = readExtended(data, pos, end, b>>4); err != nil {
		return 0, 0, pos, false, err
	}
	if length, pos, err = readExtended(data, pos, end, b&0x0f); err != nil {
		return 0, 0, pos, false, err
	}
	if pos+length > end {
		return 0, 0, pos, false, errors.Wrapf(ErrIllegalSequence, "option value of %d bytes overruns packet", length)
	}
	return delta, length, pos, false, nil
}
