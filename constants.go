package coapcore

const (
	VERSION_1      = 1
	PAYLOAD_MARKER = 0xff

	// Fixed header: ver/type/tkl, code, message id.
	HEADER_SIZE   = 4
	TOKEN_MAX_LEN = 8

	// Capacity of the inline value buffer of a decoded Option.
	OPTION_VALUE_MAX_LEN = 32

	OPTION_NUMBER_MAX = 0xffff

	// Observe sequence numbers are 24 bits wide and restart at OBSERVE_FIRST_AGE.
	OBSERVE_FIRST_AGE = 2
	OBSERVE_MAX_AGE   = 0xffffff

	// Link-format answers to /.well-known/core are split at this block size.
	WELL_KNOWN_BLOCK_SIZE = BLOCK_64
)

type CoapType uint8

const (
	CON CoapType = 0
	NON CoapType = 1
	ACK CoapType = 2
	RST CoapType = 3
)

func (t CoapType) String() string {
	switch t {
	case CON:
		return "CON"
	case NON:
		return "NON"
	case ACK:
		return "ACK"
	case RST:
		return "RST"
	}
	return "UNKNOWN"
}

type CoapCode uint8

const (
	//methods
	GET    CoapCode = 1
	POST   CoapCode = 2
	PUT    CoapCode = 3
	DELETE CoapCode = 4
	FETCH  CoapCode = 5
	PATCH  CoapCode = 6
	IPATCH CoapCode = 7

	// Response
	CoapCodeEmpty    CoapCode = 0
	CoapCodeOK       CoapCode = 64
	CoapCodeCreated  CoapCode = 65
	CoapCodeDeleted  CoapCode = 66
	CoapCodeValid    CoapCode = 67
	CoapCodeChanged  CoapCode = 68
	CoapCodeContent  CoapCode = 69
	CoapCodeContinue CoapCode = 95 // (2.31 Continue)

	// Errors
	CoapCodeBadRequest               CoapCode = 128
	CoapCodeUnauthorized             CoapCode = 129
	CoapCodeBadOption                CoapCode = 130
	CoapCodeForbidden                CoapCode = 131
	CoapCodeNotFound                 CoapCode = 132
	CoapCodeMethodNotAllowed         CoapCode = 133
	CoapCodeNotAcceptable            CoapCode = 134
	CoapCodeRequestEntityIncomplete  CoapCode = 136 // (4.08)
	CoapCodeConflict                 CoapCode = 137
	CoapCodePreconditionFailed       CoapCode = 140
	CoapCodeRequestEntityTooLarge    CoapCode = 141
	CoapCodeUnsupportedContentFormat CoapCode = 143
	CoapCodeUnprocessableEntity      CoapCode = 150
	CoapCodeTooManyRequests          CoapCode = 157
	CoapCodeInternalServerError      CoapCode = 160
	CoapCodeNotImplemented           CoapCode = 161
	CoapCodeBadGateway               CoapCode = 162
	CoapCodeServiceUnavailable       CoapCode = 163
	CoapCodeGatewayTimeout           CoapCode = 164
	CoapCodeProxyingNotSupported     CoapCode = 165
)

// MakeCode packs a class.detail pair, e.g. MakeCode(2, 5) is 2.05 Content.
func MakeCode(class, detail uint8) CoapCode {
	return CoapCode((class&0x07)<<5 | detail&0x1f)
}

func (c CoapCode) Class() uint8  { return uint8(c) >> 5 }
func (c CoapCode) Detail() uint8 { return uint8(c) & 0x1f }

func (c CoapCode) IsRegisteredMethod() bool {
	return c >= GET && c <= IPATCH
}

func (c CoapCode) IsCommonError() bool {
	return c >= 128 && c < 160
}

func (c CoapCode) IsInternalError() bool {
	return c >= 160 && c <= 165
}

// IsDefined reports whether c is the empty code, a method or a registered response code.
func (c CoapCode) IsDefined() bool {
	if c == CoapCodeEmpty || c.IsRegisteredMethod() {
		return true
	}
	switch c {
	case CoapCodeOK, CoapCodeCreated, CoapCodeDeleted, CoapCodeValid,
		CoapCodeChanged, CoapCodeContent, CoapCodeContinue,
		CoapCodeBadRequest, CoapCodeUnauthorized, CoapCodeBadOption,
		CoapCodeForbidden, CoapCodeNotFound, CoapCodeMethodNotAllowed,
		CoapCodeNotAcceptable, CoapCodeRequestEntityIncomplete,
		CoapCodeConflict, CoapCodePreconditionFailed,
		CoapCodeRequestEntityTooLarge, CoapCodeUnsupportedContentFormat,
		CoapCodeUnprocessableEntity, CoapCodeTooManyRequests,
		CoapCodeInternalServerError, CoapCodeNotImplemented,
		CoapCodeBadGateway, CoapCodeServiceUnavailable,
		CoapCodeGatewayTimeout, CoapCodeProxyingNotSupported:
		return true
	}
	return false
}

func (c CoapCode) String() string {
	switch c {
	case CoapCodeEmpty:
		return "Empty"
	case GET:
		return "GET"
	case POST:
		return "POST"
	case PUT:
		return "PUT"
	case DELETE:
		return "DELETE"
	case FETCH:
		return "FETCH"
	case PATCH:
		return "PATCH"
	case IPATCH:
		return "iPATCH"
	}
	return string([]byte{'0' + c.Class(), '.', '0' + c.Detail()/10, '0' + c.Detail()%10})
}

type MediaType int

const (
	MediaTypeTextPlain              MediaType = 0
	MediaTypeApplicationLinkFormat  MediaType = 40
	MediaTypeApplicationXML         MediaType = 41
	MediaTypeApplicationOctetStream MediaType = 42
	MediaTypeApplicationExi         MediaType = 47
	MediaTypeApplicationJSON        MediaType = 50
	MediaTypeApplicationCBOR        MediaType = 60
)

type OptionCode int

const (
	OptionIfMatch       OptionCode = 1
	OptionURIHost       OptionCode = 3
	OptionEtag          OptionCode = 4
	OptionIfNoneMatch   OptionCode = 5
	OptionObserve       OptionCode = 6
	OptionURIPort       OptionCode = 7
	OptionLocationPath  OptionCode = 8
	OptionURIPath       OptionCode = 11
	OptionContentFormat OptionCode = 12
	OptionMaxAge        OptionCode = 14
	OptionURIQuery      OptionCode = 15
	OptionAccept        OptionCode = 17
	OptionLocationQuery OptionCode = 20
	OptionBlock2        OptionCode = 23
	OptionBlock1        OptionCode = 27
	OptionSize2         OptionCode = 28
	OptionProxyURI      OptionCode = 35
	OptionProxyScheme   OptionCode = 39
	OptionSize1         OptionCode = 60
)

// Fragments/parts of a CoAP packet
const (
	DataHeader     = 0
	DataCode       = 1
	DataMsgIDStart = 2
	DataMsgIDEnd   = 4
	DataTokenStart = 4
)
