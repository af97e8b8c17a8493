// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import "strconv"

// Version is the only protocol version understood by this package.
const Version = 1

// PayloadMarker separates the option sequence from the payload.
const PayloadMarker = 0xFF

// Type is the 2-bit message type carried in the header.
type Type uint8

// Message types.
const (
	Confirmable     Type = 0
	NonConfirmable  Type = 1
	Acknowledgement Type = 2
	Reset           Type = 3
)

// String returns the short RFC 7252 name of the type.
func (t Type) String() string {
	switch t {
	case Confirmable:
		return "CON"
	case NonConfirmable:
		return "NON"
	case Acknowledgement:
		return "ACK"
	case Reset:
		return "RST"
	default:
		return "unknown"
	}
}

// Code is the 8-bit header code: a 3-bit class and a 5-bit detail.
type Code uint8

// NewCode composes a code from its class and detail.
func NewCode(class, detail uint8) Code {
	return Code(class<<5 | detail&0x1f)
}

// Class returns the 3-bit class of the code.
func (c Code) Class() uint8 { return uint8(c) >> 5 }

// Detail returns the 5-bit detail of the code.
func (c Code) Detail() uint8 { return uint8(c) & 0x1f }

// IsRequest reports whether c is a method code.
func (c Code) IsRequest() bool { return c.Class() == ClassRequest && c != Empty }

// IsResponse reports whether c belongs to a response class.
func (c Code) IsResponse() bool {
	switch c.Class() {
	case ClassSuccess, ClassClientError, ClassServerError:
		return true
	}
	return false
}

// IsError reports whether c is a 4.xx or 5.xx response code.
func (c Code) IsError() bool {
	return c.Class() == ClassClientError || c.Class() == ClassServerError
}

// String formats the code in dotted "c.dd" notation.
func (c Code) String() string {
	d := c.Detail()
	s := strconv.Itoa(int(c.Class())) + "."
	if d < 10 {
		s += "0"
	}
	return s + strconv.Itoa(int(d))
}

// Code classes.
const (
	ClassRequest     = 0
	ClassSuccess     = 2
	ClassClientError = 4
	ClassServerError = 5
)

// Request and empty codes.
const (
	Empty  Code = 0
	GET    Code = 1
	POST   Code = 2
	PUT    Code = 3
	DELETE Code = 4
	FETCH  Code = 5
	PATCH  Code = 6
	IPATCH Code = 7
)

// Response codes.
const (
	Created  Code = 2<<5 | 1
	Deleted  Code = 2<<5 | 2
	Valid    Code = 2<<5 | 3
	Changed  Code = 2<<5 | 4
	Content  Code = 2<<5 | 5
	Continue Code = 2<<5 | 31

	BadRequest               Code = 4<<5 | 0
	Unauthorized             Code = 4<<5 | 1
	BadOption                Code = 4<<5 | 2
	Forbidden                Code = 4<<5 | 3
	NotFound                 Code = 4<<5 | 4
	MethodNotAllowed         Code = 4<<5 | 5
	NotAcceptable            Code = 4<<5 | 6
	RequestEntityIncomplete  Code = 4<<5 | 8
	PreconditionFailed       Code = 4<<5 | 12
	RequestEntityTooLarge    Code = 4<<5 | 13
	UnsupportedContentFormat Code = 4<<5 | 15

	InternalServerError  Code = 5<<5 | 0
	NotImplemented       Code = 5<<5 | 1
	BadGateway           Code = 5<<5 | 2
	ServiceUnavailable   Code = 5<<5 | 3
	GatewayTimeout       Code = 5<<5 | 4
	ProxyingNotSupported Code = 5<<5 | 5
)

// OptionNumber is an absolute option number.
type OptionNumber uint16

// Option numbers.
const (
	IfMatch       OptionNumber = 1
	URIHost       OptionNumber = 3
	ETag          OptionNumber = 4
	IfNoneMatch   OptionNumber = 5
	Observe       OptionNumber = 6
	URIPort       OptionNumber = 7
	LocationPath  OptionNumber = 8
	URIPath       OptionNumber = 11
	ContentFormat OptionNumber = 12
	MaxAge        OptionNumber = 14
	URIQuery      OptionNumber = 15
	Accept        OptionNumber = 17
	LocationQuery OptionNumber = 20
	Block2        OptionNumber = 23
	Block1        OptionNumber = 27
	Size2         OptionNumber = 28
	ProxyURI      OptionNumber = 35
	ProxyScheme   OptionNumber = 39
	Size1         OptionNumber = 60
	NoResponse    OptionNumber = 258
)

// Critical reports whether an endpoint that does not understand the option
// must reject the message.
func (n OptionNumber) Critical() bool { return n&1 != 0 }

// Unsafe reports whether a proxy that does not understand the option must not
// forward it unmodified.
func (n OptionNumber) Unsafe() bool { return n&2 != 0 }

// NoCacheKey reports whether the option is excluded from the cache key.
// Only meaningful for safe-to-forward options.
func (n OptionNumber) NoCacheKey() bool { return n&0x1e == 0x1c }

var optionNames = map[OptionNumber]string{
	IfMatch:       "If-Match",
	URIHost:       "Uri-Host",
	ETag:          "ETag",
	IfNoneMatch:   "If-None-Match",
	Observe:       "Observe",
	URIPort:       "Uri-Port",
	LocationPath:  "Location-Path",
	URIPath:       "Uri-Path",
	ContentFormat: "Content-Format",
	MaxAge:        "Max-Age",
	URIQuery:      "Uri-Query",
	Accept:        "Accept",
	LocationQuery: "Location-Query",
	Block2:        "Block2",
	Block1:        "Block1",
	Size2:         "Size2",
	ProxyURI:      "Proxy-Uri",
	ProxyScheme:   "Proxy-Scheme",
	Size1:         "Size1",
	NoResponse:    "No-Response",
}

// Known reports whether the option is one this package defines.
func (n OptionNumber) Known() bool {
	_, ok := optionNames[n]
	return ok
}

func (n OptionNumber) String() string {
	if s, ok := optionNames[n]; ok {
		return s
	}
	return "Option(" + strconv.Itoa(int(n)) + ")"
}

// MediaType is a Content-Format identifier.
type MediaType uint16

// Content formats.
const (
	TextPlain   MediaType = 0
	LinkFormat  MediaType = 40
	AppXML      MediaType = 41
	OctetStream MediaType = 42
	AppEXI      MediaType = 47
	AppJSON     MediaType = 50
	AppCBOR     MediaType = 60
	// NoFormat marks the absence of a Content-Format.
	NoFormat MediaType = 0xFFFF
)

// MethodFlag is a bit set of request methods accepted by a resource.
type MethodFlag uint16

// Method flags.
const (
	FlagGET MethodFlag = 1 << iota
	FlagPOST
	FlagPUT
	FlagDELETE
	FlagFETCH
	FlagPATCH
	FlagIPATCH

	// FlagAll accepts every method.
	FlagAll = FlagGET | FlagPOST | FlagPUT | FlagDELETE | FlagFETCH | FlagPATCH | FlagIPATCH

	// MatchSubtree makes a resource match every path it prefixes.
	MatchSubtree MethodFlag = 0x8000
)

// MethodFlagOf returns the flag for a request code, or 0 if c is not a
// method this package knows.
func MethodFlagOf(c Code) MethodFlag {
	if c < GET || c > IPATCH {
		return 0
	}
	return 1 << (c - 1)
}

// Has reports whether f accepts the method of code c.
func (f MethodFlag) Has(c Code) bool {
	m := MethodFlagOf(c)
	return m != 0 && f&m != 0
}

// Subtree reports whether the subtree match bit is set.
func (f MethodFlag) Subtree() bool { return f&MatchSubtree != 0 }
