// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import "encoding/binary"

// MaxOptions is the capacity of the option table of a Message.
const MaxOptions = 16

// HeaderLen is the size of the fixed message header.
const HeaderLen = 4

// OptionRecord locates one parsed option inside the message buffer.
type OptionRecord struct {
	// Number is the absolute option number.
	Number OptionNumber
	// Offset is the position of the option header byte.
	Offset int
}

// Message is a parsed view over a raw message buffer. It keeps no copy of
// the buffer: token, option values and payload are subslices of it, so the
// buffer must outlive the Message and must not be modified while in use.
//
// The zero value is an empty message; Parse fills it in place, so a Message
// can be reused across datagrams without allocating.
type Message struct {
	buf     []byte
	typ     Type
	code    Code
	id      uint16
	token   []byte
	hdrLen  int
	opts    [MaxOptions]OptionRecord
	numOpts int
	payload []byte
}

// Parse decodes buf into m in a single pass: header, token, option table and
// payload. Any previous content of m is discarded.
func (m *Message) Parse(buf []byte) error {
	*m = Message{buf: buf}

	if len(buf) < HeaderLen {
		return ErrTruncated
	}
	if buf[0]>>6 != Version {
		return ErrBadVersion
	}
	m.typ = Type(buf[0] >> 4 & 0x03)
	m.code = Code(buf[1])
	m.id = binary.BigEndian.Uint16(buf[2:])

	tkl := int(buf[0] & 0x0f)
	pos := HeaderLen
	switch {
	case tkl <= 8:
	case tkl == nibbleExt8 || tkl == nibbleExt16:
		var err error
		if tkl, pos, err = decodeExtended(byte(tkl), buf, pos); err != nil {
			return err
		}
	default:
		return ErrTokenLength
	}
	if tkl > len(buf)-pos {
		return ErrTruncated
	}
	m.token = buf[pos : pos+tkl : pos+tkl]
	pos += tkl
	m.hdrLen = pos

	if m.code == Empty && len(buf) != HeaderLen {
		return ErrEmptyMessage
	}

	num := 0
	for pos < len(buf) {
		if buf[pos] == PayloadMarker {
			pos++
			if pos == len(buf) {
				return ErrPayloadMarker
			}
			m.payload = buf[pos:]
			break
		}

		delta, length, vpos, err := ReadOptionHeader(buf, pos)
		if err != nil {
			return err
		}
		num += delta
		if num > 0xFFFF {
			return ErrOptionNumber
		}
		if m.numOpts == MaxOptions {
			return ErrTooManyOptions
		}
		if length > len(buf)-vpos {
			return ErrTruncated
		}
		m.opts[m.numOpts] = OptionRecord{Number: OptionNumber(num), Offset: pos}
		m.numOpts++
		pos = vpos + length
	}

	return nil
}

// Type returns the message type.
func (m *Message) Type() Type { return m.typ }

// Code returns the message code.
func (m *Message) Code() Code { return m.code }

// MessageID returns the message id.
func (m *Message) MessageID() uint16 { return m.id }

// Token returns the token bytes.
func (m *Message) Token() []byte { return m.token }

// Payload returns the payload, or nil if the message carries none.
func (m *Message) Payload() []byte { return m.payload }

// Bytes returns the buffer the message was parsed from.
func (m *Message) Bytes() []byte { return m.buf }

// HeaderLen returns the length of the header including token and token
// length extension bytes.
func (m *Message) HeaderLen() int { return m.hdrLen }

// Options returns the option table in wire order. The slice aliases m.
func (m *Message) Options() []OptionRecord { return m.opts[:m.numOpts] }

// Value returns the value of the i-th option by decoding it again from its
// recorded offset.
func (m *Message) Value(i int) []byte {
	_, v, _, err := ReadOption(m.buf, m.opts[i].Offset)
	if err != nil {
		return nil
	}
	return v
}

// ValueLocation returns the buffer offset and length of the i-th option
// value.
func (m *Message) ValueLocation(i int) (offset, length int) {
	_, length, offset, _ = ReadOptionHeader(m.buf, m.opts[i].Offset)
	return offset, length
}

// HasOption reports whether at least one option num is present.
func (m *Message) HasOption(num OptionNumber) bool {
	it := m.IterNumber(num)
	_, _, ok := it.Next()
	return ok
}

// Option returns the value of the first option num.
func (m *Message) Option(num OptionNumber) ([]byte, error) {
	it := m.IterNumber(num)
	if _, v, ok := it.Next(); ok {
		return v, nil
	}
	return nil, ErrOptionNotFound
}

// UnknownCritical returns the first critical option for which known returns
// false. Handlers must reject such requests instead of ignoring the option.
func (m *Message) UnknownCritical(known func(OptionNumber) bool) (OptionNumber, bool) {
	for _, o := range m.Options() {
		if o.Number.Critical() && !known(o.Number) {
			return o.Number, true
		}
	}
	return 0, false
}

// OptionIterator walks the option table of a Message, optionally restricted
// to one option number.
type OptionIterator struct {
	m      *Message
	next   int
	num    OptionNumber
	filter bool
}

// Iter returns an iterator over all options in wire order.
func (m *Message) Iter() OptionIterator {
	return OptionIterator{m: m}
}

// IterNumber returns an iterator over the options numbered num.
func (m *Message) IterNumber(num OptionNumber) OptionIterator {
	return OptionIterator{m: m, num: num, filter: true}
}

// Next returns the next option number and value. ok is false once the
// iterator is exhausted.
func (it *OptionIterator) Next() (num OptionNumber, value []byte, ok bool) {
	for it.next < it.m.numOpts {
		i := it.next
		it.next++
		o := it.m.opts[i]
		if it.filter {
			if o.Number < it.num {
				continue
			}
			if o.Number > it.num {
				it.next = it.m.numOpts
				return 0, nil, false
			}
		}
		return o.Number, it.m.Value(i), true
	}
	return 0, nil, false
}

// Uint decodes the first option num as an unsigned integer.
func (m *Message) Uint(num OptionNumber) (uint32, error) {
	v, err := m.Option(num)
	if err != nil {
		return 0, err
	}
	return DecodeUint(v)
}

// StringValue writes every option num into dst, each preceded by sep, and returns
// the number of bytes written. With no such option it writes sep alone, so
// an absent Uri-Path reads as "/".
func (m *Message) StringValue(num OptionNumber, sep byte, dst []byte) (int, error) {
	n := 0
	it := m.IterNumber(num)
	for {
		_, v, ok := it.Next()
		if !ok {
			break
		}
		if len(dst)-n < 1+len(v) {
			return 0, ErrBufferTooSmall
		}
		dst[n] = sep
		n++
		n += copy(dst[n:], v)
	}
	if n == 0 {
		if len(dst) == 0 {
			return 0, ErrBufferTooSmall
		}
		dst[0] = sep
		n = 1
	}
	return n, nil
}

// Path writes the request path into dst, e.g. "/a/b".
func (m *Message) Path(dst []byte) (int, error) {
	return m.StringValue(URIPath, '/', dst)
}

// Query returns the value of the first Uri-Query option of the form
// "name=value", or of the bare form "name" in which case the value is
// empty.
func (m *Message) Query(name string) ([]byte, bool) {
	it := m.IterNumber(URIQuery)
	for {
		_, v, ok := it.Next()
		if !ok {
			return nil, false
		}
		if len(v) < len(name) || string(v[:len(name)]) != name {
			continue
		}
		rest := v[len(name):]
		if len(rest) == 0 {
			return rest, true
		}
		if rest[0] == '=' {
			return rest[1:], true
		}
	}
}

// ContentFormat returns the Content-Format, or NoFormat if absent or invalid.
func (m *Message) ContentFormat() MediaType {
	v, err := m.Uint(ContentFormat)
	if err != nil || v > 0xFFFF {
		return NoFormat
	}
	return MediaType(v)
}

// Accept returns the Accept option, or NoFormat if absent or invalid.
func (m *Message) Accept() MediaType {
	v, err := m.Uint(Accept)
	if err != nil || v > 0xFFFF {
		return NoFormat
	}
	return MediaType(v)
}

// Observe returns the Observe option value.
func (m *Message) Observe() (uint32, bool) {
	v, err := m.Uint(Observe)
	if err != nil || v > 0xFFFFFF {
		return 0, false
	}
	return v, true
}

// DefaultMaxAge is the freshness lifetime in seconds of a response without
// a Max-Age option.
const DefaultMaxAge = 60

// MaxAge returns the Max-Age option, or DefaultMaxAge if absent.
func (m *Message) MaxAge() uint32 {
	v, err := m.Uint(MaxAge)
	if err != nil {
		return DefaultMaxAge
	}
	return v
}

// Size2 returns the announced total size of a block-wise response body.
func (m *Message) Size2() (uint32, bool) {
	v, err := m.Uint(Size2)
	return v, err == nil
}
