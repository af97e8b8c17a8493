// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import "encoding/binary"

// PutHeader writes the fixed header and the token into buf and returns the
// number of bytes written. Tokens longer than 8 bytes use the extended token
// length encoding. If token already sits at its destination in buf, as when
// a reply is built over the request it answers, the copy is skipped.
func PutHeader(buf []byte, typ Type, token []byte, code Code, id uint16) (int, error) {
	tkl := len(token)
	if (tkl > 8 && tkl < ext8Base) || tkl > MaxExtended {
		return 0, ErrTokenLength
	}
	nibble, extLen := extendedNibble(tkl)
	n := HeaderLen + extLen + tkl
	if n > len(buf) {
		return 0, ErrBufferTooSmall
	}

	buf[0] = Version<<6 | byte(typ&0x03)<<4 | nibble
	buf[1] = byte(code)
	binary.BigEndian.PutUint16(buf[2:], id)
	putExtended(buf[HeaderLen:], tkl, extLen)
	dst := buf[HeaderLen+extLen : n]
	if tkl > 0 && &dst[0] != &token[0] {
		copy(dst, token)
	}

	return n, nil
}

// PutEmpty writes a 4-byte empty message (code 0.00, no token).
func PutEmpty(buf []byte, typ Type, id uint16) (int, error) {
	return PutHeader(buf, typ, nil, Empty, id)
}

// Builder assembles an outgoing message in a caller supplied buffer. Options
// must be added in non-decreasing number order; the payload is written into
// Payload() after the last option and committed with Finish.
type Builder struct {
	buf       []byte
	pos       int
	hdrLen    int
	last      OptionNumber
	noPayload bool
}

// Init writes a header and token into buf and prepares b for options.
func (b *Builder) Init(buf []byte, typ Type, token []byte, code Code, id uint16) error {
	n, err := PutHeader(buf, typ, token, code, id)
	if err != nil {
		return err
	}
	b.Reset(buf, n)
	return nil
}

// Reset prepares b to append options after the first hdrLen bytes of buf,
// which must already hold a header and token.
func (b *Builder) Reset(buf []byte, hdrLen int) {
	*b = Builder{buf: buf, pos: hdrLen, hdrLen: hdrLen}
}

// Len returns the number of bytes written so far.
func (b *Builder) Len() int { return b.pos }

// HeaderLen returns the length of the header and token.
func (b *Builder) HeaderLen() int { return b.hdrLen }

// Bytes returns the message written so far, without payload.
func (b *Builder) Bytes() []byte { return b.buf[:b.pos] }

// LastOption returns the number of the most recently added option.
func (b *Builder) LastOption() OptionNumber { return b.last }

// PayloadSuppressed reports whether the reply must go out without payload
// because the request asked not to receive this response class.
func (b *Builder) PayloadSuppressed() bool { return b.noPayload }

// AddOption appends an opaque option.
func (b *Builder) AddOption(num OptionNumber, value []byte) error {
	if num < b.last {
		return ErrOptionOrder
	}
	n, err := PutOption(b.buf[b.pos:], b.last, num, value)
	if err != nil {
		return err
	}
	b.pos += n
	b.last = num
	return nil
}

// AddUint appends an unsigned integer option.
func (b *Builder) AddUint(num OptionNumber, v uint32) error {
	if num < b.last {
		return ErrOptionOrder
	}
	n, err := PutUintOption(b.buf[b.pos:], b.last, num, v)
	if err != nil {
		return err
	}
	b.pos += n
	b.last = num
	return nil
}

// AddString appends one option num per sep-delimited segment of s.
func (b *Builder) AddString(num OptionNumber, s string, sep byte) error {
	if num < b.last {
		return ErrOptionOrder
	}
	n, err := PutStringOption(b.buf[b.pos:], b.last, num, s, sep)
	if err != nil {
		return err
	}
	if n > 0 {
		b.pos += n
		b.last = num
	}
	return nil
}

// AddPath appends the Uri-Path options for a slash separated path.
func (b *Builder) AddPath(path string) error {
	return b.AddString(URIPath, path, '/')
}

// AddContentFormat appends a Content-Format option.
func (b *Builder) AddContentFormat(mt MediaType) error {
	return b.AddUint(ContentFormat, uint32(mt))
}

// Payload returns the space available for the payload, which starts after a
// reserved payload marker byte. Only valid once all options are added.
func (b *Builder) Payload() []byte {
	if b.pos+1 >= len(b.buf) {
		return nil
	}
	return b.buf[b.pos+1:]
}

// Finish commits payloadLen bytes previously written into Payload() and
// returns the total message length. The payload marker is only emitted for
// a non-empty payload.
func (b *Builder) Finish(payloadLen int) (int, error) {
	if b.noPayload || payloadLen == 0 {
		return b.pos, nil
	}
	if payloadLen > len(b.buf)-b.pos-1 {
		return 0, ErrBufferTooSmall
	}
	b.buf[b.pos] = PayloadMarker
	return b.pos + 1 + payloadLen, nil
}

// SetPayload copies p into the payload area and finishes the message.
func (b *Builder) SetPayload(p []byte) (int, error) {
	if b.noPayload || len(p) == 0 {
		return b.pos, nil
	}
	if len(p) > len(b.buf)-b.pos-1 {
		return 0, ErrBufferTooSmall
	}
	copy(b.buf[b.pos+1:], p)
	return b.Finish(len(p))
}
