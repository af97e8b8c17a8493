// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import (
	"encoding/binary"
	"io"
)

// Signaling codes of CoAP over reliable transports (RFC 8323).
const (
	ClassSignal = 7

	SignalCSM     Code = 7<<5 | 1
	SignalPing    Code = 7<<5 | 2
	SignalPong    Code = 7<<5 | 3
	SignalRelease Code = 7<<5 | 4
	SignalAbort   Code = 7<<5 | 5
)

// Options of the CSM signal. Signal options are numbered per signal code.
const (
	SignalMaxMessageSize OptionNumber = 2
	SignalBlockWise      OptionNumber = 4
)

const (
	frameExt8Base  = 13
	frameExt16Base = 269
	frameExt32Base = 65805
)

// IsSignal reports whether c is a signaling code.
func (c Code) IsSignal() bool { return c.Class() == ClassSignal }

func frameLenNibble(n int) (nibble byte, extLen int) {
	switch {
	case n < frameExt8Base:
		return byte(n), 0
	case n < frameExt16Base:
		return 13, 1
	case n < frameExt32Base:
		return 14, 2
	default:
		return 15, 4
	}
}

func frameExtLen(b0 byte) int {
	switch b0 >> 4 {
	case 13:
		return 1
	case 14:
		return 2
	case 15:
		return 4
	}
	return 0
}

// frameBodyLen decodes the length of options and payload from the first
// frame byte and its extension bytes.
func frameBodyLen(b0 byte, ext []byte) int {
	switch b0 >> 4 {
	case 13:
		return int(ext[0]) + frameExt8Base
	case 14:
		return int(binary.BigEndian.Uint16(ext)) + frameExt16Base
	case 15:
		return int(binary.BigEndian.Uint32(ext)) + frameExt32Base
	}
	return int(b0 >> 4)
}

// ReadFrame reads one RFC 8323 frame from r into buf and returns its size.
// A frame larger than buf fails with ErrBufferTooSmall and leaves the
// stream out of sync.
func ReadFrame(r io.Reader, buf []byte) (int, error) {
	if len(buf) < 2 {
		return 0, ErrBufferTooSmall
	}
	if _, err := io.ReadFull(r, buf[:1]); err != nil {
		return 0, err
	}
	tkl := int(buf[0] & 0x0f)
	if tkl > 8 {
		return 0, ErrTokenLength
	}
	hdr := 1 + frameExtLen(buf[0])
	if _, err := io.ReadFull(r, buf[1:hdr]); err != nil {
		return 0, err
	}
	total := hdr + 1 + tkl + frameBodyLen(buf[0], buf[1:hdr])
	if total > len(buf) || total < 0 {
		return 0, ErrBufferTooSmall
	}
	if _, err := io.ReadFull(r, buf[hdr:total]); err != nil {
		return 0, err
	}
	return total, nil
}

// PutFrame writes a frame carrying code, token and body into dst, where
// body holds the encoded options and payload.
func PutFrame(dst []byte, code Code, token, body []byte) (int, error) {
	tkl := len(token)
	if tkl > 8 {
		return 0, ErrTokenLength
	}
	length := len(body)
	nibble, extLen := frameLenNibble(length)
	n := 1 + extLen + 1 + tkl + length
	if n > len(dst) {
		return 0, ErrBufferTooSmall
	}

	dst[0] = nibble<<4 | byte(tkl)
	switch extLen {
	case 1:
		dst[1] = byte(length - frameExt8Base)
	case 2:
		binary.BigEndian.PutUint16(dst[1:], uint16(length-frameExt16Base))
	case 4:
		binary.BigEndian.PutUint32(dst[1:], uint32(length-frameExt32Base))
	}
	pos := 1 + extLen
	dst[pos] = byte(code)
	pos++
	pos += copy(dst[pos:], token)
	copy(dst[pos:], body)
	return n, nil
}

// FrameToDatagram rewrites a complete frame as a datagram of type typ with
// message id id in dst, so it can be parsed by Message.Parse and answered
// with the reply builders.
func FrameToDatagram(frame []byte, typ Type, id uint16, dst []byte) (int, error) {
	if len(frame) < 2 {
		return 0, ErrTruncated
	}
	tkl := int(frame[0] & 0x0f)
	if tkl > 8 {
		return 0, ErrTokenLength
	}
	pos := 1 + frameExtLen(frame[0])
	if len(frame) < pos+1+tkl {
		return 0, ErrTruncated
	}
	length := frameBodyLen(frame[0], frame[1:pos])
	code := Code(frame[pos])
	pos++
	token := frame[pos : pos+tkl]
	pos += tkl
	if len(frame)-pos != length {
		return 0, ErrTruncated
	}

	n, err := PutHeader(dst, typ, token, code, id)
	if err != nil {
		return 0, err
	}
	if len(dst)-n < length {
		return 0, ErrBufferTooSmall
	}
	copy(dst[n:], frame[pos:])
	return n + length, nil
}

// DatagramToFrame rewrites the parsed datagram m as a frame in dst. Type
// and message id have no place in a frame and are dropped.
func DatagramToFrame(m *Message, dst []byte) (int, error) {
	return PutFrame(dst, m.Code(), m.Token(), m.Bytes()[m.HeaderLen():])
}

// PutCSM writes a Capabilities and Settings Message advertising
// maxMessageSize and, if blockWise is set, block-wise transfer support.
func PutCSM(dst []byte, maxMessageSize uint32, blockWise bool) (int, error) {
	var body [8]byte
	n, err := PutUintOption(body[:], 0, SignalMaxMessageSize, maxMessageSize)
	if err != nil {
		return 0, err
	}
	if blockWise {
		m, err := PutOption(body[n:], SignalMaxMessageSize, SignalBlockWise, nil)
		if err != nil {
			return 0, err
		}
		n += m
	}
	return PutFrame(dst, SignalCSM, nil, body[:n])
}
