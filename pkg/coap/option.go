// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import "encoding/binary"

// Option header nibbles. Values 0-12 are literal.
const (
	nibbleExt8     = 13
	nibbleExt16    = 14
	nibbleReserved = 15

	ext8Base  = 13
	ext16Base = 269
)

// MaxExtended is the largest option delta or value length an option header
// can express.
const MaxExtended = ext16Base + 0xFFFF

// extendedNibble returns the header nibble and the number of extension bytes
// needed to encode v.
func extendedNibble(v int) (nibble byte, extLen int) {
	switch {
	case v < ext8Base:
		return byte(v), 0
	case v < ext16Base:
		return nibbleExt8, 1
	default:
		return nibbleExt16, 2
	}
}

func putExtended(buf []byte, v, extLen int) {
	switch extLen {
	case 1:
		buf[0] = byte(v - ext8Base)
	case 2:
		binary.BigEndian.PutUint16(buf, uint16(v-ext16Base))
	}
}

// decodeExtended resolves a nibble into its value, reading extension bytes
// from buf at pos. It returns the value and the position after the extension.
func decodeExtended(nibble byte, buf []byte, pos int) (int, int, error) {
	switch nibble {
	case nibbleExt8:
		if len(buf)-pos < 1 {
			return 0, pos, ErrTruncated
		}
		return int(buf[pos]) + ext8Base, pos + 1, nil
	case nibbleExt16:
		if len(buf)-pos < 2 {
			return 0, pos, ErrTruncated
		}
		return int(binary.BigEndian.Uint16(buf[pos:])) + ext16Base, pos + 2, nil
	case nibbleReserved:
		return 0, pos, ErrReservedNibble
	default:
		return int(nibble), pos, nil
	}
}

// OptionLen returns the encoded size of an option with the given delta and
// value length.
func OptionLen(delta, length int) int {
	_, dl := extendedNibble(delta)
	_, ll := extendedNibble(length)
	return 1 + dl + ll + length
}

// PutOption writes a single option into buf and returns the number of bytes
// written. num must not be lower than prev; this is not checked and a
// violation produces a corrupt delta.
func PutOption(buf []byte, prev, num OptionNumber, value []byte) (int, error) {
	n, err := putOptionHeader(buf, int(num-prev), len(value))
	if err != nil {
		return 0, err
	}
	return n + copy(buf[n:], value), nil
}

func putOptionString(buf []byte, prev, num OptionNumber, value string) (int, error) {
	n, err := putOptionHeader(buf, int(num-prev), len(value))
	if err != nil {
		return 0, err
	}
	return n + copy(buf[n:], value), nil
}

// putOptionHeader writes the header byte and extension bytes of an option and
// checks that the whole option, value included, fits into buf.
func putOptionHeader(buf []byte, delta, length int) (int, error) {
	if length > MaxExtended {
		return 0, ErrInvalidValue
	}
	if OptionLen(delta, length) > len(buf) {
		return 0, ErrBufferTooSmall
	}

	dn, dl := extendedNibble(delta)
	ln, ll := extendedNibble(length)
	buf[0] = dn<<4 | ln
	pos := 1
	putExtended(buf[pos:], delta, dl)
	pos += dl
	putExtended(buf[pos:], length, ll)
	pos += ll

	return pos, nil
}

// ReadOptionHeader decodes the option header starting at buf[pos]. It returns
// the delta, the value length and the offset of the first value byte. Only
// the header and its extension bytes are bounds checked.
func ReadOptionHeader(buf []byte, pos int) (delta, length, valuePos int, err error) {
	if pos >= len(buf) {
		return 0, 0, pos, ErrTruncated
	}
	b := buf[pos]
	if b == PayloadMarker {
		return 0, 0, pos, ErrReservedNibble
	}
	if delta, pos, err = decodeExtended(b>>4, buf, pos+1); err != nil {
		return 0, 0, pos, err
	}
	if length, pos, err = decodeExtended(b&0x0f, buf, pos); err != nil {
		return 0, 0, pos, err
	}
	return delta, length, pos, nil
}

// ReadOption decodes the option starting at buf[pos] and returns its delta,
// its value and the offset of the next option.
func ReadOption(buf []byte, pos int) (delta int, value []byte, next int, err error) {
	delta, length, vpos, err := ReadOptionHeader(buf, pos)
	if err != nil {
		return 0, nil, pos, err
	}
	if length > len(buf)-vpos {
		return 0, nil, pos, ErrTruncated
	}
	return delta, buf[vpos : vpos+length : vpos+length], vpos + length, nil
}
