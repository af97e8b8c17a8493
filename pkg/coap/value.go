// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import "strings"

// UintLen returns the number of bytes of the shortest encoding of v.
func UintLen(v uint32) int {
	switch {
	case v == 0:
		return 0
	case v <= 0xFF:
		return 1
	case v <= 0xFFFF:
		return 2
	case v <= 0xFFFFFF:
		return 3
	default:
		return 4
	}
}

// putUintWidth writes v big-endian into exactly width bytes of buf. High-order
// bytes that do not fit are discarded.
func putUintWidth(buf []byte, v uint32, width int) {
	for i := width - 1; i >= 0; i-- {
		buf[i] = byte(v)
		v >>= 8
	}
}

// EncodeUint writes the shortest big-endian encoding of v into buf, which
// must hold at least UintLen(v) bytes, and returns the encoded length.
func EncodeUint(buf []byte, v uint32) int {
	n := UintLen(v)
	putUintWidth(buf, v, n)
	return n
}

// DecodeUint decodes an unsigned integer option value. Leading zero bytes
// are accepted.
func DecodeUint(b []byte) (uint32, error) {
	if len(b) > 4 {
		return 0, ErrInvalidValue
	}
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v, nil
}

// PutUintOption writes an unsigned integer option using the shortest value
// encoding.
func PutUintOption(buf []byte, prev, num OptionNumber, v uint32) (int, error) {
	var tmp [4]byte
	n := EncodeUint(tmp[:], v)
	return PutOption(buf, prev, num, tmp[:n])
}

// PutStringOption splits s at sep and writes one option per segment, all
// with number num. A single leading separator is skipped, so "/a/b" and
// "a/b" both produce the segments "a" and "b"; an empty remainder writes
// nothing. It returns the total number of bytes written.
func PutStringOption(buf []byte, prev, num OptionNumber, s string, sep byte) (int, error) {
	if len(s) > 0 && s[0] == sep {
		s = s[1:]
	}
	if len(s) == 0 {
		return 0, nil
	}

	pos := 0
	for {
		end := strings.IndexByte(s, sep)
		seg := s
		if end >= 0 {
			seg = s[:end]
		}
		n, err := putOptionString(buf[pos:], prev, num, seg)
		if err != nil {
			return 0, err
		}
		pos += n
		prev = num
		if end < 0 {
			return pos, nil
		}
		s = s[end+1:]
	}
}
