// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

import "errors"

// MaxSZX is the largest valid block size exponent (1024 byte blocks).
const MaxSZX = 6

// MaxBlockNum bounds the block number so that a block option value always
// fits into 3 bytes.
const MaxBlockNum = 1<<20 - 1

// SZXSize returns the block size for the exponent szx.
func SZXSize(szx uint8) int { return 1 << (szx + 4) }

// Block is a decoded Block1 or Block2 option.
type Block struct {
	// Offset is the byte offset of the block in the whole body.
	Offset int
	Num    uint32
	SZX    uint8
	More   bool
}

// Size returns the block size in bytes.
func (b Block) Size() int { return SZXSize(b.SZX) }

// Value encodes b as an option value.
func (b Block) Value() uint32 {
	v := b.Num<<4 | uint32(b.SZX&0x07)
	if b.More {
		v |= 1 << 3
	}
	return v
}

// DecodeBlock decodes a block option value.
func DecodeBlock(v uint32) (Block, error) {
	if v > 0xFFFFFF {
		return Block{}, ErrInvalidValue
	}
	b := Block{
		Num:  v >> 4,
		SZX:  uint8(v & 0x07),
		More: v&(1<<3) != 0,
	}
	if b.SZX > MaxSZX {
		return Block{}, ErrInvalidValue
	}
	b.Offset = int(b.Num) << (b.SZX + 4)
	return b, nil
}

// Block decodes the block option num of m.
func (m *Message) Block(num OptionNumber) (Block, error) {
	v, err := m.Uint(num)
	if err != nil {
		return Block{}, err
	}
	return DecodeBlock(v)
}

// Block1 decodes the Block1 option of m.
func (m *Message) Block1() (Block, error) { return m.Block(Block1) }

// Block2 decodes the Block2 option of m.
func (m *Message) Block2() (Block, error) { return m.Block(Block2) }

// AddBlock appends a block option.
func (b *Builder) AddBlock(num OptionNumber, blk Block) error {
	return b.AddUint(num, blk.Value())
}

// AddBlock1Control echoes the Block1 option of a request being received
// block-wise. A block size above maxSZX is lowered, which asks the client
// to continue with smaller blocks.
func (b *Builder) AddBlock1Control(blk Block, maxSZX uint8) error {
	for blk.SZX > maxSZX {
		blk.SZX--
		blk.Num <<= 1
	}
	return b.AddBlock(Block1, blk)
}

// Slicer carves the window of one block out of a body that is produced
// sequentially, so a handler can write its whole representation and only
// the requested block ends up in the reply.
type Slicer struct {
	// Start and End delimit the window, End exclusive.
	Start, End int
	// Cur counts the body bytes produced so far.
	Cur int

	num uint32
	szx uint8

	// placeholder of the block option value in the builder buffer.
	buf    []byte
	valPos int
	width  int

	out []byte
}

// NewSlicer returns a slicer for the block requested by blk. Block sizes
// above maxSZX are reduced, keeping the offset.
func NewSlicer(blk Block, maxSZX uint8) Slicer {
	if maxSZX > MaxSZX {
		maxSZX = MaxSZX
	}
	s := Slicer{num: blk.Num, szx: blk.SZX}
	for s.szx > maxSZX {
		s.szx--
		s.num <<= 1
	}
	s.window()
	return s
}

func (s *Slicer) window() {
	size := SZXSize(s.szx)
	s.Start = int(s.num) * size
	s.End = s.Start + size
}

// Block returns the block described by the slicer so far.
func (s *Slicer) Block() Block {
	return Block{Offset: s.Start, Num: s.num, SZX: s.szx, More: s.Cur > s.End}
}

// AddSlicer appends the block option num for s with the continuation bit
// set as a placeholder. The block size is reduced until a full window fits
// the space left in the buffer. Attach and Finish complete the message.
func (b *Builder) AddSlicer(num OptionNumber, s *Slicer) error {
	if num < b.last {
		return ErrOptionOrder
	}
	delta := int(num - b.last)
	for s.szx > 0 {
		v := s.num<<4 | 1<<3 | uint32(s.szx)
		space := len(b.buf) - b.pos - OptionLen(delta, UintLen(v)) - 1
		if SZXSize(s.szx) <= space {
			break
		}
		s.szx--
		s.num <<= 1
	}
	s.window()
	if s.num > MaxBlockNum {
		return ErrInvalidValue
	}

	v := s.num<<4 | 1<<3 | uint32(s.szx)
	width := UintLen(v)
	n, err := putOptionHeader(b.buf[b.pos:], delta, width)
	if err != nil {
		return err
	}
	s.buf = b.buf
	s.valPos = b.pos + n
	s.width = width
	putUintWidth(b.buf[s.valPos:], v, width)
	b.pos = s.valPos + width
	b.last = num
	return nil
}

// Attach sets the buffer receiving the window bytes, usually the payload
// area of the builder. A slicer without one only counts bytes.
func (s *Slicer) Attach(out []byte) error {
	if len(out) < s.End-s.Start {
		return ErrBufferTooSmall
	}
	s.out = out[:s.End-s.Start]
	return nil
}

// Write feeds body bytes to the slicer. It never fails.
func (s *Slicer) Write(p []byte) (int, error) {
	lo, hi := s.overlap(len(p))
	if lo < hi && s.out != nil {
		copy(s.out[lo-s.Start:], p[lo-s.Cur:hi-s.Cur])
	}
	s.Cur += len(p)
	return len(p), nil
}

// WriteString is like Write for strings.
func (s *Slicer) WriteString(p string) (int, error) {
	lo, hi := s.overlap(len(p))
	if lo < hi && s.out != nil {
		copy(s.out[lo-s.Start:], p[lo-s.Cur:hi-s.Cur])
	}
	s.Cur += len(p)
	return len(p), nil
}

// WriteByte feeds a single body byte.
func (s *Slicer) WriteByte(c byte) error {
	if s.Cur >= s.Start && s.Cur < s.End && s.out != nil {
		s.out[s.Cur-s.Start] = c
	}
	s.Cur++
	return nil
}

func (s *Slicer) overlap(n int) (lo, hi int) {
	return max(s.Cur, s.Start), min(s.Cur+n, s.End)
}

// Len returns the number of window bytes produced so far.
func (s *Slicer) Len() int {
	hi := min(s.Cur, s.End)
	if hi <= s.Start {
		return 0
	}
	return hi - s.Start
}

// Finish patches the continuation bit of the block option and finishes b,
// the builder the option was added with. ErrBlockOutOfRange means the body
// ended before the window started.
func (s *Slicer) Finish(b *Builder) (int, error) {
	if s.Cur < s.Start {
		return 0, ErrBlockOutOfRange
	}
	if s.buf != nil {
		putUintWidth(s.buf[s.valPos:], s.Block().Value(), s.width)
	}
	return b.Finish(s.Len())
}

// ReplyBlockwise builds a Block2 reply to req with code and content format
// ct. The body is produced by body and only the requested block is kept.
// A missing Block2 option requests the first block of size maxSZX. Invalid
// or out of range blocks are answered with 4.02 Bad Option.
func ReplyBlockwise(req *Message, code Code, buf []byte, ct MediaType, maxSZX uint8, body func(s *Slicer)) (int, error) {
	blk, err := req.Block2()
	switch {
	case errors.Is(err, ErrOptionNotFound):
		blk = Block{SZX: min(maxSZX, MaxSZX)}
	case err != nil:
		return Reply(req, BadOption, buf, NoFormat, nil)
	}

	var b Builder
	ok, err := b.InitReply(req, code, buf)
	if !ok || err != nil {
		return 0, err
	}
	if ct != NoFormat {
		if err := b.AddContentFormat(ct); err != nil {
			return 0, err
		}
	}
	s := NewSlicer(blk, maxSZX)
	if err := b.AddSlicer(Block2, &s); err != nil {
		return 0, err
	}
	if err := s.Attach(b.Payload()); err != nil {
		return 0, err
	}
	body(&s)

	n, err := s.Finish(&b)
	if errors.Is(err, ErrBlockOutOfRange) {
		return Reply(req, BadOption, buf, NoFormat, nil)
	}
	return n, err
}
