// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package coap

// ReplyType returns the type of a piggybacked reply to a request of type t.
func ReplyType(t Type) Type {
	if t == Confirmable {
		return Acknowledgement
	}
	return NonConfirmable
}

// suppressed reports whether the No-Response option of req declares the
// class of code uninteresting (RFC 7967).
func suppressed(req *Message, code Code) bool {
	v, err := req.Uint(NoResponse)
	if err != nil || code.Class() == 0 {
		return false
	}
	return v&(1<<(code.Class()-1)) != 0
}

// InitReply writes the reply header for req into buf: reply type derived
// from the request type, the request token and message id, and code. A zero
// code yields a token-less reset.
//
// It returns false if no reply must be sent at all, which happens when a
// non-confirmable request suppresses the response class with No-Response.
// For confirmable requests the reply is still sent but without payload.
func (b *Builder) InitReply(req *Message, code Code, buf []byte) (bool, error) {
	if code == Empty {
		n, err := PutEmpty(buf, Reset, req.MessageID())
		if err != nil {
			return false, err
		}
		b.Reset(buf, n)
		b.noPayload = true
		return true, nil
	}

	typ := ReplyType(req.Type())
	quiet := suppressed(req, code)
	if quiet && typ == NonConfirmable {
		return false, nil
	}
	if err := b.Init(buf, typ, req.Token(), code, req.MessageID()); err != nil {
		return false, err
	}
	b.noPayload = quiet
	return true, nil
}

// InitSeparate writes the header of a separate response to req into buf.
// Its type mirrors the request type and id is a fresh message id. It
// returns false when No-Response suppresses the response class, since the
// empty acknowledgement already went out.
func (b *Builder) InitSeparate(req *Message, code Code, id uint16, buf []byte) (bool, error) {
	if suppressed(req, code) {
		return false, nil
	}
	if err := b.Init(buf, req.Type(), req.Token(), code, id); err != nil {
		return false, err
	}
	return true, nil
}

// Reply builds a complete reply to req in buf. A Content-Format option is
// added when ct is not NoFormat and there is a payload to send. It returns 0
// when no reply must be sent.
func Reply(req *Message, code Code, buf []byte, ct MediaType, payload []byte) (int, error) {
	var b Builder
	ok, err := b.InitReply(req, code, buf)
	if !ok || err != nil {
		return 0, err
	}
	if len(payload) > 0 && ct != NoFormat && !b.PayloadSuppressed() {
		if err := b.AddContentFormat(ct); err != nil {
			return 0, err
		}
	}
	return b.SetPayload(payload)
}

// EmptyAck writes an empty acknowledgement for req, used to defer the real
// response to a separate message.
func EmptyAck(req *Message, buf []byte) (int, error) {
	return PutEmpty(buf, Acknowledgement, req.MessageID())
}
