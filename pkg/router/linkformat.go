// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"io"

	"github.com/absmach/mcoap/pkg/coap"
)

// WriteLinks writes the link-format listing of every resource except the
// discovery resource itself, in table order: </a>,</b>;ct=0
func (r *Router) WriteLinks(w io.StringWriter) {
	first := true
	for i := range r.resources {
		res := &r.resources[i]
		if res.Path == WellKnownCore {
			continue
		}
		if !first {
			w.WriteString(",")
		}
		first = false
		w.WriteString("<")
		w.WriteString(res.Path)
		w.WriteString(">")
		w.WriteString(res.Attrs)
	}
}

func (r *Router) serveWellKnownCore(req *coap.Message, buf []byte) (int, error) {
	return coap.ReplyBlockwise(req, coap.Content, buf, coap.LinkFormat, r.config.MaxSZX, func(s *coap.Slicer) {
		r.WriteLinks(s)
	})
}
