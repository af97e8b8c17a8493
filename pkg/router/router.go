// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/absmach/mcoap/pkg/coap"
	"github.com/absmach/mcoap/pkg/handler"
)

// WellKnownCore is the path of the resource discovery listing (RFC 6690).
const WellKnownCore = "/.well-known/core"

// MaxPathLen is the longest request path the dispatcher resolves. Longer
// paths are answered with 4.13 Request Entity Too Large.
const MaxPathLen = 64

var (
	// ErrUnsorted is returned by New when the table is not sorted by path.
	ErrUnsorted = errors.New("resource table not sorted by path")

	// ErrInvalidResource is returned by New for an entry without path,
	// method or handler.
	ErrInvalidResource = errors.New("invalid resource")
)

// Resource is one entry of the static resource table.
type Resource struct {
	// Path is the absolute path, e.g. "/sensors/temp". With the
	// coap.MatchSubtree flag every path it prefixes matches, so "/a/"
	// serves "/a/" and "/a/b" but not "/ab".
	Path string

	// Methods is the set of accepted methods, plus coap.MatchSubtree.
	Methods coap.MethodFlag

	Handler handler.Handler

	// Context is passed to the handler as handler.Context.Resource.
	Context any

	// Attrs are link-format attributes appended to the discovery entry,
	// e.g. ";ct=0;rt=\"temperature\"".
	Attrs string
}

// Config holds dispatcher settings.
type Config struct {
	// MaxSZX caps the block size of the discovery listing.
	MaxSZX uint8

	// DisableWellKnownCore turns off the built-in discovery listing.
	DisableWellKnownCore bool

	Logger *slog.Logger
}

// Router dispatches requests against an immutable table sorted ascending
// by path. The first entry accepting the method whose path matches wins, so
// an exact entry must come before a subtree entry with the same path.
type Router struct {
	resources []Resource
	config    Config
	logger    *slog.Logger
}

// New validates the table and returns a router serving it. The slice is
// not copied and must not be modified afterwards.
func New(cfg Config, resources []Resource) (*Router, error) {
	if cfg.MaxSZX == 0 || cfg.MaxSZX > coap.MaxSZX {
		cfg.MaxSZX = coap.MaxSZX
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	for i, r := range resources {
		if !strings.HasPrefix(r.Path, "/") || r.Methods&^coap.MatchSubtree == 0 || r.Handler == nil {
			return nil, fmt.Errorf("%w: entry %d %q", ErrInvalidResource, i, r.Path)
		}
		if i > 0 && r.Path < resources[i-1].Path {
			return nil, fmt.Errorf("%w: %q after %q", ErrUnsorted, r.Path, resources[i-1].Path)
		}
	}

	return &Router{
		resources: resources,
		config:    cfg,
		logger:    cfg.Logger,
	}, nil
}

// Resources returns the resource table.
func (r *Router) Resources() []Resource {
	return r.resources
}

// match returns the index of the first resource serving path and method.
// pathFound reports whether some entry matched the path exactly regardless of
// the method.
func (r *Router) match(path string, method coap.MethodFlag) (idx int, pathFound bool) {
	for i := range r.resources {
		res := &r.resources[i]
		subtree := res.Methods.Subtree()

		var cmp int
		if subtree {
			cmp = strings.Compare(path[:min(len(path), len(res.Path))], res.Path)
		} else {
			cmp = strings.Compare(path, res.Path)
		}
		if cmp > 0 {
			continue
		}
		if cmp < 0 {
			break
		}

		if res.Methods&method == 0 {
			if !subtree {
				pathFound = true
			}
			continue
		}
		return i, true
	}
	return -1, pathFound
}

// Dispatch serves req and writes the reply into buf, returning its length.
// Zero means no reply is sent. hctx must carry RemoteAddr and Multicast;
// Path and Resource are filled in before the handler runs.
//
// Unmatched paths get 4.04, paths served only for other methods 4.05 and
// paths longer than MaxPathLen 4.13. A failing handler is answered with an
// empty reset. Requests received by multicast never get error replies.
// The returned error reports reply construction and handler failures; the
// reply, if any, is valid regardless.
func (r *Router) Dispatch(ctx context.Context, hctx *handler.Context, req *coap.Message, buf []byte) (int, error) {
	if !req.Code().IsRequest() {
		return 0, nil
	}

	var uri [MaxPathLen]byte
	n, err := req.Path(uri[:])
	if err != nil {
		return r.fail(hctx, req, coap.RequestEntityTooLarge, buf)
	}
	path := string(uri[:n])
	hctx.Path = path

	method := coap.MethodFlagOf(req.Code())
	idx, pathFound := r.match(path, method)
	if idx < 0 {
		if path == WellKnownCore && !r.config.DisableWellKnownCore && !pathFound {
			if req.Code() != coap.GET {
				return r.fail(hctx, req, coap.MethodNotAllowed, buf)
			}
			return r.serveWellKnownCore(req, buf)
		}
		if pathFound {
			return r.fail(hctx, req, coap.MethodNotAllowed, buf)
		}
		return r.fail(hctx, req, coap.NotFound, buf)
	}

	res := &r.resources[idx]
	hctx.Resource = res.Context
	n, err = res.Handler.ServeCoAP(ctx, hctx, req, buf)
	if err != nil {
		if hctx.Multicast {
			return 0, fmt.Errorf("resource %s: %w", res.Path, err)
		}
		m, rerr := coap.Reply(req, coap.Empty, buf, coap.NoFormat, nil)
		return m, errors.Join(fmt.Errorf("resource %s: %w", res.Path, err), rerr)
	}
	if hctx.Multicast && n >= coap.HeaderLen && coap.Code(buf[1]).IsError() {
		return 0, nil
	}
	return n, nil
}

func (r *Router) fail(hctx *handler.Context, req *coap.Message, code coap.Code, buf []byte) (int, error) {
	if hctx.Multicast {
		return 0, nil
	}
	r.logger.Debug("Request not served",
		slog.String("remote", hctx.RemoteAddr),
		slog.String("path", hctx.Path),
		slog.String("code", code.String()))
	return coap.Reply(req, code, buf, coap.NoFormat, nil)
}
