// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router implements the static resource dispatcher.
//
// A Router serves a table of resources sorted ascending by path. Each entry
// accepts a set of methods and matches either its exact path or, with the
// coap.MatchSubtree flag, every path it prefixes:
//
//	resources := []router.Resource{
//		{Path: "/echo/", Methods: coap.FlagGET | coap.MatchSubtree, Handler: echo},
//		{Path: "/value", Methods: coap.FlagGET | coap.FlagPOST, Handler: value},
//	}
//	r, err := router.New(router.Config{}, resources)
//
// The table also feeds the /.well-known/core listing, which is served by
// the router itself unless the table registers that path.
package router
