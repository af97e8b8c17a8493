// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy implements a CoAP reverse proxy mounted as a subtree
// resource of the router.
//
// # Admission
//
// ServeCoAP runs on the server's worker and never waits for the upstream.
// For each request it, in order:
//
//  1. Answers 5.02 Bad Gateway if an option is unrecognized and unsafe to forward
//  2. Replays a fresh cached response, if a cache is configured
//  3. Acknowledges a retransmission of a pending (remote, token) without forwarding it again
//  4. Takes a pool slot, or answers 5.03 Service Unavailable
//  5. Asks the circuit breaker, or answers 5.03 Service Unavailable
//  6. Copies the request, queues it and answers with an empty ACK
//
// # Forwarding
//
// Run consumes the queue on a single goroutine. It rewrites the request
// for the upstream: Uri-Host, Uri-Port, Proxy-Uri and Proxy-Scheme are
// dropped and the configured prefix is removed from Uri-Path. The upstream
// reply is sent to the client as a separate response whose type mirrors
// the request. An upstream timeout yields 5.04 Gateway Timeout and any
// other upstream failure 5.02 Bad Gateway.
//
// # Example
//
//	p, err := proxy.New(proxy.Config{Prefix: "/proxy", Upstream: "10.0.0.5:5683"})
//	if err != nil {
//		return err
//	}
//	go p.Run(ctx)
//
//	resources := []router.Resource{
//		{Path: "/proxy/", Methods: coap.FlagAll | coap.MatchSubtree, Handler: p},
//	}
package proxy
