// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

// Package objwire implements a transparent object-graph RPC runtime.
//
// Two peers, connected by a reliable bidirectional message [Channel],
// expose ordinary in-process objects — classes, instances, functions,
// getters, setters, and async iterators — so that each peer can
// manipulate the other's objects as if they were local, with a single
// uniform asynchronous call discipline.
//
// # Peers and Sessions
//
// The transport-facing type is [Peer]: it carries call correlation,
// handler dispatch, and cancellation, independent of what the calls
// mean. [Session] sits on top of a [Peer] and gives it object-graph
// semantics: it owns the identity registry, the class mirror, and the
// handlers for the nine wire verbs (start, class, new, call, func,
// get, set, iter, del).
//
//	sess := objwire.NewSession(registeredClasses, objwire.WithSeed(seed))
//	sess.Start(ch)
//	root, err := sess.Handshake(ctx)
//
// To create a new, unstarted peer directly (for custom verb sets):
//
//	p := objwire.NewPeer()
//	p.Start(ch)
//
// The peer runs until [Peer.Stop] is called, the channel is closed by
// the remote peer, or a protocol fatal error occurs. Call [Peer.Wait]
// to wait for the peer to exit and report its status.
//
// # Calls
//
// A call is an exchange between two peers consisting of a request and
// a corresponding response. The peer that initiates the call is the
// caller; the peer that responds is the callee. Calls may propagate
// in either direction, and a method handler may call back to the
// peer that invoked it using [ContextPeer].
//
// Errors returned by [Peer.Call] have concrete type [*CallError].
//
// # Wire verbs
//
// The nine fixed verbs of the protocol — start, class, new, call,
// func, get, set, iter, del — are described in package verb and
// dispatched by [Session]. Unlike a general chirp-style peer, which
// dispatches on a user-extensible numeric method ID, a Session
// dispatches on these fixed string verb names; see package verb for
// the rationale.
//
// # Metrics
//
// Peers maintain a collection of metrics while running. Use
// [Peer.Metrics] to obtain an [expvar.Map]. Metrics are shared
// globally among all peers by default.
package objwire
