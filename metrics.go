// Copyright (C) 2022 Michael J. Fromberger. All Rights Reserved.

package objwire

import "expvar"

// peerMetrics record peer activity counters. It generalizes the
// teacher's call/packet counters with the additional moving parts
// this system adds: classes, the identity registry, and release
// notices.
type peerMetrics struct {
	packetRecv    expvar.Int
	packetSent    expvar.Int
	packetDropped expvar.Int
	callIn        expvar.Int // number of inbound calls received
	callInErr     expvar.Int // number of inbound calls reporting an error
	callOut       expvar.Int // number of outbound calls initiated
	callOutErr    expvar.Int // number of outbound calls reporting an error
	cancelIn      expvar.Int // number of cancellations received
	callActive    expvar.Int // inbound
	callPending   expvar.Int // outbound

	classesSent   expvar.Int // class descriptions sent
	classesRecv   expvar.Int // class descriptions received
	localObjects  expvar.Int // published, but nothing updates it: always 0
	remoteStubs   expvar.Int // published, but nothing updates it: always 0
	releasesSent  expvar.Int // "del" notices sent
	releasesRecvd expvar.Int // "del" notices received

	emap *expvar.Map
}

var rootMetrics = newPeerMetrics()

func newPeerMetrics() *peerMetrics {
	pm := &peerMetrics{emap: new(expvar.Map)}
	pm.emap.Set("packets_received", &pm.packetRecv)
	pm.emap.Set("packets_sent", &pm.packetSent)
	pm.emap.Set("packets_dropped", &pm.packetDropped)
	pm.emap.Set("calls_in", &pm.callIn)
	pm.emap.Set("calls_in_failed", &pm.callInErr)
	pm.emap.Set("calls_active", &pm.callActive)
	pm.emap.Set("calls_out", &pm.callOut)
	pm.emap.Set("calls_out_failed", &pm.callOutErr)
	pm.emap.Set("cancels_in", &pm.cancelIn)
	pm.emap.Set("calls_pending", &pm.callPending)
	pm.emap.Set("classes_sent", &pm.classesSent)
	pm.emap.Set("classes_received", &pm.classesRecv)
	pm.emap.Set("local_objects", &pm.localObjects)
	pm.emap.Set("remote_stubs", &pm.remoteStubs)
	pm.emap.Set("releases_sent", &pm.releasesSent)
	pm.emap.Set("releases_received", &pm.releasesRecvd)
	return pm
}
