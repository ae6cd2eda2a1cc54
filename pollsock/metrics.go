// Copyright 2026 The Pollsock Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package pollsock

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metricSessionsActive tracks sessions currently in the registry.
var metricSessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "pollsock",
	Name:      "sessions_active",
	Help:      "Number of live sessions (open or closing).",
})

// metricHandshakes counts completed HEAD handshakes.
var metricHandshakes = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pollsock",
	Name:      "handshakes_total",
	Help:      "Total completed handshakes.",
})

// metricMessages counts messages by direction as seen by the server.
var metricMessages = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pollsock",
	Name:      "messages_total",
	Help:      "Total messages by direction.",
}, []string{"direction"})

// metricParked tracks HTTP responses currently held open.
var metricParked = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "pollsock",
	Name:      "parked_responses",
	Help:      "Number of HTTP responses currently parked.",
})

// metricEvictions counts parked responses evicted on pool overflow.
var metricEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "pollsock",
	Name:      "parked_evictions_total",
	Help:      "Total parked responses evicted with an empty payload.",
})
