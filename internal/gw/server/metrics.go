package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackgw_connections_total",
		Help: "Accepted device connections",
	})
	ConnectionsOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "trackgw_connections_open",
		Help: "Currently open device connections",
	})
	FramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackgw_frames_total",
		Help: "Framed messages read from devices",
	})
	FramingOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackgw_framing_overflow_total",
		Help: "Buffers discarded for exceeding the maximum message length",
	})
	ParseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "trackgw_parse_failures_total",
		Help: "Messages dropped because the matching parser failed",
	})
	RecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_records_total",
		Help: "Decoded records by protocol and packet type",
	}, []string{"protocol", "packet_type"})
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trackgw_commands_total",
		Help: "Outbound commands by result",
	}, []string{"result"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "trackgw_dispatch_seconds",
		Help:    "Time spent decoding one message",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 8),
	})
)
