package zk

import (
	metrics "github.com/docker/go-metrics"
)

var (
	reconnectCounter  metrics.Counter
	expirationCounter metrics.Counter
	watchEventCounter metrics.Counter
	opTimer           metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("zk", "session", nil)
	reconnectCounter = ns.NewCounter("reconnects", "Number of times a session was re-established after a connection loss")
	expirationCounter = ns.NewCounter("expirations", "Number of times the server invalidated the session id")
	watchEventCounter = ns.NewCounter("watch_events", "Number of znode watch notifications dispatched to callbacks")
	opTimer = ns.NewTimer("operation", "Latency of client operations")
	metrics.Register(ns)
}
