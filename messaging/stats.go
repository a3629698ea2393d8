package messaging

import "sync/atomic"

// Stats is a snapshot of the dispatcher counters
type Stats struct {
	Received     int64 `json:"received"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	Replayed     int64 `json:"replayed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
}

type counters struct {
	received     atomic.Int64
	succeeded    atomic.Int64
	failed       atomic.Int64
	replayed     atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Received:     c.received.Load(),
		Succeeded:    c.succeeded.Load(),
		Failed:       c.failed.Load(),
		Replayed:     c.replayed.Load(),
		Retried:      c.retried.Load(),
		DeadLettered: c.deadLettered.Load(),
	}
}
