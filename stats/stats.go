// Package stats aggregates runtime counters of a component and
// periodically hands them to a flush function.
package stats

import (
	"context"
	"expvar"
	"time"
)

// Stats encapsulates an expvar Map and acts as the metric reporting
// interface of a component. The map is private to the Stats value rather
// than published in the process-wide expvar registry, so short-lived
// runs can create reporters freely.
type Stats struct {
	*expvar.Map

	interval  time.Duration
	flushfunc func(m *expvar.Map)
}

// New returns a Stats flushing through flush every interval.
// A nil flush func is valid: counters still aggregate and can be
// inspected through the embedded Map.
func New(interval time.Duration, flush func(*expvar.Map)) *Stats {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	m := new(expvar.Map).Init()
	return &Stats{Map: m, interval: interval, flushfunc: flush}
}

// Run flushes the counters at the configured interval until ctx is
// canceled, with one final flush on the way out so the last partial
// interval of a run is not lost.
func (s *Stats) Run(ctx context.Context) {
	tick := time.NewTicker(s.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			s.flush()
			return
		case <-tick.C:
			s.flush()
		}
	}
}

func (s *Stats) flush() {
	if s.flushfunc != nil {
		s.flushfunc(s.Map)
	}
}
