package mqtt

import (
	"sync"
	"time"
)

// DailyCounters tracks broker traffic and resets at local midnight. It
// is safe for concurrent use.
type DailyCounters struct {
	mu        sync.Mutex
	received  int64
	published int64
	dropped   int64
	resetDay  int // day-of-year of last reset
	loc       *time.Location
	now       func() time.Time
}

// CountersSnapshot is a point-in-time copy of [DailyCounters].
type CountersSnapshot struct {
	Received  int64 `json:"received"`
	Published int64 `json:"published"`
	Dropped   int64 `json:"dropped"`
}

// NewDailyCounters creates counters that roll over at midnight in loc.
// If loc is nil, [time.Local] is used.
func NewDailyCounters(loc *time.Location) *DailyCounters {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyCounters{loc: loc, now: time.Now}
	d.resetDay = d.now().In(loc).YearDay()
	return d
}

// OnReceived counts one inbound publish.
func (d *DailyCounters) OnReceived() { d.add(&d.received) }

// OnPublished counts one outbound publish.
func (d *DailyCounters) OnPublished() { d.add(&d.published) }

// OnDropped counts one inbound publish discarded by the rate limiter.
func (d *DailyCounters) OnDropped() { d.add(&d.dropped) }

func (d *DailyCounters) add(field *int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	*field++
}

// Snapshot returns today's totals.
func (d *DailyCounters) Snapshot() CountersSnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return CountersSnapshot{
		Received:  d.received,
		Published: d.published,
		Dropped:   d.dropped,
	}
}

// maybeReset zeroes the counters if the local day has changed. Must be
// called with d.mu held.
func (d *DailyCounters) maybeReset() {
	today := d.now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.received = 0
		d.published = 0
		d.dropped = 0
		d.resetDay = today
	}
}
