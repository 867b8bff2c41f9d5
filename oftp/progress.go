package oftp

import (
	"sync"
	"time"
)

// Progress is a snapshot of the file in transfer.
type Progress struct {
	File    FileID
	Inbound bool

	// Octets counts the file bytes moved so far, including the part
	// skipped by a restart. Total is 0 when the size was not announced.
	Octets    int64
	Total     int64
	Restarted int64

	Elapsed time.Duration
	// Rate is in octets per second since the last report.
	Rate float64
}

// progressTracker reports the progress of the current file at most once
// per interval.
type progressTracker struct {
	mu       sync.Mutex
	report   func(Progress)
	interval time.Duration

	cur        Progress
	started    time.Time
	lastReport time.Time
	lastOctets int64
}

func newProgressTracker(report func(Progress), interval time.Duration) *progressTracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &progressTracker{report: report, interval: interval}
}

// start resets the tracker for a new file. offset is the number of octets
// skipped by a restart.
func (t *progressTracker) start(id FileID, inbound bool, total, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur = Progress{File: id, Inbound: inbound, Octets: offset, Total: total, Restarted: offset}
	t.started = time.Now()
	t.lastReport = t.started
	t.lastOctets = offset
}

func (t *progressTracker) add(n int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur.Octets += n
	now := time.Now()
	since := now.Sub(t.lastReport)
	if since < t.interval {
		return
	}
	t.cur.Elapsed = now.Sub(t.started)
	t.cur.Rate = float64(t.cur.Octets-t.lastOctets) / since.Seconds()
	t.report(t.cur)
	t.lastReport, t.lastOctets = now, t.cur.Octets
}

// done sends a final report and returns the transfer time.
func (t *progressTracker) done() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cur.Elapsed = time.Since(t.started)
	if secs := t.cur.Elapsed.Seconds(); secs > 0 {
		t.cur.Rate = float64(t.cur.Octets-t.cur.Restarted) / secs
	}
	t.report(t.cur)
	return t.cur.Elapsed
}
