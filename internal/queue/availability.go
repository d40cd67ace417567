package queue

import (
	"log/slog"
	"sync"
	"time"
)

// Mode is the provider availability as seen by the scheduler.
type Mode int

const (
	ModeOnline Mode = iota
	ModeOffline
)

func (m Mode) String() string {
	if m == ModeOffline {
		return "offline"
	}
	return "online"
}

// Transition is a change of Mode.
type Transition struct {
	From, To Mode
	At       time.Time
	Reason   string
}

// DefaultOfflineStrikes is the number of consecutive unavailability failures
// that switch the tracker offline.
const DefaultOfflineStrikes = 3

// Availability counts consecutive provider failures and owns the Mode.
//
//	online  --strikes reach threshold / MarkDown--> offline
//	offline --successful probe / MarkUp-----------> online
//
// Any success while online resets the strike counter.
type Availability struct {
	mu        sync.Mutex
	mode      Mode
	strikes   int
	threshold int
	observers []func(Transition)
	logger    *slog.Logger
}

func NewAvailability(threshold int) *Availability {
	if threshold <= 0 {
		threshold = DefaultOfflineStrikes
	}
	return &Availability{threshold: threshold, logger: slog.Default()}
}

// Subscribe registers fn for every future transition. fn runs synchronously
// after the tracker's lock is released.
func (a *Availability) Subscribe(fn func(Transition)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.observers = append(a.observers, fn)
}

func (a *Availability) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

// Strikes returns the current consecutive failure count.
func (a *Availability) Strikes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.strikes
}

// RecordFailure counts one unavailability failure. It reports whether this
// failure switched the tracker offline.
func (a *Availability) RecordFailure() bool {
	a.mu.Lock()
	a.strikes++
	if a.mode == ModeOffline || a.strikes < a.threshold {
		a.mu.Unlock()
		return false
	}
	t := a.setLocked(ModeOffline, "consecutive provider failures")
	a.mu.Unlock()
	a.notify(t)
	return true
}

// RecordSuccess resets the strike counter.
func (a *Availability) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.strikes = 0
}

// MarkDown forces the tracker offline.
func (a *Availability) MarkDown(reason string) bool {
	a.mu.Lock()
	if a.mode == ModeOffline {
		a.mu.Unlock()
		return false
	}
	t := a.setLocked(ModeOffline, reason)
	a.mu.Unlock()
	a.notify(t)
	return true
}

// MarkUp switches the tracker online and clears the strikes. It reports
// whether the mode changed.
func (a *Availability) MarkUp(reason string) bool {
	a.mu.Lock()
	a.strikes = 0
	if a.mode == ModeOnline {
		a.mu.Unlock()
		return false
	}
	t := a.setLocked(ModeOnline, reason)
	a.mu.Unlock()
	a.notify(t)
	return true
}

func (a *Availability) setLocked(to Mode, reason string) Transition {
	t := Transition{From: a.mode, To: to, At: time.Now().UTC(), Reason: reason}
	a.mode = to
	return t
}

func (a *Availability) notify(t Transition) {
	a.logger.Info("provider mode changed", "from", t.From, "to", t.To, "reason", t.Reason)
	a.mu.Lock()
	obs := append(([]func(Transition))(nil), a.observers...)
	a.mu.Unlock()
	for _, fn := range obs {
		fn(t)
	}
}

// Backoff returns the delay before attempt n (1-based) of a task:
// min(base * 2^(n-1), cap).
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap || d <= 0 {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}
