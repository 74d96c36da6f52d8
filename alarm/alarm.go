package alarm

import (
	"errors"
	"sync"
	"time"
)

var ErrAlreadySet = errors.New("alarm: already set")

// Alarm is a one-shot deadline timer. The callback runs exactly once per
// arming: with fired=true when the deadline passes, with fired=false when
// Cancel wins the race.
type Alarm struct {
	mu    sync.Mutex
	timer *time.Timer
	f     func(fired bool)
	armed bool
}

func (a *Alarm) Set(deadline time.Time, f func(fired bool)) error {
	a.mu.Lock()
	if a.armed {
		a.mu.Unlock()
		return ErrAlreadySet
	}
	a.armed = true
	a.f = f
	a.timer = time.AfterFunc(time.Until(deadline), a.fire)
	a.mu.Unlock()
	return nil
}

func (a *Alarm) fire() {
	a.mu.Lock()
	if !a.armed {
		a.mu.Unlock()
		return
	}
	a.armed = false
	f := a.f
	a.mu.Unlock()

	f(true)
}

// Cancel stops an armed alarm. Returns false if the alarm was not armed
// or the timer already fired; in the latter case the callback still runs
// with fired=true.
func (a *Alarm) Cancel() bool {
	a.mu.Lock()
	if !a.armed || !a.timer.Stop() {
		a.mu.Unlock()
		return false
	}
	a.armed = false
	f := a.f
	a.mu.Unlock()

	f(false)
	return true
}
