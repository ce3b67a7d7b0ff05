package checkpoint

import "time"

// mutexPollInterval is how often TryLockUntil re-checks its predicate while
// waiting for the holder to release.
const mutexPollInterval = 10 * time.Millisecond

// Mutex serialises checkpoint execution: at most one guard exists at any
// instant, across all three acquisition modes. It is a 1-slot channel so that
// blocking, non-blocking, and timed acquisition share one implementation.
type Mutex struct {
	slot chan struct{}
}

func NewMutex() *Mutex {
	return &Mutex{slot: make(chan struct{}, 1)}
}

// Guard is a held acquisition of the Mutex. Unlock must run on every exit
// path of the holding scope.
type Guard struct {
	m *Mutex
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() Guard {
	m.slot <- struct{}{}
	return Guard{m: m}
}

// TryLock acquires the mutex only if it is free right now.
func (m *Mutex) TryLock() (Guard, bool) {
	select {
	case m.slot <- struct{}{}:
		return Guard{m: m}, true
	default:
		return Guard{}, false
	}
}

// TryLockUntil acquires the mutex, polling timedOut between attempts. It
// returns as soon as the mutex is acquired, or without it once timedOut
// reports true. The predicate bounds only the wait for the mutex; it has no
// effect on anything done while holding it.
func (m *Mutex) TryLockUntil(timedOut func() bool) (Guard, bool) {
	for {
		if guard, ok := m.TryLock(); ok {
			return guard, true
		}
		if timedOut() {
			return Guard{}, false
		}

		var timer = time.NewTimer(mutexPollInterval)
		select {
		case m.slot <- struct{}{}:
			timer.Stop()
			return Guard{m: m}, true
		case <-timer.C:
		}
	}
}

// Unlock releases the mutex. Unlocking a zero Guard, or the same Guard
// twice, panics: both are bugs in the holder's scope discipline.
func (g Guard) Unlock() {
	if g.m == nil {
		panic("unlock of unheld checkpoint mutex")
	}
	select {
	case <-g.m.slot:
	default:
		panic("unlock of unheld checkpoint mutex")
	}
}
