package modectl

import (
	"context"
	"fmt"
	"sync"

	"github.com/MythologIQ/qorelogic/pkg/contracts"
)

// Default admission sizing.
const (
	DefaultWorkers   = 8
	DefaultQueueSoft = 40
	DefaultQueueHard = 50
)

// Class separates latency-sensitive work from bulk work. Interactive
// requests are served LIFO, batch requests FIFO.
type Class string

const (
	ClassInteractive Class = "interactive"
	ClassBatch       Class = "batch"
)

// ErrAdmissionClosed is returned once the pool is shut down.
var ErrAdmissionClosed = fmt.Errorf("modectl: admission closed")

// Ticket is a held worker slot. Release it when the request finishes.
type Ticket struct {
	Grade contracts.RiskGrade
	once  sync.Once
	free  func()
}

// Release returns the slot to the pool. Safe to call more than once.
func (t *Ticket) Release() {
	t.once.Do(t.free)
}

type waiter struct {
	grade   contracts.RiskGrade
	ready   chan struct{}
	granted bool // written before ready closes
}

// Admission is the bounded queue in front of the worker pool. Depth counts
// every admitted, unfinished request (waiting plus in flight). A quarter of
// the slots are reserved for L3: non-L3 work never occupies them, and at the
// hard cap L3 requests keep being admitted while the reserve has room.
type Admission struct {
	mu sync.Mutex

	workers int
	reserve int
	soft    int
	hard    int

	inFlight   int
	l3InFlight int
	l3Waiting  int

	interactive []*waiter // LIFO
	batch       []*waiter // FIFO
	closed      bool
}

// NewAdmission builds the pool. Zero or negative arguments take the
// defaults; the L3 reserve is a quarter of the slots, never below two.
func NewAdmission(workers, soft, hard int) *Admission {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if soft <= 0 {
		soft = DefaultQueueSoft
	}
	if hard <= 0 {
		hard = DefaultQueueHard
	}
	reserve := workers / 4
	if reserve < 2 {
		reserve = 2
	}
	if reserve >= workers {
		reserve = workers - 1
	}
	if reserve < 1 {
		reserve = 1
	}
	return &Admission{workers: workers, reserve: reserve, soft: soft, hard: hard}
}

// Depth is the number of admitted, unfinished requests.
func (a *Admission) Depth() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.depthLocked()
}

// InFlight is the number of busy worker slots.
func (a *Admission) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inFlight
}

// Reserve is the number of slots only L3 may occupy.
func (a *Admission) Reserve() int { return a.reserve }

// Hard is the configured hard queue cap.
func (a *Admission) Hard() int { return a.hard }

func (a *Admission) depthLocked() int {
	return a.inFlight + len(a.interactive) + len(a.batch)
}

// Admit blocks until a worker slot is granted or ctx expires. The boolean
// reports soft backpressure: the queue was at or past the soft threshold
// when the request arrived, and the caller should attach the warning.
// At the hard cap non-L3 requests fail with QUEUE_FULL; L3 requests are
// still admitted while fewer than reserve L3 requests are in the system.
func (a *Admission) Admit(ctx context.Context, grade contracts.RiskGrade, class Class) (*Ticket, bool, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, false, ErrAdmissionClosed
	}
	depth := a.depthLocked()
	softWarn := depth >= a.soft
	if depth >= a.hard {
		if grade != contracts.RiskL3 {
			a.mu.Unlock()
			return nil, false, contracts.NewError(contracts.KindQueueFull,
				"admission queue at capacity %d", a.hard)
		}
		if a.l3InFlight+a.l3Waiting >= a.reserve {
			a.mu.Unlock()
			return nil, false, contracts.NewError(contracts.KindQueueFull,
				"L3 reserve exhausted at queue capacity %d", a.hard)
		}
	}

	if a.grantLocked(grade) {
		a.takeLocked(grade)
		a.mu.Unlock()
		return a.ticket(grade), softWarn, nil
	}

	w := &waiter{grade: grade, ready: make(chan struct{})}
	if grade == contracts.RiskL3 {
		a.l3Waiting++
	}
	if class == ClassInteractive {
		a.interactive = append(a.interactive, w)
	} else {
		a.batch = append(a.batch, w)
	}
	a.mu.Unlock()

	select {
	case <-w.ready:
		if !w.granted {
			return nil, false, ErrAdmissionClosed
		}
		return a.ticket(grade), softWarn, nil
	case <-ctx.Done():
		a.mu.Lock()
		select {
		case <-w.ready:
			if w.granted {
				// Granted while cancelling; hand the slot straight back.
				a.putBackLocked(grade)
				a.dispatchLocked()
			}
		default:
			a.removeLocked(w)
		}
		a.mu.Unlock()
		return nil, softWarn, ctx.Err()
	}
}

func (a *Admission) ticket(grade contracts.RiskGrade) *Ticket {
	return &Ticket{Grade: grade, free: func() {
		a.mu.Lock()
		a.putBackLocked(grade)
		a.dispatchLocked()
		a.mu.Unlock()
	}}
}

// grantLocked reports whether a slot is available to the grade right now.
// Non-L3 work is confined to the unreserved slots.
func (a *Admission) grantLocked(grade contracts.RiskGrade) bool {
	if a.inFlight >= a.workers {
		return false
	}
	if grade != contracts.RiskL3 && a.inFlight-a.l3InFlight >= a.workers-a.reserve {
		return false
	}
	return true
}

func (a *Admission) takeLocked(grade contracts.RiskGrade) {
	a.inFlight++
	if grade == contracts.RiskL3 {
		a.l3InFlight++
	}
}

func (a *Admission) putBackLocked(grade contracts.RiskGrade) {
	a.inFlight--
	if grade == contracts.RiskL3 {
		a.l3InFlight--
	}
}

// dispatchLocked hands freed slots to waiters: interactive newest-first,
// then batch oldest-first. A blocked non-L3 waiter never starves an L3
// waiter behind it; ineligible candidates are skipped, not served in turn.
func (a *Admission) dispatchLocked() {
	for {
		granted := false
		for i := len(a.interactive) - 1; i >= 0; i-- {
			w := a.interactive[i]
			if !a.grantLocked(w.grade) {
				continue
			}
			a.interactive = append(a.interactive[:i], a.interactive[i+1:]...)
			a.grantWaiterLocked(w)
			granted = true
			break
		}
		if granted {
			continue
		}
		for i := 0; i < len(a.batch); i++ {
			w := a.batch[i]
			if !a.grantLocked(w.grade) {
				continue
			}
			a.batch = append(a.batch[:i], a.batch[i+1:]...)
			a.grantWaiterLocked(w)
			granted = true
			break
		}
		if !granted {
			return
		}
	}
}

func (a *Admission) grantWaiterLocked(w *waiter) {
	if w.grade == contracts.RiskL3 {
		a.l3Waiting--
	}
	a.takeLocked(w.grade)
	w.granted = true
	close(w.ready)
}

// removeLocked drops a cancelled waiter from whichever list holds it.
func (a *Admission) removeLocked(target *waiter) {
	for i, w := range a.interactive {
		if w == target {
			a.interactive = append(a.interactive[:i], a.interactive[i+1:]...)
			if w.grade == contracts.RiskL3 {
				a.l3Waiting--
			}
			return
		}
	}
	for i, w := range a.batch {
		if w == target {
			a.batch = append(a.batch[:i], a.batch[i+1:]...)
			if w.grade == contracts.RiskL3 {
				a.l3Waiting--
			}
			return
		}
	}
}

// Close rejects all waiters and future admissions. Held tickets may still
// be released.
func (a *Admission) Close() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.closed = true
	for _, w := range a.interactive {
		close(w.ready)
	}
	for _, w := range a.batch {
		close(w.ready)
	}
	a.interactive = nil
	a.batch = nil
	a.l3Waiting = 0
}
