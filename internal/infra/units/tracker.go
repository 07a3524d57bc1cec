// Package units tracks named goroutines ("execution units") so the process can
// enumerate which of them are still running and wait for them to finish.
package units

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrSnapshotOverflow is returned by Enumerate when dst is too small to hold
// every live unit.
var ErrSnapshotOverflow = errors.New("unit snapshot buffer too small")

// Unit is a tracked goroutine.
type Unit struct {
	id     uint64
	name   string
	daemon bool
	done   chan struct{}
	err    error
}

func (u *Unit) ID() uint64 {
	return u.id
}

func (u *Unit) Name() string {
	return u.name
}

// Daemon reports whether the unit is background work that never holds up
// shutdown.
func (u *Unit) Daemon() bool {
	return u.daemon
}

func (u *Unit) Done() <-chan struct{} {
	return u.done
}

// Join blocks until the unit finishes and returns its error.
func (u *Unit) Join() error {
	<-u.done
	return u.err
}

func (u *Unit) Alive() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

func (u *Unit) String() string {
	return fmt.Sprintf("%s [id=%d]", u.name, u.id)
}

// Snapshot is a point-in-time enumeration of live units in start order.
type Snapshot []*Unit

// Tracker owns the set of live units.
type Tracker struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]*Unit
}

func NewTracker() *Tracker {
	return &Tracker{live: make(map[uint64]*Unit)}
}

var defaultTracker = NewTracker()

// Default returns the process-wide tracker.
func Default() *Tracker {
	return defaultTracker
}

// Go starts fn as a significant unit.
func (t *Tracker) Go(name string, fn func() error) *Unit {
	return t.start(name, false, fn)
}

// GoDaemon starts fn as a daemon unit.
func (t *Tracker) GoDaemon(name string, fn func() error) *Unit {
	return t.start(name, true, fn)
}

func (t *Tracker) start(name string, daemon bool, fn func() error) *Unit {
	u := &Unit{
		name:   name,
		daemon: daemon,
		done:   make(chan struct{}),
	}

	t.mu.Lock()
	t.next++
	u.id = t.next
	t.live[u.id] = u
	t.mu.Unlock()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				u.err = fmt.Errorf("unit %s panicked: %v", name, r)
			}
			// Leave the live set before waking joiners so a fresh snapshot
			// never contains a finished unit.
			t.remove(u.id)
			close(u.done)
		}()
		if fn != nil {
			u.err = fn()
		}
	}()
	return u
}

func (t *Tracker) remove(id uint64) {
	t.mu.Lock()
	delete(t.live, id)
	t.mu.Unlock()
}

// ActiveCount returns an estimate of the number of live units.
func (t *Tracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

// Enumerate copies live units into dst in start order. When dst is too small
// it is filled and ErrSnapshotOverflow is returned.
func (t *Tracker) Enumerate(dst []*Unit) (int, error) {
	t.mu.Lock()
	ids := make([]uint64, 0, len(t.live))
	for id := range t.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	n := 0
	for _, id := range ids {
		if n == len(dst) {
			t.mu.Unlock()
			return n, ErrSnapshotOverflow
		}
		dst[n] = t.live[id]
		n++
	}
	t.mu.Unlock()
	return n, nil
}
