package chipset

import (
	"fmt"
	"sync"

	"github.com/burrowvm/burrow/internal/hv"
)

// LineSet owns the routing entries of one VM and fans guest EOIs back
// out to the devices that asserted them. Level-triggered lines are
// resampled on EOI so the owning device may assert again.
type LineSet struct {
	mu sync.Mutex

	router  hv.IRQRouter
	entries map[uint32]*hv.RoutingEntry
	eoi     map[uint32][]func()
}

// NewLineSet builds a LineSet allocating entries from router.
func NewLineSet(router hv.IRQRouter) *LineSet {
	return &LineSet{
		router:  router,
		entries: make(map[uint32]*hv.RoutingEntry),
		eoi:     make(map[uint32][]func()),
	}
}

// ClaimLine allocates (or reuses) the routing entry for line and claims
// it for owner. Each entry has at most one driver at a time.
func (l *LineSet) ClaimLine(line uint32, owner string) (*hv.RoutingEntry, error) {
	l.mu.Lock()
	entry, ok := l.entries[line]
	if !ok {
		var err error
		entry, err = l.router.CreateRoute(line)
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("chipset: create route for line %d: %w", line, err)
		}
		l.entries[line] = entry
	}
	l.mu.Unlock()

	if err := entry.Claim(owner); err != nil {
		return nil, err
	}
	return entry, nil
}

// ReleaseLine drops owner's claim on line.
func (l *LineSet) ReleaseLine(line uint32, owner string) {
	l.mu.Lock()
	entry := l.entries[line]
	l.mu.Unlock()
	if entry != nil {
		entry.Release(owner)
	}
}

// OnEOI registers a callback invoked when the guest signals EOI for the
// entry's vector.
func (l *LineSet) OnEOI(vector uint32, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[vector] = append(l.eoi[vector], fn)
}

// BroadcastEOI resamples every level-triggered entry on the vector and
// runs registered callbacks. Called from the exit loop when the guest
// acknowledges an interrupt.
func (l *LineSet) BroadcastEOI(vector uint32) {
	l.mu.Lock()
	var resample []*hv.RoutingEntry
	for _, entry := range l.entries {
		if entry.Vector() == vector && entry.Trigger() == hv.TriggerLevel {
			resample = append(resample, entry)
		}
	}
	callbacks := append([]func(){}, l.eoi[vector]...)
	l.mu.Unlock()

	for _, entry := range resample {
		entry.Resample()
	}
	for _, fn := range callbacks {
		fn()
	}
}
