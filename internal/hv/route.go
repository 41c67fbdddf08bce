package hv

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrRouteClaimed   = errors.New("routing entry already driven by another device")
	ErrAwaitResample  = errors.New("level interrupt awaiting resample acknowledgment")
	ErrRouteUnclaimed = errors.New("routing entry has no driver")
)

// Trigger selects the interrupt trigger mode of a routing entry.
type Trigger int

const (
	TriggerEdge Trigger = iota
	TriggerLevel
)

// RoutingEntry maps one logical interrupt line to an injectable vector.
// At most one device drives an entry at a time; level-triggered entries
// must be resampled before they may be asserted again.
type RoutingEntry struct {
	mu sync.Mutex

	line     uint32
	vector   uint32
	trigger  Trigger
	injector IRQInjector

	owner        string
	awaitingEOI  bool
	lastAsserted bool
}

// NewRoutingEntry builds an entry injecting vector through injector.
func NewRoutingEntry(line, vector uint32, trigger Trigger, injector IRQInjector) *RoutingEntry {
	return &RoutingEntry{
		line:     line,
		vector:   vector,
		trigger:  trigger,
		injector: injector,
	}
}

func (e *RoutingEntry) Line() uint32     { return e.line }
func (e *RoutingEntry) Vector() uint32   { return e.vector }
func (e *RoutingEntry) Trigger() Trigger { return e.trigger }

// Claim records the backend driving this entry. A second claim from a
// different owner fails.
func (e *RoutingEntry) Claim(owner string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner != "" && e.owner != owner {
		return fmt.Errorf("hv: line %d held by %q: %w", e.line, e.owner, ErrRouteClaimed)
	}
	e.owner = owner
	return nil
}

// Release drops the claim so the entry can be reused after detach.
func (e *RoutingEntry) Release(owner string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.owner == owner {
		e.owner = ""
		e.awaitingEOI = false
		e.lastAsserted = false
	}
}

// Assert raises the interrupt. For level-triggered entries a repeat
// assertion before Resample fails with ErrAwaitResample.
func (e *RoutingEntry) Assert() error {
	e.mu.Lock()
	if e.owner == "" {
		e.mu.Unlock()
		return fmt.Errorf("hv: line %d: %w", e.line, ErrRouteUnclaimed)
	}
	if e.trigger == TriggerLevel && e.awaitingEOI {
		e.mu.Unlock()
		return fmt.Errorf("hv: line %d: %w", e.line, ErrAwaitResample)
	}
	if e.trigger == TriggerLevel {
		e.awaitingEOI = true
	}
	e.lastAsserted = true
	injector := e.injector
	vector := e.vector
	e.mu.Unlock()

	if injector == nil {
		return nil
	}
	return injector.InjectIRQ(vector)
}

// Resample acknowledges the guest's EOI for a level-triggered entry,
// permitting the next assertion.
func (e *RoutingEntry) Resample() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.awaitingEOI = false
	e.lastAsserted = false
}

// Pending reports whether a level entry is still awaiting resample.
func (e *RoutingEntry) Pending() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.awaitingEOI
}
