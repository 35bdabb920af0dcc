// Package coordinator implements the external mutual-exclusion authority
// for transfer passes (CheckStart, NotifyStart, NotifyEnd) and the
// per-direction single-in-flight guarantee.
//
// The coordinator is an external collaborator in a full deployment; this
// package supplies the in-process default implementation the transfer
// loop talks to through the same interface, so an external coordinator
// can be substituted without touching the loop.
package coordinator

import (
	"sync"

	"github.com/streaming-dev/ima-agent/internal/types"
)

// Coordinator grants and tracks transfer-pass starts.
type Coordinator interface {
	CheckStart(direction types.Direction, index int) bool
	NotifyStart(direction types.Direction, index int)
	NotifyEnd(direction types.Direction, index int)
}

type key struct {
	direction types.Direction
	index     int
}

// Local is the in-process default Coordinator: grants a start only when no
// prior pass for the same (direction, index) is in progress.
type Local struct {
	mu         sync.Mutex
	inProgress map[key]bool
}

func NewLocal() *Local {
	return &Local{inProgress: make(map[key]bool)}
}

func (l *Local) CheckStart(direction types.Direction, index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.inProgress[key{direction, index}]
}

func (l *Local) NotifyStart(direction types.Direction, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.inProgress[key{direction, index}] = true
}

func (l *Local) NotifyEnd(direction types.Direction, index int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inProgress, key{direction, index})
}
