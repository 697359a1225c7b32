package localmedia

import (
	"context"
	"sync"

	"github.com/mikeyg42/callsession/internal/media"
)

// holder is anything that can own the capture for a device kind.
type holder interface {
	releaseCapture(ctx context.Context) error
}

// Exclusive records which component owns the capture for each device kind.
// Claiming a kind releases the previous owner first, so a preview and a
// call controller never hold the same hardware at once.
type Exclusive struct {
	mu      sync.Mutex
	holders map[media.DeviceKind]holder
}

// NewExclusive returns a guard with no owners.
func NewExclusive() *Exclusive {
	return &Exclusive{holders: make(map[media.DeviceKind]holder)}
}

// claim makes h the owner of kind, releasing any other owner first.
func (e *Exclusive) claim(ctx context.Context, kind media.DeviceKind, h holder) error {
	if e == nil {
		return nil
	}
	e.mu.Lock()
	prev := e.holders[kind]
	e.mu.Unlock()

	if prev != nil && prev != h {
		if err := prev.releaseCapture(ctx); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.holders[kind] = h
	e.mu.Unlock()
	return nil
}

// assign makes h the owner of kind without releasing the previous owner.
// Used when a capture is handed over rather than re-acquired.
func (e *Exclusive) assign(kind media.DeviceKind, h holder) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.holders[kind] = h
}

// release drops h's ownership of kind if it still has it.
func (e *Exclusive) release(kind media.DeviceKind, h holder) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holders[kind] == h {
		delete(e.holders, kind)
	}
}

// owns reports whether h still owns kind. Two claims that race both
// record themselves; only the later one owns the kind afterwards, and the
// other must give its capture back.
func (e *Exclusive) owns(kind media.DeviceKind, h holder) bool {
	if e == nil {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.holders[kind] == h
}
