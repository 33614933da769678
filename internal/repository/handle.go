package repository

import (
	"context"
	"sync/atomic"

	"github.com/sakif/userfeed/internal/apperror"
)

// Handle holds the process-wide Store. It starts empty and is filled once
// the background connect succeeds; until then Store reports
// apperror.ErrStorage instead of handing out a nil store.
//
// WHY NOT A PACKAGE-LEVEL VARIABLE?
// The server starts listening before the database answers, so "not
// connected yet" is a normal state that requests must be able to observe.
// A global `var db Store` would be nil in that window and every caller would
// have to remember to check it. The Handle is passed to the handlers and
// the service like any other dependency, and the nil check lives in one
// place (Store).
//
// CONCURRENCY:
// HTTP handlers read the Handle on every request while the connect goroutine
// writes it once. atomic.Pointer makes that safe without a mutex; Set uses
// CompareAndSwap so a second Set can never replace a store that requests
// are already using.
type Handle struct {
	store atomic.Pointer[storeBox]
}

type storeBox struct{ s Store }

// NewHandle returns an unconnected Handle.
func NewHandle() *Handle {
	return &Handle{}
}

// Connected returns a Handle that already holds s.
func Connected(s Store) *Handle {
	h := NewHandle()
	h.Set(s)
	return h
}

// Set publishes s. Only the first call has an effect.
func (h *Handle) Set(s Store) bool {
	return h.store.CompareAndSwap(nil, &storeBox{s: s})
}

// Store returns the connected store or a StorageUnavailable error.
func (h *Handle) Store() (Store, error) {
	b := h.store.Load()
	if b == nil {
		return nil, apperror.StorageUnavailable("database is not connected", nil)
	}
	return b.s, nil
}

// Close closes the held store, if any.
func (h *Handle) Close(ctx context.Context) error {
	b := h.store.Load()
	if b == nil {
		return nil
	}
	return b.s.Close(ctx)
}
