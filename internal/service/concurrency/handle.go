package concurrency

import (
	"sync"
	"time"

	"github.com/fairyhunter13/sessionadmit/internal/observability"
)

// Handle represents one admitted (or no-op) occupancy of a resource's
// concurrency slot. Release is idempotent: it may be called explicitly by
// the caller, or automatically by a cancel/timeout observer, but the
// underlying distributed semaphore entry is only ever removed once.
type Handle struct {
	resourceID string
	jobID      string
	admittedAt time.Time

	once          sync.Once
	release       func() error
	stopListening func()
	errCh         chan error
	noop          bool
}

// noopHandle returns a Handle for a disabled limiter (§4.B step 1): Release
// is a true no-op and Err() never fires.
func noopHandle(resourceID string) *Handle {
	return &Handle{resourceID: resourceID, noop: true, errCh: make(chan error, 1)}
}

// Release idempotently releases the slot. Safe to call multiple times and
// from multiple goroutines; only the first call has effect.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		if h.noop {
			return
		}
		if h.stopListening != nil {
			h.stopListening()
		}
		err = h.release()
		observability.RecordHoldDuration(h.resourceID, time.Since(h.admittedAt))
	})
	return err
}

// autoRelease is invoked by the cancel/timeout observer goroutine. It
// releases the slot (if not already released) and publishes the terminal
// reason on Err() for the caller to observe asynchronously.
func (h *Handle) autoRelease(reason error) {
	_ = h.Release()
	select {
	case h.errCh <- reason:
	default:
	}
}

// Err returns a channel that receives the terminal error when the handle was
// released automatically due to cancellation or execution timeout. It is
// never sent to on a caller-initiated Release.
func (h *Handle) Err() <-chan error {
	return h.errCh
}

// ResourceID returns the resource this handle was acquired for.
func (h *Handle) ResourceID() string { return h.resourceID }
