package httputil

// Semaphore caps the goroutines spawned for fire-and-forget work (event
// mirror writes). At capacity the work is dropped, never queued.
type Semaphore struct {
	sem chan struct{}
}

// NewSemaphore creates a semaphore with the given capacity.
func NewSemaphore(capacity int) *Semaphore {
	if capacity <= 0 {
		capacity = 100
	}
	return &Semaphore{sem: make(chan struct{}, capacity)}
}

// TryAcquire takes a slot without blocking; false means at capacity and
// the caller skips the work.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release returns a slot. Only call after a successful TryAcquire.
func (s *Semaphore) Release() {
	select {
	case <-s.sem:
	default:
	}
}
