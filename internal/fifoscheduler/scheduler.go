// Package fifoscheduler serializes asynchronous jobs against a single
// shared resource — here, a WebRTC peer connection's signaling state,
// which cannot tolerate interleaved offer/answer exchanges.
package fifoscheduler

import "sync"

// Scheduler runs submitted jobs strictly in submission order. Job n+1
// does not start until job n's result has settled, whether it succeeded
// or failed. A failed job never blocks the jobs behind it. Calls made
// from inside a running job (reentrant calls) simply queue behind
// whatever is already scheduled.
type Scheduler struct {
	mu   sync.Mutex
	tail chan struct{}
}

// New returns a ready-to-use Scheduler.
func New() *Scheduler {
	done := make(chan struct{})
	close(done)
	return &Scheduler{tail: done}
}

// Schedule enqueues job and returns its result once it has run. The
// returned error is job's own error, not a scheduling error — Schedule
// itself never fails.
func Schedule[T any](s *Scheduler, job func() (T, error)) (T, error) {
	s.mu.Lock()
	wait := s.tail
	next := make(chan struct{})
	s.tail = next
	s.mu.Unlock()

	resultCh := make(chan struct {
		val T
		err error
	}, 1)

	go func() {
		<-wait
		defer close(next)
		val, err := job()
		resultCh <- struct {
			val T
			err error
		}{val, err}
	}()

	r := <-resultCh
	return r.val, r.err
}
