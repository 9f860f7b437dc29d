package jobs

import "sync"

// resourceLocks maps a resource class to the id of the job holding it.
// Acquire is check-and-set under one mutex so two same-class jobs can
// never both start.
type resourceLocks struct {
	mu   sync.Mutex
	held map[string]string // class -> job id
}

func newResourceLocks() *resourceLocks {
	return &resourceLocks{held: map[string]string{}}
}

func (l *resourceLocks) TryAcquire(class, jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, busy := l.held[class]; busy {
		return false
	}
	l.held[class] = jobID
	return true
}

// Release frees the class only if jobID still holds it, so a stale release
// can never drop a lock acquired by a newer job.
func (l *resourceLocks) Release(class, jobID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[class] == jobID {
		delete(l.held, class)
	}
}

// Holder reports the current holder of a class, if any.
func (l *resourceLocks) Holder(class string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.held[class]
	return id, ok
}
