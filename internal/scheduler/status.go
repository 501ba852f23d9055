package scheduler

import "time"

// Status is a point-in-time view of the run loop for the metrics emitter.
type Status struct {
	ActiveWorkers int
	QueueLength   int
	RoleActive    map[string]int
	StartedAt     time.Time
}

// Status returns a consistent snapshot of the loop counters.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	roles := make(map[string]int, len(s.roleActive))
	for role, n := range s.roleActive {
		if n > 0 {
			roles[role] = n
		}
	}
	return Status{
		ActiveWorkers: s.active,
		QueueLength:   s.queueLen,
		RoleActive:    roles,
		StartedAt:     s.startedAt,
	}
}
