package store

import "time"

// startJanitor launches the periodic sweep goroutine. Disabled when no
// sweep interval is configured.
func (s *Store) startJanitor() {
	if s.sweep <= 0 {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.sweepOnce()
			case <-s.stop:
				return
			}
		}
	}()
}

// sweepOnce drops expired entries, trims an over-budget store back to the
// eviction target, and persists the index when anything changed.
func (s *Store) sweepOnce() {
	expired := s.EvictExpired()

	evicted := 0
	s.mu.Lock()
	over := s.maxSize > 0 && s.size > s.maxSize
	target := s.evictTarget()
	s.mu.Unlock()
	if over {
		evicted = s.EvictLRU(target)
	}

	if expired == 0 && evicted == 0 {
		return
	}
	s.log.Debug("sweep complete", "expired", expired, "evicted", evicted)
	if err := s.SaveIndex(); err != nil {
		s.log.Warn("index save after sweep failed", "err", err)
	}
}
