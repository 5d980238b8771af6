package suspicion

import (
	"sync"
	"time"
)

const defaultThreshold = time.Second

// Suspector tracks the age of the last observation per peer. A peer whose
// last message is older than the threshold is suspected dead. Consumers use
// this only to pre-trigger elections or view changes; correctness never
// depends on it.
type Suspector struct {
	threshold time.Duration
	now       func() time.Time

	mu       sync.RWMutex
	lastSeen map[uint64]time.Time
}

func New(threshold time.Duration) *Suspector {
	if threshold <= 0 {
		threshold = defaultThreshold
	}
	return &Suspector{
		threshold: threshold,
		now:       time.Now,
		lastSeen:  make(map[uint64]time.Time),
	}
}

func (s *Suspector) Observe(peerID uint64) {
	s.mu.Lock()
	s.lastSeen[peerID] = s.now()
	s.mu.Unlock()
}

// IsSuspected reports whether peerID has been silent past the threshold. A
// peer never observed at all is not suspected; silence before first contact
// usually means this node just started.
func (s *Suspector) IsSuspected(peerID uint64) bool {
	s.mu.RLock()
	seen, ok := s.lastSeen[peerID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return s.now().Sub(seen) > s.threshold
}
