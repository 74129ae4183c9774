// File: internal/chat/anomaly.go
package chat

import "sync"

// AnomalySet deduplicates log output for repeating structural anomalies
// within a single run. It is per-run state passed explicitly to the
// components that need it, never package-level.
type AnomalySet struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewAnomalySet returns an empty set.
func NewAnomalySet() *AnomalySet {
	return &AnomalySet{seen: make(map[string]struct{})}
}

// Flag runs report the first time key is seen and swallows repeats.
func (a *AnomalySet) Flag(key string, report func()) {
	if a == nil {
		report()
		return
	}
	a.mu.Lock()
	_, dup := a.seen[key]
	if !dup {
		a.seen[key] = struct{}{}
	}
	a.mu.Unlock()
	if !dup {
		report()
	}
}
