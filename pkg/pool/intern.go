package pool

import (
	"sync"
	"sync/atomic"
)

// Interner deduplicates strings so that repeated cell values share one
// allocation. Once maxSize distinct values are held, new values are
// returned as is.
type Interner struct {
	mu      sync.RWMutex
	strings map[string]string
	maxSize int
	hits    int64
	misses  int64
}

// NewInterner returns an interner holding at most maxSize values.
func NewInterner(maxSize int) *Interner {
	return &Interner{
		strings: make(map[string]string, 1024),
		maxSize: maxSize,
	}
}

// Intern returns the stored copy of s, storing s if it is new.
func (p *Interner) Intern(s string) string {
	p.mu.RLock()
	if interned, ok := p.strings[s]; ok {
		p.mu.RUnlock()
		atomic.AddInt64(&p.hits, 1)
		return interned
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if interned, ok := p.strings[s]; ok {
		atomic.AddInt64(&p.hits, 1)
		return interned
	}
	atomic.AddInt64(&p.misses, 1)
	if len(p.strings) >= p.maxSize {
		return s
	}
	// s may point into a larger buffer
	s = string([]byte(s))
	p.strings[s] = s
	return s
}

// Stats returns the number of stored values, hits and misses.
func (p *Interner) Stats() (size, hits, misses int64) {
	p.mu.RLock()
	size = int64(len(p.strings))
	p.mu.RUnlock()
	return size, atomic.LoadInt64(&p.hits), atomic.LoadInt64(&p.misses)
}
