package stream

import "sync"

// connLimiter caps concurrent streams per client IP and overall.
type connLimiter struct {
	mu       sync.Mutex
	perIP    map[string]int
	total    int
	maxPerIP int
	maxTotal int
}

func newConnLimiter(maxPerIP, maxTotal int) *connLimiter {
	return &connLimiter{
		perIP:    make(map[string]int),
		maxPerIP: maxPerIP,
		maxTotal: maxTotal,
	}
}

// acquire registers a stream for ip. It returns "" on success, or the
// metrics reason of the limit that was hit.
func (l *connLimiter) acquire(ip string) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.total >= l.maxTotal:
		return "limit_total"
	case l.perIP[ip] >= l.maxPerIP:
		return "limit_ip"
	}
	l.perIP[ip]++
	l.total++
	return ""
}

func (l *connLimiter) release(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.total--
	if l.perIP[ip]--; l.perIP[ip] <= 0 {
		delete(l.perIP, ip)
	}
}

func (l *connLimiter) count(ip string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.perIP[ip]
}
