package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pricepulse/catalog-crawler/internal/catalog"
)

// ProxyStore implements catalog.ProxyStore over a map.
type ProxyStore struct {
	mu      sync.RWMutex
	nextID  int64
	proxies map[int64]catalog.Proxy
}

// NewProxyStore constructs an empty ProxyStore.
func NewProxyStore() *ProxyStore {
	return &ProxyStore{
		nextID:  1,
		proxies: make(map[int64]catalog.Proxy),
	}
}

// AddProxy seeds a proxy (test/bootstrap helper) and returns its id.
func (s *ProxyStore) AddProxy(p catalog.Proxy) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.ID == 0 {
		p.ID = s.nextID
		s.nextID++
	} else if p.ID >= s.nextID {
		s.nextID = p.ID + 1
	}
	s.proxies[p.ID] = p
	return p.ID
}

// SelectIdle returns up to limit active proxies, least recently used first.
// Never-used proxies sort ahead of everything else.
func (s *ProxyStore) SelectIdle(_ context.Context, limit int) ([]catalog.Proxy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	active := make([]catalog.Proxy, 0, len(s.proxies))
	for _, p := range s.proxies {
		if p.Active {
			active = append(active, p)
		}
	}
	sort.Slice(active, func(i, j int) bool {
		a, b := active[i].LastUsedAt, active[j].LastUsedAt
		switch {
		case a == nil && b == nil:
			return active[i].ID < active[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return active[i].ID < active[j].ID
		default:
			return a.Before(*b)
		}
	})
	if limit > 0 && len(active) > limit {
		active = active[:limit]
	}
	return active, nil
}

// MarkUsed stamps the proxy's last-used time.
func (s *ProxyStore) MarkUsed(_ context.Context, proxyID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proxies[proxyID]
	if !ok {
		return catalog.ErrNotFound
	}
	t := at
	p.LastUsedAt = &t
	s.proxies[proxyID] = p
	return nil
}

// RecordResult increments the proxy's request counters.
func (s *ProxyStore) RecordResult(_ context.Context, proxyID int64, success bool, httpStatus int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proxies[proxyID]
	if !ok {
		return catalog.ErrNotFound
	}
	p.TotalRequests++
	if success {
		p.SuccessCount++
	} else {
		p.FailureCount++
	}
	p.LastStatus = httpStatus
	s.proxies[proxyID] = p
	return nil
}

// DeactivateUnhealthy disables active proxies with more failures than
// successes once they have seen at least minRequests requests.
func (s *ProxyStore) DeactivateUnhealthy(_ context.Context, minRequests int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, p := range s.proxies {
		if p.Active && p.TotalRequests >= minRequests && p.FailureCount > p.SuccessCount {
			p.Active = false
			s.proxies[id] = p
			n++
		}
	}
	return n, nil
}

// Proxy returns one proxy by id (test helper).
func (s *ProxyStore) Proxy(proxyID int64) (catalog.Proxy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.proxies[proxyID]
	return p, ok
}
