package mpesa

import (
	"context"
	"sync"
	"time"
)

// MemoryTokenCache is the single-instance fallback when no shared cache is
// configured
type MemoryTokenCache struct {
	mu      sync.Mutex
	entries map[string]memoryToken
	now     func() time.Time
}

type memoryToken struct {
	token   string
	expires time.Time
}

func NewMemoryTokenCache() *MemoryTokenCache {
	return &MemoryTokenCache{entries: make(map[string]memoryToken), now: time.Now}
}

func (m *MemoryTokenCache) GetToken(_ context.Context, name string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[name]
	if !ok || !m.now().Before(e.expires) {
		delete(m.entries, name)
		return "", false, nil
	}
	return e.token, true, nil
}

func (m *MemoryTokenCache) SetToken(_ context.Context, name, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[name] = memoryToken{token: token, expires: m.now().Add(ttl)}
	return nil
}
