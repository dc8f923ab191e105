package discovery

import (
	"context"
	"sync"

	"github.com/sells-group/pricescout/internal/model"
)

// mockCatalog implements Catalog for testing.
type mockCatalog struct {
	mu         sync.Mutex
	candidates map[string]model.DiscoveredCandidate
	lookups    int
	err        error
}

func newMockCatalog(cs ...model.DiscoveredCandidate) *mockCatalog {
	m := &mockCatalog{candidates: make(map[string]model.DiscoveredCandidate)}
	m.save(cs...)
	return m
}

func (m *mockCatalog) LookupCandidate(_ context.Context, id string) (*model.DiscoveredCandidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	if m.err != nil {
		return nil, m.err
	}
	c, ok := m.candidates[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (m *mockCatalog) save(cs ...model.DiscoveredCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cs {
		m.candidates[c.ID] = c
	}
}

func (m *mockCatalog) lookupCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookups
}
